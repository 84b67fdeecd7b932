/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"bytes"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"

	"github.com/JB-SelfCompany/hostmail/internal/mailmsg"
	"github.com/JB-SelfCompany/hostmail/internal/storage"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
)

// stateAny marks commands valid in every state.
const stateAny connState = -1

type command struct {
	state connState // Minimum state, or stateAny.
	uid   bool      // Accepts the UID prefix.
	fn    func(c *conn, tag string, p *parser, uid bool)
}

func newCommandTable() map[string]command {
	return map[string]command{
		"CAPABILITY": {state: stateAny, fn: (*conn).cmdCapability},
		"NOOP":       {state: stateAny, fn: (*conn).cmdNoop},
		"LOGOUT":     {state: stateAny, fn: (*conn).cmdLogout},

		"LOGIN":        {state: stateNotAuthenticated, fn: (*conn).cmdLogin},
		"AUTHENTICATE": {state: stateNotAuthenticated, fn: (*conn).cmdAuthenticate},

		"SELECT":      {state: stateAuthenticated, fn: (*conn).cmdSelect},
		"EXAMINE":     {state: stateAuthenticated, fn: (*conn).cmdExamine},
		"CREATE":      {state: stateAuthenticated, fn: (*conn).cmdCreate},
		"DELETE":      {state: stateAuthenticated, fn: (*conn).cmdDelete},
		"RENAME":      {state: stateAuthenticated, fn: (*conn).cmdRename},
		"SUBSCRIBE":   {state: stateAuthenticated, fn: (*conn).cmdSubscribe},
		"UNSUBSCRIBE": {state: stateAuthenticated, fn: (*conn).cmdUnsubscribe},
		"LIST":        {state: stateAuthenticated, fn: (*conn).cmdList},
		"LSUB":        {state: stateAuthenticated, fn: (*conn).cmdLsub},
		"STATUS":      {state: stateAuthenticated, fn: (*conn).cmdStatus},
		"APPEND":      {state: stateAuthenticated, fn: (*conn).cmdAppend},

		"CHECK":    {state: stateSelected, fn: (*conn).cmdCheck},
		"CLOSE":    {state: stateSelected, fn: (*conn).cmdClose},
		"UNSELECT": {state: stateSelected, fn: (*conn).cmdUnselect},
		"EXPUNGE":  {state: stateSelected, fn: (*conn).cmdExpunge},
		"SEARCH":   {state: stateSelected, uid: true, fn: (*conn).cmdSearch},
		"FETCH":    {state: stateSelected, uid: true, fn: (*conn).cmdFetch},
		"STORE":    {state: stateSelected, uid: true, fn: (*conn).cmdStore},
		"IDLE":     {state: stateSelected, fn: (*conn).cmdIdle},
	}
}

// permanentFlags are the only flags clients may set.
var permanentFlags = types.Flags{
	types.FlagAnswered, types.FlagDeleted, types.FlagDraft, types.FlagFlagged, types.FlagSeen,
}

func capabilityArgs(state connState) []interface{} {
	caps := []interface{}{
		imap.RawString("IMAP4rev1"),
		imap.RawString("LITERAL+"),
		imap.RawString("IDLE"),
		imap.RawString("UIDPLUS"),
		imap.RawString("UNSELECT"),
		imap.RawString("SPECIAL-USE"),
	}
	if state == stateNotAuthenticated {
		caps = append(caps, imap.RawString("AUTH=PLAIN"))
	}
	return caps
}

func (c *conn) cmdCapability(tag string, p *parser, _ bool) {
	p.xempty()
	c.xuntagged(append([]interface{}{imap.RawString("CAPABILITY")}, capabilityArgs(c.state)...)...)
	c.xok(tag, "CAPABILITY completed")
}

func (c *conn) cmdNoop(tag string, p *parser, _ bool) {
	p.xempty()
	if c.state == stateSelected {
		select {
		case <-c.notify:
		default:
		}
		c.refresh()
	}
	c.xok(tag, "NOOP completed")
}

func (c *conn) cmdLogout(tag string, p *parser, _ bool) {
	p.xempty()
	c.xwriteStatus("", imap.StatusRespBye, "", "hostmail logging out")
	c.unselect()
	c.state = stateLogout
	c.xok(tag, "LOGOUT completed")
}

func (c *conn) cmdLogin(tag string, p *parser, _ bool) {
	p.xspace()
	username := p.xastring()
	p.xspace()
	password := p.xastring()
	p.xempty()

	c.login(c.srv.authenticate(c.ip, username, password))
	c.xokCode(tag, "CAPABILITY", "LOGIN completed", capabilityArgs(c.state)...)
}

func (c *conn) cmdAuthenticate(tag string, p *parser, _ bool) {
	p.xspace()
	mech := toUpper(p.xatom())
	if mech != "PLAIN" {
		xusercodeErrorf("CANNOT", "unsupported authentication mechanism %s", mech)
	}

	var resp string
	if p.space() {
		resp = p.xtakeall()
	} else {
		c.xwrite(&imap.DataResp{Tag: "+", Fields: []interface{}{imap.RawString("")}})
		resp = c.xreadline()
		if resp == "*" {
			xsyntaxErrorf("authentication cancelled")
		}
	}
	data := []byte{}
	if resp != "=" {
		var err error
		if data, err = base64.StdEncoding.DecodeString(resp); err != nil {
			xsyntaxErrorf("invalid base64 in authentication response")
		}
	}

	var email string
	server := sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("authorization identity does not match")
		}
		email = c.srv.authenticate(c.ip, username, password)
		return nil
	})
	if _, _, err := server.Next(data); err != nil {
		xusercodeErrorf("AUTHENTICATIONFAILED", "authentication failed")
	}

	c.login(email)
	c.xokCode(tag, "CAPABILITY", "AUTHENTICATE completed", capabilityArgs(c.state)...)
}

func (c *conn) login(email string) {
	c.user = email
	c.state = stateAuthenticated
	c.srv.log.Printf("IMAP login for %s from %s", email, c.ip)
}

func (c *conn) cmdSelect(tag string, p *parser, _ bool) {
	c.selectMailbox(tag, p, false)
}

func (c *conn) cmdExamine(tag string, p *parser, _ bool) {
	c.selectMailbox(tag, p, true)
}

func (c *conn) selectMailbox(tag string, p *parser, readOnly bool) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	// A failed SELECT leaves no mailbox selected.
	c.unselect()
	c.xmailboxExists(name)

	msgs, err := c.srv.storage.MessageList(c.user, name)
	xcheckf(err, "listing messages")
	uidNext, err := c.srv.storage.MessageUIDNext(c.user)
	xcheckf(err, "getting next uid")

	uids := make([]uint32, 0, len(msgs))
	var recent, firstUnseen uint32
	for i, msg := range msgs {
		uids = append(uids, msg.UID)
		if msg.Flags.Has(types.FlagRecent) {
			recent++
		}
		if firstUnseen == 0 && !msg.Flags.Has(types.FlagSeen) {
			firstUnseen = uint32(i + 1)
		}
	}

	c.xuntagged(imap.RawString("FLAGS"), flagList(permanentFlags))
	c.xwriteStatus("", imap.StatusRespOk, "PERMANENTFLAGS", "Limited", flagList(permanentFlags))
	c.xuntagged(uint32(len(uids)), imap.RawString("EXISTS"))
	c.xuntagged(recent, imap.RawString("RECENT"))
	if firstUnseen > 0 {
		c.xwriteStatus("", imap.StatusRespOk, "UNSEEN", "First unseen", firstUnseen)
	}
	c.xwriteStatus("", imap.StatusRespOk, "UIDVALIDITY", "UIDs valid", UIDValidity)
	c.xwriteStatus("", imap.StatusRespOk, "UIDNEXT", "Predicted next UID", uidNext)

	if !readOnly {
		// Only the first session to see a message reports it as recent.
		for _, msg := range msgs {
			if msg.Flags.Has(types.FlagRecent) {
				err := c.srv.storage.MessageSetFlags(c.user, name, msg.UID, msg.Flags.Remove(types.FlagRecent))
				xcheckf(err, "clearing recent flag")
			}
		}
	}

	c.state = stateSelected
	c.mailbox = name
	c.readOnly = readOnly
	c.uids = uids
	c.watch.Store(watchKey(c.user, name))

	if readOnly {
		c.xokCode(tag, "READ-ONLY", "EXAMINE completed")
	} else {
		c.xokCode(tag, "READ-WRITE", "SELECT completed")
	}
}

func (c *conn) unselect() {
	if c.state == stateSelected {
		c.state = stateAuthenticated
	}
	c.mailbox = ""
	c.readOnly = false
	c.uids = nil
	c.watch.Store("")
}

func (c *conn) xmailboxExists(name string) {
	exists, err := c.srv.storage.MailboxExists(c.user, name)
	xcheckf(err, "checking mailbox")
	if !exists {
		xusercodeErrorf("NONEXISTENT", "Mailbox does not exist")
	}
}

func (c *conn) cmdCreate(tag string, p *parser, _ bool) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()
	if name == "" {
		xsyntaxErrorf("empty mailbox name")
	}

	err := c.srv.storage.MailboxCreate(c.user, name)
	if errors.Is(err, storage.ErrExists) {
		xusercodeErrorf("ALREADYEXISTS", "Mailbox already exists")
	}
	xcheckf(err, "creating mailbox")
	c.xok(tag, "CREATE completed")
}

func (c *conn) cmdDelete(tag string, p *parser, _ bool) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	err := c.srv.storage.MailboxDelete(c.user, name)
	switch {
	case errors.Is(err, storage.ErrFixed):
		xusercodeErrorf("CANNOT", "Mailbox %s cannot be deleted", name)
	case errors.Is(err, storage.ErrNotFound):
		xusercodeErrorf("NONEXISTENT", "Mailbox does not exist")
	}
	xcheckf(err, "deleting mailbox")
	if c.state == stateSelected && c.mailbox == name {
		c.unselect()
	}
	c.xok(tag, "DELETE completed")
}

func (c *conn) cmdRename(tag string, p *parser, _ bool) {
	p.xspace()
	from := p.xmailbox()
	p.xspace()
	to := p.xmailbox()
	p.xempty()
	if to == "" {
		xsyntaxErrorf("empty mailbox name")
	}

	err := c.srv.storage.MailboxRename(c.user, from, to)
	switch {
	case errors.Is(err, storage.ErrFixed):
		xusercodeErrorf("CANNOT", "Mailbox %s cannot be renamed", from)
	case errors.Is(err, storage.ErrExists):
		xusercodeErrorf("ALREADYEXISTS", "Mailbox %s already exists", to)
	case errors.Is(err, storage.ErrNotFound):
		xusercodeErrorf("NONEXISTENT", "Mailbox does not exist")
	}
	xcheckf(err, "renaming mailbox")
	c.xok(tag, "RENAME completed")
}

// Every mailbox counts as subscribed.
func (c *conn) cmdSubscribe(tag string, p *parser, _ bool) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()
	c.xmailboxExists(name)
	c.xok(tag, "SUBSCRIBE completed")
}

func (c *conn) cmdUnsubscribe(tag string, p *parser, _ bool) {
	p.xspace()
	p.xmailbox()
	p.xempty()
	c.xok(tag, "UNSUBSCRIBE completed")
}

var specialUse = map[string]string{
	types.MailboxDrafts: `\Drafts`,
	types.MailboxSent:   `\Sent`,
	types.MailboxSpam:   `\Junk`,
	types.MailboxTrash:  `\Trash`,
}

// listPattern turns a LIST pattern into a regexp: * matches anything, %
// stops at the hierarchy delimiter.
func listPattern(pattern string, fold bool) *regexp.Regexp {
	var b strings.Builder
	if fold {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^/]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func (c *conn) cmdList(tag string, p *parser, _ bool) {
	c.list(tag, p, "LIST")
}

// LSUB reports the same boxes as LIST since every box is subscribed.
func (c *conn) cmdLsub(tag string, p *parser, _ bool) {
	c.list(tag, p, "LSUB")
}

func (c *conn) list(tag string, p *parser, verb string) {
	p.xspace()
	ref := p.xlistMailbox()
	p.xspace()
	pattern := p.xlistMailbox()
	p.xempty()

	if pattern == "" {
		c.xuntagged(imap.RawString(verb), []interface{}{imap.RawString(`\Noselect`)}, "/", "")
		c.xok(tag, verb+" completed")
		return
	}

	boxes, err := c.srv.storage.MailboxList(c.user)
	xcheckf(err, "listing mailboxes")
	titles := make([]string, 0, len(boxes))
	for _, box := range boxes {
		titles = append(titles, box.Title)
	}

	full := ref + pattern
	re := listPattern(full, false)
	reInbox := listPattern(full, true)
	for _, title := range titles {
		match := re.MatchString(title)
		if title == types.MailboxInbox {
			match = match || reInbox.MatchString(title)
		}
		if !match {
			continue
		}
		attrs := []interface{}{imap.RawString(`\HasNoChildren`)}
		for _, other := range titles {
			if strings.HasPrefix(other, title+"/") {
				attrs[0] = imap.RawString(`\HasChildren`)
				break
			}
		}
		if use, ok := specialUse[title]; ok {
			attrs = append(attrs, imap.RawString(use))
		}
		c.xuntagged(imap.RawString(verb), attrs, "/", encodeMailbox(title))
	}
	c.xok(tag, verb+" completed")
}

func (c *conn) cmdStatus(tag string, p *parser, _ bool) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	p.xtake("(")
	items := []string{p.xtakelist("MESSAGES", "RECENT", "UIDNEXT", "UIDVALIDITY", "UNSEEN")}
	for !p.take(")") {
		p.xspace()
		items = append(items, p.xtakelist("MESSAGES", "RECENT", "UIDNEXT", "UIDVALIDITY", "UNSEEN"))
	}
	p.xempty()
	c.xmailboxExists(name)

	total, unseen, err := c.srv.storage.MessageCount(c.user, name)
	xcheckf(err, "counting messages")

	values := make([]interface{}, 0, len(items)*2)
	for _, item := range items {
		var v uint32
		switch item {
		case "MESSAGES":
			v = uint32(total)
		case "UNSEEN":
			v = uint32(unseen)
		case "UIDVALIDITY":
			v = UIDValidity
		case "UIDNEXT":
			v, err = c.srv.storage.MessageUIDNext(c.user)
			xcheckf(err, "getting next uid")
		case "RECENT":
			msgs, err := c.srv.storage.MessageList(c.user, name)
			xcheckf(err, "listing messages")
			for _, msg := range msgs {
				if msg.Flags.Has(types.FlagRecent) {
					v++
				}
			}
		}
		values = append(values, imap.RawString(item), v)
	}
	c.xuntagged(imap.RawString("STATUS"), encodeMailbox(name), values)
	c.xok(tag, "STATUS completed")
}

func (c *conn) cmdAppend(tag string, p *parser, _ bool) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	var flags types.Flags
	if p.hasPrefix("(") {
		flags = xsystemFlags(p.xflagList())
		p.xspace()
	}
	var date time.Time
	if p.hasPrefix(`"`) {
		date = p.xdateTime()
		p.xspace()
	}
	data := p.xliteral(c.srv.opts.MaxAppendBytes)
	p.xempty()

	exists, err := c.srv.storage.MailboxExists(c.user, name)
	xcheckf(err, "checking mailbox")
	if !exists {
		xusercodeErrorf("TRYCREATE", "Mailbox does not exist")
	}

	msg, err := mailmsg.Parse(bytes.NewReader(data))
	if err != nil {
		xusercodeErrorf("PARSE", "message could not be parsed: %v", err)
	}
	msg.Email = c.user
	msg.Mailbox = name
	msg.Flags = flags.Add(types.FlagRecent)
	if !date.IsZero() {
		msg.Date = date
	}
	uid, err := c.srv.storage.MessageCreate(msg)
	xcheckf(err, "storing message")

	c.srv.NotifyNew(c.user, name, uid)
	c.xokCode(tag, "APPENDUID", "APPEND completed", UIDValidity, uid)
}

// xsystemFlags accepts only the flags in permanentFlags.
func xsystemFlags(wire []string) types.Flags {
	flags := types.ParseFlags(wire)
	for _, f := range flags {
		if !permanentFlags.Has(f) {
			xuserErrorf("Unsupported flag %s", f)
		}
	}
	return flags
}

func (c *conn) cmdCheck(tag string, p *parser, _ bool) {
	p.xempty()
	c.refresh()
	c.xok(tag, "CHECK completed")
}

func (c *conn) cmdClose(tag string, p *parser, _ bool) {
	p.xempty()
	if !c.readOnly {
		_, err := c.srv.storage.MessageExpunge(c.user, c.mailbox)
		xcheckf(err, "expunging messages")
	}
	c.unselect()
	c.xok(tag, "CLOSE completed")
}

func (c *conn) cmdUnselect(tag string, p *parser, _ bool) {
	p.xempty()
	c.unselect()
	c.xok(tag, "UNSELECT completed")
}

func (c *conn) cmdExpunge(tag string, p *parser, _ bool) {
	p.xempty()
	if c.readOnly {
		xuserErrorf("Mailbox is read-only")
	}
	removed, err := c.srv.storage.MessageExpunge(c.user, c.mailbox)
	xcheckf(err, "expunging messages")
	for _, uid := range removed {
		c.xexpunged(uid)
	}
	c.xok(tag, "EXPUNGE completed")
}

// xexpunged drops uid from the session and reports its sequence number.
func (c *conn) xexpunged(uid uint32) {
	for i, u := range c.uids {
		if u == uid {
			c.uids = append(c.uids[:i], c.uids[i+1:]...)
			c.xuntagged(uint32(i+1), imap.RawString("EXPUNGE"))
			return
		}
	}
}

// refresh brings the session's view of the selected mailbox up to date,
// reporting expunges made elsewhere and new messages.
func (c *conn) refresh() {
	msgs, err := c.srv.storage.MessageList(c.user, c.mailbox)
	xcheckf(err, "listing messages")

	current := make(map[uint32]struct{}, len(msgs))
	for _, msg := range msgs {
		current[msg.UID] = struct{}{}
	}
	for _, uid := range append([]uint32(nil), c.uids...) {
		if _, ok := current[uid]; !ok {
			c.xexpunged(uid)
		}
	}

	var last uint32
	if len(c.uids) > 0 {
		last = c.uids[len(c.uids)-1]
	}
	grew := false
	for _, msg := range msgs {
		if msg.UID > last {
			c.uids = append(c.uids, msg.UID)
			grew = true
		}
	}
	if grew {
		c.xuntagged(uint32(len(c.uids)), imap.RawString("EXISTS"))
	}
}

// idleRefresh is refresh for IDLE, where the DONE reader still owns the
// socket. A storage failure is logged and idling continues.
func (c *conn) idleRefresh() {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		e, ok := x.(serverError)
		if !ok {
			panic(x)
		}
		c.srv.log.Errorf("IMAP IDLE refresh from %s for %q: %v", c.ip, c.user, e.err)
	}()
	c.refresh()
}

// Search criteria are not evaluated: every message matches.
func (c *conn) cmdSearch(tag string, p *parser, uid bool) {
	p.xtakeall()
	fields := []interface{}{imap.RawString("SEARCH")}
	for i, u := range c.uids {
		if uid {
			fields = append(fields, u)
		} else {
			fields = append(fields, uint32(i+1))
		}
	}
	c.xuntagged(fields...)
	c.xok(tag, commandName("SEARCH", uid)+" completed")
}

type seqUID struct {
	seq uint32
	uid uint32
}

// xresolve returns the messages a sequence set names, in mailbox order.
// "*" is the highest sequence number or UID.
func (c *conn) xresolve(set *imap.SeqSet, uid bool) []seqUID {
	if len(c.uids) == 0 {
		return nil
	}
	highest := uint32(len(c.uids))
	if uid {
		highest = c.uids[len(c.uids)-1]
	}
	type span struct{ start, stop uint32 }
	spans := make([]span, 0, len(set.Set))
	for _, s := range set.Set {
		start, stop := s.Start, s.Stop
		if start == 0 {
			start = highest
		}
		if stop == 0 {
			stop = highest
		}
		if start > stop {
			start, stop = stop, start
		}
		spans = append(spans, span{start, stop})
	}

	var r []seqUID
	for i, u := range c.uids {
		n := uint32(i + 1)
		if uid {
			n = u
		}
		for _, s := range spans {
			if n >= s.start && n <= s.stop {
				r = append(r, seqUID{seq: uint32(i + 1), uid: u})
				break
			}
		}
	}
	return r
}

func commandName(name string, uid bool) string {
	if uid {
		return "UID " + name
	}
	return name
}

func hasItem(items []FetchItem, name string) bool {
	for _, item := range items {
		if item.Name == name && item.Section == nil {
			return true
		}
	}
	return false
}

func (c *conn) cmdFetch(tag string, p *parser, uid bool) {
	p.xspace()
	set := p.xnumSet()
	p.xspace()
	items := p.xfetchAtts()
	p.xempty()

	if uid && !hasItem(items, "UID") {
		items = append([]FetchItem{{Name: "UID"}}, items...)
	}
	setsSeen := false
	for _, item := range items {
		setsSeen = setsSeen || item.setsSeen()
	}

	for _, m := range c.xresolve(set, uid) {
		msg, err := c.srv.storage.MessageSelect(c.user, c.mailbox, m.uid)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		xcheckf(err, "selecting message")

		msgItems := items
		if setsSeen && !c.readOnly && !msg.Flags.Has(types.FlagSeen) {
			msg.Flags = msg.Flags.Add(types.FlagSeen)
			err := c.srv.storage.MessageSetFlags(c.user, c.mailbox, msg.UID, msg.Flags)
			xcheckf(err, "setting seen flag")
			if !hasItem(items, "FLAGS") {
				msgItems = append(items[:len(items):len(items)], FetchItem{Name: "FLAGS"})
			}
		}

		fields, err := fetchFields(msg, msgItems)
		xcheckf(err, "fetching message %d", msg.UID)
		c.xuntagged(m.seq, imap.RawString("FETCH"), fields)
	}
	c.xok(tag, commandName("FETCH", uid)+" completed")
}

func (c *conn) cmdStore(tag string, p *parser, uid bool) {
	p.xspace()
	set := p.xnumSet()
	p.xspace()
	op := p.xtakelist("+FLAGS", "-FLAGS", "FLAGS")
	silent := p.take(".SILENT")
	p.xspace()
	flags := xsystemFlags(p.xflags())
	p.xempty()

	if c.readOnly {
		xuserErrorf("Mailbox is read-only")
	}

	for _, m := range c.xresolve(set, uid) {
		msg, err := c.srv.storage.MessageSelect(c.user, c.mailbox, m.uid)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		xcheckf(err, "selecting message")

		var updated types.Flags
		switch op {
		case "+FLAGS":
			updated = msg.Flags.Add(flags...)
		case "-FLAGS":
			updated = msg.Flags.Remove(flags...)
		default:
			updated = flags.Add()
			if msg.Flags.Has(types.FlagRecent) {
				updated = updated.Add(types.FlagRecent)
			}
		}
		err = c.srv.storage.MessageSetFlags(c.user, c.mailbox, msg.UID, updated)
		xcheckf(err, "storing flags")

		if silent {
			continue
		}
		fields := []interface{}{imap.RawString("FLAGS"), flagList(updated)}
		if uid {
			fields = append(fields, imap.RawString("UID"), msg.UID)
		}
		c.xuntagged(m.seq, imap.RawString("FETCH"), fields)
	}
	c.xok(tag, commandName("STORE", uid)+" completed")
}

type lineResult struct {
	line string
	err  error
}

// cmdIdle hands the socket to a reader goroutine waiting for DONE, while this
// goroutine sends keepalives and new message counts.
func (c *conn) cmdIdle(tag string, p *parser, _ bool) {
	p.xempty()
	c.xwrite(&imap.ContinuationReq{Info: "idling"})

	lines := make(chan lineResult, 1)
	go func() {
		line, err := c.readline()
		lines <- lineResult{line, err}
	}()

	ticker := time.NewTicker(c.srv.opts.IdleInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-lines:
			if r.err != nil {
				panic(ioError{r.err})
			}
			c.touch()
			if !strings.EqualFold(r.line, "DONE") {
				xsyntaxErrorf("expected DONE")
			}
			c.xok(tag, "IDLE terminated")
			return
		case <-c.notify:
			c.idleRefresh()
		case <-ticker.C:
			c.xuntagged(imap.RawString("OK"), imap.RawString("Still here"))
		}
	}
}
