/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-message/textproto"

	"github.com/JB-SelfCompany/hostmail/internal/mailmsg"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
)

// FetchItem is one requested data item of a FETCH command, such as FLAGS
// or BODY.PEEK[1.HEADER.FIELDS (TO FROM)]<0.512>.
type FetchItem struct {
	Name    string // ENVELOPE, FLAGS, BODY, RFC822.HEADER, ...
	Peek    bool
	Section *Section // Only for BODY[...].
	Partial *Partial
}

// Section addresses part of a message. A zero Section is the whole
// message.
type Section struct {
	Path      []int
	Specifier string   // "", HEADER, HEADER.FIELDS, HEADER.FIELDS.NOT, TEXT or MIME.
	Fields    []string // Header field names for HEADER.FIELDS(.NOT).
}

type Partial struct {
	Offset uint32
	Count  uint32
}

var fetchAttWords = []string{
	"ENVELOPE", "FLAGS", "INTERNALDATE", "RFC822.SIZE", "RFC822.HEADER", "RFC822.TEXT", "RFC822",
	"BODYSTRUCTURE", "UID", "BODY.PEEK", "BODY",
}

func fetchItems(names ...string) []FetchItem {
	items := make([]FetchItem, len(names))
	for i, name := range names {
		items[i] = FetchItem{Name: name}
	}
	return items
}

// xfetchAtts parses a macro, a single item or a parenthesized item list.
func (p *parser) xfetchAtts() []FetchItem {
	if w, ok := p.takelist("ALL", "FAST", "FULL"); ok {
		switch w {
		case "ALL":
			return fetchItems("FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE")
		case "FAST":
			return fetchItems("FLAGS", "INTERNALDATE", "RFC822.SIZE")
		case "FULL":
			return fetchItems("FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY")
		}
	}
	if !p.take("(") {
		return []FetchItem{p.xfetchAtt()}
	}
	items := []FetchItem{p.xfetchAtt()}
	for !p.take(")") {
		p.xspace()
		items = append(items, p.xfetchAtt())
	}
	return items
}

func (p *parser) xfetchAtt() FetchItem {
	w := p.xtakelist(fetchAttWords...)
	item := FetchItem{
		Name: strings.TrimSuffix(w, ".PEEK"),
		Peek: strings.HasSuffix(w, ".PEEK"),
	}
	if item.Name == "BODY" {
		if item.Peek && !p.hasPrefix("[") {
			p.xerrorf("BODY.PEEK requires a section")
		}
		if p.hasPrefix("[") {
			item.Section = p.xsection()
			if p.hasPrefix("<") {
				item.Partial = p.xpartial()
			}
		}
	}
	return item
}

func (p *parser) xsection() *Section {
	p.xtake("[")
	s := &Section{}
	if p.take("]") {
		return s
	}
	for !p.empty() && isDigit(p.upper[p.o]) {
		s.Path = append(s.Path, int(p.xnznumber()))
		if !p.take(".") {
			p.xtake("]")
			return s
		}
	}
	words := []string{"HEADER.FIELDS.NOT", "HEADER.FIELDS", "HEADER", "TEXT"}
	if len(s.Path) > 0 {
		words = append(words, "MIME")
	}
	s.Specifier = p.xtakelist(words...)
	if strings.HasPrefix(s.Specifier, "HEADER.FIELDS") {
		p.xspace()
		p.xtake("(")
		s.Fields = append(s.Fields, p.xastring())
		for !p.take(")") {
			p.xspace()
			s.Fields = append(s.Fields, p.xastring())
		}
	}
	p.xtake("]")
	return s
}

func (p *parser) xpartial() *Partial {
	p.xtake("<")
	offset := p.xnumber()
	p.xtake(".")
	count := p.xnznumber()
	p.xtake(">")
	return &Partial{Offset: offset, Count: count}
}

func (s *Section) String() string {
	parts := make([]string, 0, len(s.Path)+1)
	for _, n := range s.Path {
		parts = append(parts, strconv.Itoa(n))
	}
	if s.Specifier != "" {
		parts = append(parts, s.Specifier)
	}
	r := strings.Join(parts, ".")
	if len(s.Fields) > 0 {
		r += " (" + strings.Join(s.Fields, " ") + ")"
	}
	return r
}

// respName is the item name as echoed in the response: no .PEEK, and only
// the offset of a partial.
func (f FetchItem) respName() string {
	if f.Section == nil {
		return f.Name
	}
	r := "BODY[" + f.Section.String() + "]"
	if f.Partial != nil {
		r += "<" + strconv.FormatUint(uint64(f.Partial.Offset), 10) + ">"
	}
	return r
}

// setsSeen reports whether fetching the item marks the message \Seen.
func (f FetchItem) setsSeen() bool {
	switch f.Name {
	case "RFC822", "RFC822.TEXT":
		return true
	case "BODY":
		return f.Section != nil && !f.Peek
	}
	return false
}

func (s *Section) bodySectionName(partial *Partial) *imap.BodySectionName {
	name := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.EntireSpecifier,
			Path:      s.Path,
		},
	}
	switch s.Specifier {
	case "HEADER", "HEADER.FIELDS", "HEADER.FIELDS.NOT":
		name.Specifier = imap.HeaderSpecifier
		name.Fields = s.Fields
		name.NotFields = s.Specifier == "HEADER.FIELDS.NOT"
	case "TEXT":
		name.Specifier = imap.TextSpecifier
	case "MIME":
		name.Specifier = imap.MIMESpecifier
	}
	if partial != nil {
		name.Partial = []int{int(partial.Offset), int(partial.Count)}
	}
	return name
}

// rendered is a stored message turned back into RFC 5322 form, which every
// body related item is computed from.
type rendered struct {
	raw    []byte
	header textproto.Header
	body   int // Offset of the body in raw.
}

func render(msg *types.Message) (*rendered, error) {
	if msg.MessageID == "" {
		// Keep the rendering stable between fetches.
		msg.MessageID = fmt.Sprintf("<%d.%s@hostmail>", msg.UID, strings.ReplaceAll(msg.Email, "@", "."))
	}
	raw, err := mailmsg.Compose(msg)
	if err != nil {
		return nil, fmt.Errorf("mailmsg.Compose: %w", err)
	}
	rd := bytes.NewReader(raw)
	br := bufio.NewReader(rd)
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("textproto.ReadHeader: %w", err)
	}
	return &rendered{
		raw:    raw,
		header: header,
		body:   len(raw) - rd.Len() - br.Buffered(),
	}, nil
}

func (r *rendered) bodyReader() io.Reader {
	return bytes.NewReader(r.raw[r.body:])
}

func partialOf(b []byte, partial *Partial) []byte {
	if partial == nil {
		return b
	}
	if int64(partial.Offset) >= int64(len(b)) {
		return nil
	}
	end := int64(partial.Offset) + int64(partial.Count)
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	return b[partial.Offset:end]
}

// fetchFields builds the parenthesized data of one FETCH response.
func fetchFields(msg *types.Message, items []FetchItem) ([]interface{}, error) {
	var r *rendered
	var err error
	need := func() (*rendered, error) {
		if r == nil {
			r, err = render(msg)
		}
		return r, err
	}

	fields := make([]interface{}, 0, len(items)*2)
	for _, item := range items {
		var value interface{}
		switch item.Name {
		case "UID":
			value = msg.UID
		case "FLAGS":
			value = flagList(msg.Flags)
		case "INTERNALDATE":
			value = msg.Date
		case "RFC822.SIZE":
			if _, err := need(); err != nil {
				return nil, err
			}
			value = uint32(len(r.raw))
		case "ENVELOPE":
			if _, err := need(); err != nil {
				return nil, err
			}
			env, err := backendutil.FetchEnvelope(r.header)
			if err != nil {
				return nil, fmt.Errorf("backendutil.FetchEnvelope: %w", err)
			}
			value = env.Format()
		case "BODYSTRUCTURE", "BODY":
			if item.Section != nil {
				break
			}
			if _, err := need(); err != nil {
				return nil, err
			}
			bs, err := backendutil.FetchBodyStructure(r.header, r.bodyReader(), item.Name == "BODYSTRUCTURE")
			if err != nil {
				return nil, fmt.Errorf("backendutil.FetchBodyStructure: %w", err)
			}
			value = bs.Format()
		case "RFC822":
			if _, err := need(); err != nil {
				return nil, err
			}
			value = bytes.NewReader(r.raw)
		case "RFC822.HEADER":
			if _, err := need(); err != nil {
				return nil, err
			}
			value = bytes.NewReader(r.raw[:r.body])
		case "RFC822.TEXT":
			if _, err := need(); err != nil {
				return nil, err
			}
			value = bytes.NewReader(r.raw[r.body:])
		}
		if item.Name == "BODY" && item.Section != nil {
			if _, err := need(); err != nil {
				return nil, err
			}
			value, err = bodySection(r, item)
			if err != nil {
				return nil, err
			}
		}
		fields = append(fields, imap.RawString(item.respName()), value)
	}
	return fields, nil
}

func bodySection(r *rendered, item FetchItem) (imap.Literal, error) {
	if len(item.Section.Path) == 0 && item.Section.Specifier == "" {
		return bytes.NewReader(partialOf(r.raw, item.Partial)), nil
	}
	l, err := backendutil.FetchBodySection(r.header, r.bodyReader(), item.Section.bodySectionName(item.Partial))
	if err != nil {
		// A part that does not exist is returned empty.
		return bytes.NewReader(nil), nil
	}
	return l, nil
}

func flagList(flags types.Flags) []interface{} {
	wire := flags.Wire()
	l := make([]interface{}, len(wire))
	for i, f := range wire {
		l[i] = imap.RawString(f)
	}
	return l
}
