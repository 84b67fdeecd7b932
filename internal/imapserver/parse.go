/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/utf7"

	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
)

const maxStringLiteral = 64 * 1024

// parser walks one command line. Matching is done against upper, values are
// taken from orig so they keep their case. Both strings always have the same
// length. Literals read more lines from the connection and replace the line
// being parsed.
type parser struct {
	orig  string
	upper string
	o     int
	conn  *conn
}

// toUpper only touches a-z, so offsets into orig and upper stay aligned.
func toUpper(s string) string {
	r := []byte(s)
	for i, c := range r {
		if c >= 'a' && c <= 'z' {
			r[i] = c - 0x20
		}
	}
	return string(r)
}

func newParser(line string, c *conn) *parser {
	return &parser{orig: line, upper: toUpper(line), conn: c}
}

func (p *parser) xerrorf(format string, args ...interface{}) {
	xsyntaxErrorf("%s (remaining %q)", fmt.Sprintf(format, args...), p.orig[p.o:])
}

func (p *parser) empty() bool {
	return p.o == len(p.upper)
}

func (p *parser) xempty() {
	if !p.empty() {
		p.xerrorf("leftover data")
	}
}

func (p *parser) hasPrefix(s string) bool {
	return strings.HasPrefix(p.upper[p.o:], s)
}

func (p *parser) take(s string) bool {
	if !p.hasPrefix(s) {
		return false
	}
	p.o += len(s)
	return true
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %s", s)
	}
}

func (p *parser) takelist(l ...string) (string, bool) {
	for _, s := range l {
		if p.take(s) {
			return s, true
		}
	}
	return "", false
}

func (p *parser) xtakelist(l ...string) string {
	s, ok := p.takelist(l...)
	if !ok {
		p.xerrorf("expected one of %s", strings.Join(l, ","))
	}
	return s
}

func (p *parser) xtakeall() string {
	r := p.orig[p.o:]
	p.o = len(p.orig)
	return r
}

func (p *parser) space() bool {
	return p.take(" ")
}

func (p *parser) xspace() {
	if !p.space() {
		p.xerrorf("expected space")
	}
}

// takewhile returns the longest prefix of orig whose bytes satisfy fn.
func (p *parser) takewhile(fn func(c byte) bool) string {
	start := p.o
	for p.o < len(p.orig) && fn(p.orig[p.o]) {
		p.o++
	}
	return p.orig[start:p.o]
}

func isAtomChar(c byte) bool {
	if c <= 0x1f || c >= 0x7f {
		return false
	}
	switch c {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
		return false
	}
	return true
}

func isAstringChar(c byte) bool {
	return isAtomChar(c) || c == ']'
}

func isListChar(c byte) bool {
	return isAstringChar(c) || c == '%' || c == '*'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (p *parser) xtag() string {
	tag := p.takewhile(func(c byte) bool { return isAstringChar(c) && c != '+' })
	if tag == "" {
		p.xerrorf("expected tag")
	}
	return tag
}

// xcommand returns the upper-cased command name.
func (p *parser) xcommand() string {
	start := p.o
	p.takewhile(func(c byte) bool {
		return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	})
	if p.o == start {
		p.xerrorf("expected command")
	}
	return p.upper[start:p.o]
}

func (p *parser) xatom() string {
	s := p.takewhile(isAtomChar)
	if s == "" {
		p.xerrorf("expected atom")
	}
	return s
}

func (p *parser) digits() string {
	return p.takewhile(isDigit)
}

func (p *parser) xnumber() uint32 {
	s := p.digits()
	if s == "" {
		p.xerrorf("expected number")
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		p.xerrorf("bad number %s", s)
	}
	return uint32(v)
}

func (p *parser) xnznumber() uint32 {
	v := p.xnumber()
	if v == 0 {
		p.xerrorf("expected non-zero number")
	}
	return v
}

// xliteralSize parses "{n}" or the non-synchronizing "{n+}" which must end
// the line.
func (p *parser) xliteralSize(limit int64) (size int64, sync bool) {
	p.xtake("{")
	s := p.digits()
	if s == "" {
		p.xerrorf("expected literal size")
	}
	size, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.xerrorf("bad literal size %s", s)
	}
	sync = !p.take("+")
	p.xtake("}")
	p.xempty()
	if size > limit {
		xusercodeErrorf("TOOBIG", "literal of %d bytes exceeds limit of %d", size, limit)
	}
	return size, sync
}

// xliteral reads the literal announced at the end of the current line, then
// continues parsing the line that follows it.
func (p *parser) xliteral(limit int64) []byte {
	size, sync := p.xliteralSize(limit)
	buf := p.conn.xreadliteral(size, sync)
	line := p.conn.xreadline()
	p.orig, p.upper, p.o = line, toUpper(line), 0
	return buf
}

func (p *parser) xquoted() string {
	p.xtake(`"`)
	var b strings.Builder
	for {
		if p.empty() {
			p.xerrorf("unterminated quoted string")
		}
		c := p.orig[p.o]
		p.o++
		switch c {
		case '"':
			return b.String()
		case '\\':
			if p.empty() {
				p.xerrorf("unterminated quoted string")
			}
			c = p.orig[p.o]
			if c != '"' && c != '\\' {
				p.xerrorf("invalid escape")
			}
			p.o++
		case '\r', '\n':
			p.xerrorf("newline in quoted string")
		}
		b.WriteByte(c)
	}
}

func (p *parser) xstring() string {
	switch {
	case p.hasPrefix(`"`):
		return p.xquoted()
	case p.hasPrefix("{"):
		return string(p.xliteral(maxStringLiteral))
	}
	p.xerrorf("expected string")
	return ""
}

func (p *parser) xastring() string {
	if p.hasPrefix(`"`) || p.hasPrefix("{") {
		return p.xstring()
	}
	s := p.takewhile(isAstringChar)
	if s == "" {
		p.xerrorf("expected astring")
	}
	return s
}

func decodeMailbox(s string) string {
	name, err := utf7.Encoding.NewDecoder().String(s)
	if err != nil {
		xsyntaxErrorf("invalid modified UTF-7 mailbox name %q", s)
	}
	return types.CanonicalMailbox(strings.Trim(name, "/"))
}

func encodeMailbox(name string) string {
	s, err := utf7.Encoding.NewEncoder().String(name)
	if err != nil {
		return name
	}
	return s
}

func (p *parser) xmailbox() string {
	return decodeMailbox(p.xastring())
}

// xlistMailbox is a mailbox pattern, which may hold the % and * wildcards.
func (p *parser) xlistMailbox() string {
	var s string
	if p.hasPrefix(`"`) || p.hasPrefix("{") {
		s = p.xstring()
	} else {
		s = p.takewhile(isListChar)
		if s == "" {
			p.xerrorf("expected list mailbox")
		}
	}
	name, err := utf7.Encoding.NewDecoder().String(s)
	if err != nil {
		xsyntaxErrorf("invalid modified UTF-7 mailbox pattern %q", s)
	}
	return name
}

func (p *parser) xflag() string {
	if p.take(`\`) {
		if p.take("*") {
			return `\*`
		}
		return `\` + p.xatom()
	}
	return p.xatom()
}

func (p *parser) xflagList() []string {
	p.xtake("(")
	var l []string
	if p.take(")") {
		return l
	}
	l = append(l, p.xflag())
	for !p.take(")") {
		p.xspace()
		l = append(l, p.xflag())
	}
	return l
}

// xflags accepts a parenthesized list or space separated bare flags, as
// STORE allows both.
func (p *parser) xflags() []string {
	if p.hasPrefix("(") {
		return p.xflagList()
	}
	l := []string{p.xflag()}
	for p.space() {
		l = append(l, p.xflag())
	}
	return l
}

// xnumSet parses a sequence set, also accepting ALL as 1:*.
func (p *parser) xnumSet() *imap.SeqSet {
	if p.take("ALL") {
		return &imap.SeqSet{Set: []imap.Seq{{Start: 1, Stop: 0}}}
	}
	s := p.takewhile(func(c byte) bool { return isDigit(c) || c == ':' || c == ',' || c == '*' })
	if s == "" {
		p.xerrorf("expected sequence set")
	}
	set, err := imap.ParseSeqSet(s)
	if err != nil {
		p.xerrorf("bad sequence set %s", s)
	}
	return set
}

func (p *parser) xdateTime() time.Time {
	s := p.xquoted()
	t, err := time.Parse(imap.DateTimeLayout, s)
	if err != nil {
		p.xerrorf("bad date-time %s", s)
	}
	return t
}
