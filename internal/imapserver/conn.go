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
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"go.uber.org/atomic"
)

const maxLineLength = 8 * 1024

var errLineTooLong = errors.New("line too long")

type connState int

const (
	stateNotAuthenticated connState = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

// conn is one client connection. Everything except the writer, the watch key
// and the notify channel is only touched by the goroutine running serve.
type conn struct {
	srv     *IMAPServer
	nc      net.Conn
	ip      string
	service string
	br      *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer
	w   *imap.Writer

	state    connState
	user     string
	mailbox  string
	readOnly bool
	uids     []uint32 // Sequence number n is uids[n-1].

	watch  atomic.String
	notify chan struct{}
	timer  *time.Timer
	once   sync.Once
}

func newConn(srv *IMAPServer, nc net.Conn, ip, service string) *conn {
	c := &conn{
		srv:     srv,
		nc:      nc,
		ip:      ip,
		service: service,
		br:      bufio.NewReader(nc),
		bw:      bufio.NewWriter(nc),
		notify:  make(chan struct{}, 1),
	}
	c.w = imap.NewWriter(c.bw)
	return c
}

func (c *conn) serve() {
	defer c.cleanup()
	c.timer = time.AfterFunc(c.srv.opts.InactivityTimeout, c.autologout)

	c.srv.log.Debugf("IMAP connection from %s (%s)", c.ip, c.service)
	if err := c.writeResp(&imap.StatusResp{
		Type:      imap.StatusRespOk,
		Code:      imap.CodeCapability,
		Arguments: capabilityArgs(c.state),
		Info:      "hostmail IMAP4rev1 service ready",
	}); err != nil {
		return
	}

	for c.state != stateLogout {
		line, err := c.readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.srv.log.Debugf("IMAP connection from %s: %v", c.ip, err)
			}
			return
		}
		c.touch()
		if !c.command(line) {
			return
		}
	}
}

// command runs one command line and reports whether the connection should
// stay open.
func (c *conn) command(line string) (keep bool) {
	start := time.Now()
	tag, name := "*", "UNKNOWN"
	keep = true

	defer func() {
		x := recover()
		result := "ok"
		var err error
		switch e := x.(type) {
		case nil:
		case userError:
			result = "no"
			err = c.writeStatus(tag, imap.StatusRespNo, e.code, e.Error())
		case syntaxError:
			result = "bad"
			err = c.writeStatus(tag, imap.StatusRespBad, "", e.Error())
		case serverError:
			result = "error"
			c.srv.log.Errorf("IMAP %s from %s for %q: %v", name, c.ip, c.user, e.err)
			err = c.writeStatus(tag, imap.StatusRespNo, "SERVERBUG", "internal error")
		case ioError:
			result = "io"
			keep = false
		default:
			c.srv.log.Errorf("IMAP %s from %s panicked: %v\n%s", name, c.ip, x, debug.Stack())
			result = "error"
			keep = false
		}
		if err != nil {
			keep = false
		}
		c.srv.count(name, result, start)
	}()

	p := newParser(line, c)
	tag = p.xtag()
	p.xspace()
	name = p.xcommand()
	uid := false
	if name == "UID" {
		p.xspace()
		uid = true
		name = p.xcommand()
	}

	cmd, ok := c.srv.commands[name]
	if !ok || (uid && !cmd.uid) {
		xsyntaxErrorf("unknown command %s", name)
	}
	switch cmd.state {
	case stateNotAuthenticated:
		if c.state != stateNotAuthenticated {
			xuserErrorf("Already authenticated")
		}
	case stateAuthenticated:
		if c.state < stateAuthenticated {
			xuserErrorf("Authentication required")
		}
	case stateSelected:
		if c.state < stateAuthenticated {
			xuserErrorf("Authentication required")
		}
		if c.state != stateSelected {
			xuserErrorf("Mailbox required")
		}
	}
	cmd.fn(c, tag, p, uid)
	return c.state != stateLogout
}

// touch pushes the inactivity deadline back.
func (c *conn) touch() {
	if c.timer != nil {
		c.timer.Reset(c.srv.opts.InactivityTimeout)
	}
}

func (c *conn) autologout() {
	_ = c.writeResp(&imap.StatusResp{
		Type: imap.StatusRespBye,
		Info: "Autologout; idle for too long",
	})
	c.srv.log.Debugf("IMAP connection from %s timed out", c.ip)
	c.nc.Close() // nolint:errcheck
}

// shutdown is used by IMAPServer.Close.
func (c *conn) shutdown() {
	_ = c.writeResp(&imap.StatusResp{
		Type: imap.StatusRespBye,
		Info: "Server shutting down",
	})
	c.nc.Close() // nolint:errcheck
}

func (c *conn) cleanup() {
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.watch.Store("")
		c.nc.Close() // nolint:errcheck
		c.srv.forget(c)
	})
}

// wake is safe to call from any goroutine.
func (c *conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *conn) readline() (string, error) {
	var line []byte
	for {
		chunk, more, err := c.br.ReadLine()
		if err != nil {
			return "", err
		}
		line = append(line, chunk...)
		if len(line) > maxLineLength {
			return "", errLineTooLong
		}
		if !more {
			return string(line), nil
		}
	}
}

func (c *conn) xreadline() string {
	line, err := c.readline()
	if err != nil {
		panic(ioError{fmt.Errorf("reading line: %w", err)})
	}
	c.touch()
	return line
}

// xreadliteral reads size bytes of literal data, first asking the client to
// go ahead unless it used a non-synchronizing literal.
func (c *conn) xreadliteral(size int64, sync bool) []byte {
	if sync {
		c.xwrite(&imap.ContinuationReq{Info: "Ready for literal data"})
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		panic(ioError{fmt.Errorf("reading literal: %w", err)})
	}
	c.touch()
	return buf
}

func (c *conn) writeResp(r imap.WriterTo) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := r.WriteTo(c.w); err != nil {
		return err
	}
	c.touch()
	return nil
}

func (c *conn) xwrite(r imap.WriterTo) {
	if err := c.writeResp(r); err != nil {
		panic(ioError{fmt.Errorf("writing response: %w", err)})
	}
}

// xuntagged writes "* " followed by fields.
func (c *conn) xuntagged(fields ...interface{}) {
	c.xwrite(imap.NewUntaggedResp(fields))
}

func (c *conn) writeStatus(tag string, typ imap.StatusRespType, code string, info string, args ...interface{}) error {
	return c.writeResp(&imap.StatusResp{
		Tag:       tag,
		Type:      typ,
		Code:      imap.StatusRespCode(code),
		Arguments: args,
		Info:      info,
	})
}

func (c *conn) xwriteStatus(tag string, typ imap.StatusRespType, code string, info string, args ...interface{}) {
	if err := c.writeStatus(tag, typ, code, info, args...); err != nil {
		panic(ioError{fmt.Errorf("writing response: %w", err)})
	}
}

func (c *conn) xok(tag, info string) {
	c.xwriteStatus(tag, imap.StatusRespOk, "", info)
}

func (c *conn) xokCode(tag, code, info string, args ...interface{}) {
	c.xwriteStatus(tag, imap.StatusRespOk, code, info, args...)
}
