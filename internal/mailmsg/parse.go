/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mailmsg

import (
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
)

// Parse reads an RFC 5322 message into a types.Message. Owner, mailbox,
// UID and flags are left for the caller to fill in.
func Parse(r io.Reader) (*types.Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("mail.CreateReader: %w", err)
	}
	defer mr.Close() // nolint:errcheck

	msg := &types.Message{
		Headers: map[string]string{},
		Flags:   types.Flags{},
	}

	fields := mr.Header.Fields()
	for fields.Next() {
		key := fields.Key()
		lower := strings.ToLower(key)
		if _, ok := msg.Headers[lower]; !ok {
			msg.Headers[lower] = fields.Value()
		}
		raw, err := fields.Raw()
		if err != nil {
			continue
		}
		msg.HeaderLines = append(msg.HeaderLines, types.HeaderLine{
			Key:  lower,
			Line: strings.TrimRight(string(raw), "\r\n"),
		})
	}

	if from, err := mr.Header.AddressList("From"); err == nil {
		msg.From = fromMailAddresses(from)
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		msg.To = fromMailAddresses(to)
	}
	if cc, err := mr.Header.AddressList("Cc"); err == nil {
		msg.To = append(msg.To, fromMailAddresses(cc)...)
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		msg.Date = date
	} else {
		msg.Date = time.Now()
	}
	if id := strings.TrimSpace(mr.Header.Get("Message-Id")); id != "" {
		msg.MessageID = "<" + strings.Trim(id, "<>") + ">"
	} else {
		// Assigned once here so every rendering of the stored copy agrees.
		msg.MessageID = NewMessageID(msg.FromAddress())
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("mr.NextPart: %w", err)
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("io.ReadAll: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			switch {
			case contentType == "text/html" && msg.HTML == "":
				msg.HTML = string(body)
			case strings.HasPrefix(contentType, "text/") && msg.Text == "":
				msg.Text = string(body)
			default:
				msg.Attachments = append(msg.Attachments, attachmentFrom(h.Header, "", body))
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			msg.Attachments = append(msg.Attachments, attachmentFrom(h.Header, filename, body))
		}
	}

	if msg.Text != "" {
		msg.TextAsHTML = TextAsHTML(msg.Text)
	}
	return msg, nil
}

func attachmentFrom(h message.Header, filename string, body []byte) types.Attachment {
	contentType, params, _ := h.ContentType()
	if filename == "" {
		filename = params["name"]
	}
	return types.Attachment{
		Filename:    filename,
		ContentType: contentType,
		ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
		Content:     body,
	}
}

func fromMailAddresses(list []*mail.Address) []types.Address {
	out := make([]types.Address, 0, len(list))
	for _, a := range list {
		out = append(out, types.Address{Name: a.Name, Address: strings.ToLower(a.Address)})
	}
	return out
}

// TextAsHTML renders plain text as escaped HTML paragraphs.
func TextAsHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br/>"))
		b.WriteString("</p>")
	}
	return b.String()
}
