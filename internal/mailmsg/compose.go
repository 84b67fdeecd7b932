/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mailmsg

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
	"github.com/JB-SelfCompany/hostmail/internal/utils"
)

// Headers that Compose always writes itself; copies of them in the stored
// header lines are skipped.
var composedHeaders = map[string]struct{}{
	"from":                      {},
	"to":                        {},
	"subject":                   {},
	"date":                      {},
	"message-id":                {},
	"mime-version":              {},
	"content-type":              {},
	"content-transfer-encoding": {},
	"content-disposition":       {},
}

// Validate checks that a message can be sent: a well formed sender, at
// least one well formed recipient and some content.
func Validate(msg *types.Message) error {
	if len(msg.From) == 0 || !utils.IsValidAddress(msg.From[0].Address) {
		return fmt.Errorf("invalid sender address")
	}
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return fmt.Errorf("no recipients")
	}
	for _, to := range rcpts {
		if !utils.IsValidAddress(to) {
			return fmt.Errorf("invalid recipient address %q", to)
		}
	}
	if msg.Text == "" && msg.HTML == "" && len(msg.Attachments) == 0 {
		return fmt.Errorf("message has no text, html or attachments")
	}
	return nil
}

// Boundary returns the multipart boundary for msg: the one declared in its
// stored Content-Type header if any, otherwise one derived from the message
// identity so that repeated renderings are byte-identical.
func Boundary(msg *types.Message) string {
	if ct, ok := msg.Headers["content-type"]; ok {
		if _, params, err := mime.ParseMediaType(ct); err == nil && params["boundary"] != "" {
			return params["boundary"]
		}
	}
	seed := fmt.Sprintf("%s/%s/%d", msg.MessageID, msg.Email, msg.UID)
	return "----=_Part_" + strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String(), "-", "")
}

// NewMessageID generates a Message-ID for a sender's domain.
func NewMessageID(from string) string {
	domain := utils.DomainOf(from)
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// WithoutBcc returns a copy of msg with its Bcc header removed, for every
// copy except the author's own.
func WithoutBcc(msg *types.Message) *types.Message {
	out := *msg
	out.HeaderLines = make([]types.HeaderLine, 0, len(msg.HeaderLines))
	for _, line := range msg.HeaderLines {
		if !strings.EqualFold(line.Key, "bcc") {
			out.HeaderLines = append(out.HeaderLines, line)
		}
	}
	if _, ok := msg.Headers["bcc"]; ok {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			if k != "bcc" {
				out.Headers[k] = v
			}
		}
	}
	return &out
}

func toMailAddresses(list []types.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// Compose renders msg as an RFC 5322 message. Text is quoted-printable, the
// text and HTML renditions become multipart/alternative, and attachments
// are wrapped in multipart/mixed as base64 parts.
func Compose(msg *types.Message) ([]byte, error) {
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID(msg.FromAddress())
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}

	boundary := Boundary(msg)
	hasText := msg.Text != "" || msg.HTML == ""

	// textproto writes the most recently added field first, so fields are
	// added in reverse of the order they appear on the wire.
	var h mail.Header
	switch {
	case len(msg.Attachments) > 0:
		h.SetContentType("multipart/mixed", map[string]string{"boundary": boundary})
	case hasText && msg.HTML != "":
		h.SetContentType("multipart/alternative", map[string]string{"boundary": boundary})
	case hasText:
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	default:
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	}
	h.Set("MIME-Version", "1.0")
	h.Set("Message-Id", msg.MessageID)
	h.SetDate(msg.Date)
	h.SetSubject(msg.Subject)
	if len(msg.To) > 0 {
		h.SetAddressList("To", toMailAddresses(msg.To))
	}
	h.SetAddressList("From", toMailAddresses(msg.From))
	for i := len(msg.HeaderLines) - 1; i >= 0; i-- {
		line := msg.HeaderLines[i]
		if _, skip := composedHeaders[strings.ToLower(line.Key)]; skip {
			continue
		}
		if value, ok := headerValue(line); ok {
			h.Add(line.Key, value)
		}
	}

	var buf bytes.Buffer
	switch {
	case len(msg.Attachments) > 0:
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return nil, fmt.Errorf("message.CreateWriter: %w", err)
		}
		if hasText || msg.HTML != "" {
			if err := writeBody(w, msg, boundary+"_alt"); err != nil {
				return nil, err
			}
		}
		for _, att := range msg.Attachments {
			if err := writeAttachment(w, att); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("w.Close: %w", err)
		}

	case hasText && msg.HTML != "":
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return nil, fmt.Errorf("message.CreateWriter: %w", err)
		}
		if err := writeAlternatives(w, msg); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("w.Close: %w", err)
		}

	default:
		body := msg.Text
		if !hasText {
			body = msg.HTML
		}
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return nil, fmt.Errorf("message.CreateWriter: %w", err)
		}
		if _, err := io.WriteString(w, normaliseNewlines(body)); err != nil {
			return nil, fmt.Errorf("w.Write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("w.Close: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// writeBody writes the text content of a mixed message, as an alternative
// part when both renditions exist.
func writeBody(w *message.Writer, msg *types.Message, boundary string) error {
	if msg.Text != "" && msg.HTML != "" {
		var h message.Header
		h.SetContentType("multipart/alternative", map[string]string{"boundary": boundary})
		alt, err := w.CreatePart(h)
		if err != nil {
			return fmt.Errorf("w.CreatePart: %w", err)
		}
		if err := writeAlternatives(alt, msg); err != nil {
			return err
		}
		return alt.Close()
	}
	if msg.HTML != "" {
		return writeInline(w, "text/html", msg.HTML)
	}
	return writeInline(w, "text/plain", msg.Text)
}

func writeAlternatives(w *message.Writer, msg *types.Message) error {
	if err := writeInline(w, "text/plain", msg.Text); err != nil {
		return err
	}
	return writeInline(w, "text/html", msg.HTML)
}

func writeInline(w *message.Writer, mediaType, body string) error {
	var h message.Header
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("w.CreatePart(%s): %w", mediaType, err)
	}
	if _, err := io.WriteString(pw, normaliseNewlines(body)); err != nil {
		return fmt.Errorf("pw.Write: %w", err)
	}
	return pw.Close()
}

func writeAttachment(w *message.Writer, att types.Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var h mail.AttachmentHeader
	h.SetContentType(contentType, map[string]string{"name": att.Filename})
	h.Set("Content-Transfer-Encoding", "base64")
	h.SetContentDisposition("attachment", map[string]string{"filename": att.Filename})
	if att.ContentID != "" {
		h.Set("Content-Id", "<"+strings.Trim(att.ContentID, "<>")+">")
	}
	pw, err := w.CreatePart(h.Header)
	if err != nil {
		return fmt.Errorf("w.CreatePart(attachment): %w", err)
	}
	if _, err := pw.Write(att.Content); err != nil {
		return fmt.Errorf("pw.Write: %w", err)
	}
	return pw.Close()
}

// headerValue extracts the unfolded value from a raw "Key: value" line.
func headerValue(line types.HeaderLine) (string, bool) {
	raw := line.Line
	i := strings.IndexByte(raw, ':')
	if i < 0 {
		return "", false
	}
	value := strings.TrimSpace(raw[i+1:])
	value = strings.NewReplacer("\r\n", "", "\n", "").Replace(value)
	return value, true
}

func normaliseNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
