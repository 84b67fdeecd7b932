/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package dkim

import (
	"bufio"
	"bytes"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"
	msgauth "github.com/emersion/go-msgauth/dkim"
)

// SignedHeaders are the header fields covered by every signature.
var SignedHeaders = []string{"from", "to", "subject", "date", "message-id"}

// Signer produces rsa-sha256 relaxed/relaxed signatures for one domain.
type Signer struct {
	Domain   string
	Selector string
	Key      *rsa.PrivateKey
}

func NewSigner(domain, selector string, key *rsa.PrivateKey) *Signer {
	return &Signer{
		Domain:   strings.ToLower(domain),
		Selector: selector,
		Key:      key,
	}
}

func (s *Signer) options() *msgauth.SignOptions {
	return &msgauth.SignOptions{
		Domain:                 s.Domain,
		Selector:               s.Selector,
		Signer:                 s.Key,
		HeaderKeys:             SignedHeaders,
		HeaderCanonicalization: msgauth.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauth.CanonicalizationRelaxed,
	}
}

// Sign returns a DKIM-Signature header field, terminated by CRLF, for msg.
func (s *Signer) Sign(msg []byte) (string, error) {
	if s.Key == nil {
		return "", fmt.Errorf("%w: no private key", ErrInvalidKey)
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(msg)))
	if err != nil {
		return "", fmt.Errorf("textproto.ReadHeader: %w", err)
	}
	if !h.Has("From") {
		return "", fmt.Errorf("message has no From header")
	}

	signer, err := msgauth.NewSigner(s.options())
	if err != nil {
		return "", fmt.Errorf("dkim.NewSigner: %w", err)
	}
	if _, err := signer.Write(msg); err != nil {
		signer.Close() // nolint:errcheck
		return "", fmt.Errorf("signer.Write: %w", err)
	}
	if err := signer.Close(); err != nil {
		return "", fmt.Errorf("signer.Close: %w", err)
	}
	return signer.Signature(), nil
}

// SignMessage returns msg with a DKIM-Signature prepended.
func (s *Signer) SignMessage(msg []byte) ([]byte, error) {
	sigHeader, err := s.Sign(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sigHeader)+len(msg))
	out = append(out, sigHeader...)
	return append(out, msg...), nil
}
