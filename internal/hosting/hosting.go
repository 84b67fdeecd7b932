/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package hosting describes the parts of the hosting platform the mail
// subsystem talks to: per-domain configuration, the DNS zone publisher and
// the uniform result envelope returned by account operations.
package hosting

import (
	"context"
	"errors"
)

var ErrUnknownDomain = errors.New("unknown domain")

// Record is a DNS zone record.
type Record struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type KeyPair struct {
	Key  string `json:"key,omitempty"`
	Cert string `json:"cert,omitempty"`
}

type DKIMPaths struct {
	Private string `json:"private,omitempty"`
	Public  string `json:"public,omitempty"`
}

type Cert struct {
	SSL  *KeyPair   `json:"ssl,omitempty"`
	DKIM *DKIMPaths `json:"dkim,omitempty"`
}

// SMTPAuth holds credentials for authenticating to remote exchangers when
// sending as the domain.
type SMTPAuth struct {
	Auth     bool   `json:"auth,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type DomainConfig struct {
	DNS  map[string][]Record `json:"DNS,omitempty"`
	Cert Cert                `json:"cert"`
	SMTP SMTPAuth            `json:"smtp"`
}

// HasMX reports whether the domain publishes a mail exchanger.
func (c *DomainConfig) HasMX() bool {
	return len(c.DNS["MX"]) > 0
}

// Domains is the configuration collaborator.
type Domains interface {
	List() []string
	Get(domain string) (DomainConfig, bool)
	SetDKIM(domain string, paths DKIMPaths) error
}

// Publisher publishes or replaces a record in the authoritative zone.
type Publisher interface {
	Record(ctx context.Context, record Record) error
}

// Result is the envelope returned by account management operations.
type Result struct {
	Success bool   `json:"result"`
	Message string `json:"message"`
}

func OK(message string) Result {
	return Result{Success: true, Message: message}
}

func Fail(message string) Result {
	return Result{Success: false, Message: message}
}
