/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package utils

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// reservedAliases are accepted as recipients on every hosted domain even
// without a matching account.
var reservedAliases = map[string]struct{}{
	"hostmaster": {},
	"postmaster": {},
}

func IsReservedAlias(email string) bool {
	local, _, err := ParseAddress(email)
	if err != nil {
		return false
	}
	_, ok := reservedAliases[local]
	return ok
}

// IsValidDomain checks that a domain is made of at least two non-empty
// labels of letters, digits and hyphens.
func IsValidDomain(domain string) bool {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" || len(d) > 253 {
		return false
	}
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// ParseAddress splits a bare address or a "Name <addr>" form into its
// lower-cased local part and domain.
func ParseAddress(email string) (string, string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", "", fmt.Errorf("invalid email address")
	}
	addr := email
	if strings.ContainsAny(email, "<\"") {
		parsed, err := mail.ParseAddress(email)
		if err != nil {
			return "", "", fmt.Errorf("mail.ParseAddress: %w", err)
		}
		addr = parsed.Address
	}
	if strings.ContainsAny(addr, " \t\r\n<>(),;:\\[]") {
		return "", "", fmt.Errorf("invalid email address")
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", fmt.Errorf("invalid email address")
	}
	local, domain := strings.ToLower(addr[:at]), strings.ToLower(addr[at+1:])
	if strings.Contains(local, "@") || len(local) > 64 {
		return "", "", fmt.Errorf("invalid email local part")
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return "", "", fmt.Errorf("invalid email local part")
	}
	if !IsValidDomain(domain) {
		return "", "", fmt.Errorf("invalid email domain: %s", domain)
	}
	return local, domain, nil
}

// NormaliseAddress returns the canonical lower-case "local@domain" form.
func NormaliseAddress(email string) (string, error) {
	local, domain, err := ParseAddress(email)
	if err != nil {
		return "", err
	}
	return local + "@" + domain, nil
}

func IsValidAddress(email string) bool {
	_, _, err := ParseAddress(email)
	return err == nil
}

func DomainOf(email string) string {
	_, domain, err := ParseAddress(email)
	if err != nil {
		return ""
	}
	return domain
}
