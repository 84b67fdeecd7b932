/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mailserver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JB-SelfCompany/hostmail/internal/hosting"
	"github.com/JB-SelfCompany/hostmail/internal/storage"
	"github.com/JB-SelfCompany/hostmail/internal/utils"
)

// CreateAccount adds a mail account on a hosted domain.
func (s *Service) CreateAccount(email, password string) hosting.Result {
	email, err := utils.NormaliseAddress(email)
	if err != nil {
		return hosting.Fail("Invalid email address")
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return hosting.Fail("Password must not be empty")
	}
	domain := utils.DomainOf(email)
	if _, ok := s.domains.Get(domain); !ok {
		return hosting.Fail(fmt.Sprintf("Domain %s is not hosted here", domain))
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		s.log.Errorf("Failed to hash password for %s: %v", email, err)
		return hosting.Fail("Failed to create account")
	}
	switch err := s.storage.AccountCreate(email, hash, domain); {
	case errors.Is(err, storage.ErrExists):
		return hosting.Fail(fmt.Sprintf("Account %s already exists", email))
	case err != nil:
		s.log.Errorf("Failed to create account %s: %v", email, err)
		return hosting.Fail("Failed to create account")
	}

	s.log.Printf("Created account %s", email)
	return hosting.OK(fmt.Sprintf("Account %s created", email))
}

// DeleteAccount removes the account along with its mailboxes and messages.
func (s *Service) DeleteAccount(email string) hosting.Result {
	email, err := utils.NormaliseAddress(email)
	if err != nil {
		return hosting.Fail("Invalid email address")
	}
	switch err := s.storage.AccountDelete(email); {
	case errors.Is(err, storage.ErrNotFound):
		return hosting.Fail(fmt.Sprintf("Account %s does not exist", email))
	case err != nil:
		s.log.Errorf("Failed to delete account %s: %v", email, err)
		return hosting.Fail("Failed to delete account")
	}

	s.log.Printf("Deleted account %s", email)
	return hosting.OK(fmt.Sprintf("Account %s deleted", email))
}

func (s *Service) SetPassword(email, password string) hosting.Result {
	email, err := utils.NormaliseAddress(email)
	if err != nil {
		return hosting.Fail("Invalid email address")
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return hosting.Fail("Password must not be empty")
	}
	hash, err := utils.HashPassword(password)
	if err != nil {
		s.log.Errorf("Failed to hash password for %s: %v", email, err)
		return hosting.Fail("Failed to update password")
	}
	switch err := s.storage.AccountSetPassword(email, hash); {
	case errors.Is(err, storage.ErrNotFound):
		return hosting.Fail(fmt.Sprintf("Account %s does not exist", email))
	case err != nil:
		s.log.Errorf("Failed to set password for %s: %v", email, err)
		return hosting.Fail("Failed to update password")
	}

	s.log.Printf("Password updated for %s", email)
	return hosting.OK("Password updated")
}

func (s *Service) AccountExists(email string) hosting.Result {
	email, err := utils.NormaliseAddress(email)
	if err != nil {
		return hosting.Fail("Invalid email address")
	}
	exists, err := s.storage.AccountExists(email)
	if err != nil {
		s.log.Errorf("Failed to look up account %s: %v", email, err)
		return hosting.Fail("Failed to look up account")
	}
	if !exists {
		return hosting.Fail(fmt.Sprintf("Account %s does not exist", email))
	}
	return hosting.OK(fmt.Sprintf("Account %s exists", email))
}

// ListAccounts returns the addresses on a domain. The message of a
// successful result is the comma-separated list.
func (s *Service) ListAccounts(domain string) ([]string, hosting.Result) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if !utils.IsValidDomain(domain) {
		return nil, hosting.Fail("Invalid domain")
	}
	accounts, err := s.storage.AccountList(domain)
	if err != nil {
		s.log.Errorf("Failed to list accounts for %s: %v", domain, err)
		return nil, hosting.Fail("Failed to list accounts")
	}
	emails := make([]string, 0, len(accounts))
	for _, a := range accounts {
		emails = append(emails, a.Email)
	}
	return emails, hosting.OK(strings.Join(emails, ","))
}
