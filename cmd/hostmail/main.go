/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gologme/log"
	"golang.org/x/term"

	"github.com/JB-SelfCompany/hostmail/internal/config"
	"github.com/JB-SelfCompany/hostmail/internal/hosting"
	"github.com/JB-SelfCompany/hostmail/internal/logging"
	"github.com/JB-SelfCompany/hostmail/internal/mailserver"
	"github.com/JB-SelfCompany/hostmail/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	createAccount := flag.String("createaccount", "", "create a mail account and exit")
	setPassword := flag.String("setpassword", "", "change the password of a mail account and exit")
	deleteAccount := flag.String("deleteaccount", "", "delete a mail account and exit")
	listAccounts := flag.String("listaccounts", "", "list the mail accounts of a domain and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	logs := logging.NewFactory(cfg.Log)
	logger := logs.New("Main", color.FgHiBlue)

	m := metrics.NewDefault()
	service, err := mailserver.New(cfg, mailserver.Options{Logs: logs, Metrics: m})
	if err != nil {
		logger.Fatalln("Failed to set up mail service:", err)
	}
	defer service.Close() // nolint:errcheck

	switch {
	case *createAccount != "":
		password, err := readPassword()
		if err != nil {
			logger.Fatalln(err)
		}
		exitWith(service, service.CreateAccount(*createAccount, password))
	case *setPassword != "":
		password, err := readPassword()
		if err != nil {
			logger.Fatalln(err)
		}
		exitWith(service, service.SetPassword(*setPassword, password))
	case *deleteAccount != "":
		exitWith(service, service.DeleteAccount(*deleteAccount))
	case *listAccounts != "":
		emails, res := service.ListAccounts(*listAccounts)
		if res.Success {
			fmt.Println(strings.Join(emails, "\n"))
		}
		exitWith(service, hosting.Result{Success: res.Success, Message: fmt.Sprintf("%d account(s)", len(emails))})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Addr != "" {
		srv := startMetrics(cfg.Metrics.Addr, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) // nolint:errcheck
		}()
	}

	if err := service.Start(ctx); err != nil {
		logger.Fatalln("Failed to start mail service:", err)
	}
	logger.Printf("Mail service running for %s", cfg.Hostname)

	if err := service.Wait(); err != nil {
		logger.Errorln("Mail service stopped with error:", err)
	}
	logger.Println("Shutting down")
}

func startMetrics(addr string, m *metrics.Metrics, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("Serving metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorln("Metrics server failed:", err)
		}
	}()
	return srv
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password must be entered on a terminal")
	}
	fmt.Print("Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("term.ReadPassword: %w", err)
	}
	fmt.Print("Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("term.ReadPassword: %w", err)
	}
	if !bytes.Equal(first, second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func exitWith(service *mailserver.Service, res hosting.Result) {
	fmt.Println(res.Message)
	service.Close() // nolint:errcheck
	if !res.Success {
		os.Exit(1)
	}
	os.Exit(0)
}
