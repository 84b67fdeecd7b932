package e2e

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-smtp"

	"github.com/JB-SelfCompany/hostmail/internal/config"
	"github.com/JB-SelfCompany/hostmail/internal/hosting"
	"github.com/JB-SelfCompany/hostmail/internal/logging"
	"github.com/JB-SelfCompany/hostmail/internal/mailserver"
)

const testPassword = "correct horse battery"

// TestNode is a running mail service with two accounts on example.com.
type TestNode struct {
	Name    string
	TempDir string
	Config  *config.Config
	Service *mailserver.Service
	t       testing.TB
}

func nodeConfig(dir string) *config.Config {
	return &config.Config{
		DataDir:  dir,
		Hostname: "mx.example.com",
		Domains:  "domains.json",
		SMTP: config.SMTPConfig{
			Addr:            "127.0.0.1:0",
			MaxMessageBytes: 8 * 1024 * 1024,
			ReadTimeout:     30 * time.Second,
			AuthFailures:    5,
		},
		IMAP: config.IMAPConfig{
			Addr:              "127.0.0.1:0",
			InactivityTimeout: 30 * time.Second,
			IdleInterval:      5 * time.Second,
			MaxConnsPerIP:     32,
		},
		Outbound: config.OutboundConfig{Ports: []int{25}},
		DKIM:     config.DKIMConfig{Bits: 1024, CheckInterval: time.Hour, Selector: "default"},
		Store:    config.StoreConfig{InsertAttempts: 2},
		Log:      logging.Config{File: filepath.Join(dir, "hostmail.log")},
	}
}

// setupTestNode creates a fresh data directory and starts a service on it.
func setupTestNode(t testing.TB, name string) *TestNode {
	tempDir, err := os.MkdirTemp("", fmt.Sprintf("hostmail-e2e-%s-*", name))
	if err != nil {
		t.Fatalf("Failed to create temp dir for %s: %v", name, err)
	}
	domains, err := config.OpenDomainFile(filepath.Join(tempDir, "domains.json"))
	if err != nil {
		t.Fatalf("Failed to open domain file for %s: %v", name, err)
	}
	if err := domains.Put("example.com", hosting.DomainConfig{}); err != nil {
		t.Fatalf("Failed to add domain for %s: %v", name, err)
	}

	node := startNode(t, name, tempDir)
	for _, email := range []string{"alice@example.com", "bob@example.com"} {
		if res := node.Service.CreateAccount(email, testPassword); !res.Success {
			node.Cleanup()
			t.Fatalf("Failed to create %s: %s", email, res.Message)
		}
	}
	return node
}

func startNode(t testing.TB, name, dir string) *TestNode {
	cfg := nodeConfig(dir)
	service, err := mailserver.New(cfg, mailserver.Options{})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("Failed to create service for %s: %v", name, err)
	}
	if err := service.Start(context.Background()); err != nil {
		service.Close()
		os.RemoveAll(dir)
		t.Fatalf("Failed to start service for %s: %v", name, err)
	}
	return &TestNode{
		Name:    name,
		TempDir: dir,
		Config:  cfg,
		Service: service,
		t:       t,
	}
}

// Restart closes the service and starts a new one on the same data.
func (n *TestNode) Restart() {
	if err := n.Service.Close(); err != nil {
		n.t.Fatalf("Failed to close %s: %v", n.Name, err)
	}
	restarted := startNode(n.t, n.Name, n.TempDir)
	n.Config, n.Service = restarted.Config, restarted.Service
}

func (n *TestNode) Cleanup() {
	if n.Service != nil {
		n.Service.Close()
	}
	if n.TempDir != "" {
		os.RemoveAll(n.TempDir)
	}
}

// Deliver hands body to the inbound SMTP listener as an anonymous sender.
func (n *TestNode) Deliver(from string, to []string, body []byte) error {
	c, err := smtp.Dial(n.Service.Addr("smtp").String())
	if err != nil {
		return fmt.Errorf("smtp.Dial: %w", err)
	}
	defer c.Close()
	if err := c.Hello("remote.test"); err != nil {
		return fmt.Errorf("c.Hello: %w", err)
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("c.Mail: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("c.Rcpt(%s): %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("c.Data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("w.Write: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// Login opens an IMAP session for email.
func (n *TestNode) Login(email string) *client.Client {
	c, err := client.Dial(n.Service.Addr("imap").String())
	if err != nil {
		n.t.Fatalf("client.Dial: %v", err)
	}
	if err := c.Login(email, testPassword); err != nil {
		c.Logout()
		n.t.Fatalf("Login as %s failed: %v", email, err)
	}
	return c
}

// generateTestMail creates a plain text message of roughly size bytes.
func generateTestMail(size int, subject string) []byte {
	header := fmt.Sprintf("From: sender@remote.test\r\nTo: alice@example.com\r\nSubject: %s\r\n"+
		"Date: %s\r\nMessage-Id: <%s@remote.test>\r\nContent-Type: text/plain; charset=utf-8\r\nMIME-Version: 1.0\r\n\r\n",
		subject, time.Now().Format(time.RFC1123Z), strings.ReplaceAll(strings.ToLower(subject), " ", "-"))

	bodySize := size - len(header)
	if bodySize < 0 {
		bodySize = 100
	}

	body := make([]byte, bodySize)
	rand.Read(body) // nolint:errcheck
	for i := range body {
		if i%77 == 76 {
			body[i] = '\n'
			continue
		}
		body[i] = 'A' + (body[i] % 26)
	}

	return append([]byte(header), body...)
}
