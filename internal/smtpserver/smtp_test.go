package smtpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JB-SelfCompany/hostmail/internal/hosting"
	"github.com/JB-SelfCompany/hostmail/internal/logging"
	"github.com/JB-SelfCompany/hostmail/internal/mailmsg"
	"github.com/JB-SelfCompany/hostmail/internal/metrics"
	"github.com/JB-SelfCompany/hostmail/internal/ratelimit"
	"github.com/JB-SelfCompany/hostmail/internal/smtpsender"
	"github.com/JB-SelfCompany/hostmail/internal/storage/sqlite3"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
	"github.com/JB-SelfCompany/hostmail/internal/utils"
)

type staticDomains map[string]hosting.DomainConfig

func (d staticDomains) List() []string { return nil }
func (d staticDomains) Get(domain string) (hosting.DomainConfig, bool) {
	cfg, ok := d[domain]
	return cfg, ok
}
func (d staticDomains) SetDKIM(string, hosting.DKIMPaths) error { return nil }

type fakeRelay struct {
	sent chan *types.Message
}

func (r *fakeRelay) Send(_ context.Context, msg *types.Message) (*smtpsender.Result, error) {
	r.sent <- msg
	n := len(msg.Recipients())
	return &smtpsender.Result{Total: n, Successful: n}, nil
}

type notification struct {
	email, mailbox string
	uid            uint32
}

type fakeNotifier struct {
	mu   sync.Mutex
	seen []notification
}

func (n *fakeNotifier) NotifyNew(email, mailbox string, uid uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, notification{email, mailbox, uid})
}

type fixture struct {
	addr    string
	store   *sqlite3.SQLite3Storage
	relay   *fakeRelay
	notify  *fakeNotifier
	backend *Backend
}

const password = "correct horse battery"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite3.NewSQLite3Storage(filepath.Join(t.TempDir(), "mail.db"), sqlite3.Options{InsertAttempts: 2})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hash, err := utils.HashPassword(password)
	require.NoError(t, err)
	for _, email := range []string{"alice@example.com", "bob@example.com"} {
		require.NoError(t, store.AccountCreate(email, hash, "example.com"))
	}

	f := &fixture{
		store:  store,
		relay:  &fakeRelay{sent: make(chan *types.Message, 4)},
		notify: &fakeNotifier{},
	}
	f.backend = &Backend{
		Log:          logging.Discard(),
		Hostname:     "mx.example.com",
		Storage:      store,
		Domains:      staticDomains{"example.com": {}},
		Relay:        f.relay,
		Notify:       f.notify,
		Metrics:      metrics.NewIsolated(),
		AuthFailures: ratelimit.NewWindow(2, time.Hour),
	}
	srv := NewSMTPServer(f.backend, nil, Options{MaxMessageBytes: 1 << 20, ReadTimeout: 10 * time.Second})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l) // nolint:errcheck
	t.Cleanup(func() { srv.Close() })
	f.addr = l.Addr().String()
	return f
}

func (f *fixture) dial(t *testing.T) *smtp.Client {
	t.Helper()
	c, err := smtp.Dial(f.addr)
	require.NoError(t, err)
	require.NoError(t, c.Hello("client.test"))
	t.Cleanup(func() { c.Close() })
	return c
}

func rawMessage(from string, to ...string) string {
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: test\r\nDate: Mon, 04 Mar 2024 10:00:00 +0000\r\n"+
		"Message-Id: <t1@client.test>\r\n\r\nhello there\r\n", from, strings.Join(to, ", "))
}

func send(c *smtp.Client, from string, rcpts []string, body string) error {
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTP error, got %v", err)
	return smtpErr.Code
}

func TestInboundToLocalAccount(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	err := send(c, "carol@remote.test", []string{"Bob@Example.com"}, rawMessage("carol@remote.test", "bob@example.com"))
	require.NoError(t, err)

	msgs, err := f.store.MessageList("bob@example.com", types.MailboxInbox)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "carol@remote.test", msgs[0].FromAddress())
	assert.False(t, msgs[0].Flags.Has(types.FlagSeen))
	require.NotEmpty(t, msgs[0].HeaderLines)
	assert.Equal(t, "received", msgs[0].HeaderLines[0].Key)
	assert.Contains(t, msgs[0].HeaderLines[0].Line, "from client.test ([127.0.0.1]) by mx.example.com with ESMTP;")

	f.notify.mu.Lock()
	defer f.notify.mu.Unlock()
	assert.Equal(t, []notification{{"bob@example.com", types.MailboxInbox, msgs[0].UID}}, f.notify.seen)
}

func TestInboundUnknownRecipient(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	require.NoError(t, c.Mail("carol@remote.test", nil))
	assert.Equal(t, 550, smtpCode(t, c.Rcpt("nobody@example.com")))
	assert.Equal(t, 550, smtpCode(t, c.Rcpt("someone@elsewhere.test")))
	assert.Equal(t, 501, smtpCode(t, c.Rcpt("not-an-address")))

	total, _, err := f.store.MessageCount("nobody@example.com", types.MailboxInbox)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestInboundReservedAlias(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	err := send(c, "carol@remote.test", []string{"postmaster@example.com"}, rawMessage("carol@remote.test", "postmaster@example.com"))
	require.NoError(t, err)

	total, unseen, err := f.store.MessageCount("postmaster@example.com", types.MailboxInbox)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, unseen)

	require.NoError(t, c.Reset())
	require.NoError(t, c.Mail("carol@remote.test", nil))
	assert.Equal(t, 550, smtpCode(t, c.Rcpt("postmaster@unhosted.test")))
}

func TestLocalSenderMustAuthenticate(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	assert.Equal(t, 530, smtpCode(t, c.Mail("alice@example.com", nil)))

	total, _, err := f.store.MessageCount("alice@example.com", types.MailboxSent)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAuthenticatedSendStoresSentAndRelays(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	require.NoError(t, c.Auth(sasl.NewPlainClient("", "alice@example.com", password)))

	body := rawMessage("alice@example.com", "bob@example.com", "dave@remote.test")
	require.NoError(t, send(c, "alice@example.com", []string{"bob@example.com", "dave@remote.test"}, body))

	sent, err := f.store.MessageList("alice@example.com", types.MailboxSent)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Flags.Has(types.FlagSeen))
	assert.Contains(t, sent[0].HeaderLines[0].Line, "with ESMTPA;")

	inbox, err := f.store.MessageList("bob@example.com", types.MailboxInbox)
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	select {
	case msg := <-f.relay.sent:
		assert.Equal(t, []string{"dave@remote.test"}, msg.Recipients())
		assert.Equal(t, "alice@example.com", msg.FromAddress())
	case <-time.After(5 * time.Second):
		t.Fatal("message was not relayed")
	}
}

func TestBccRecipientsStayHidden(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	require.NoError(t, c.Auth(sasl.NewPlainClient("", "alice@example.com", password)))

	body := "From: alice@example.com\r\nTo: dave@remote.test\r\nBcc: secret@hidden.test, bob@example.com\r\n" +
		"Subject: plans\r\nDate: Mon, 04 Mar 2024 10:00:00 +0000\r\nMessage-Id: <bcc1@client.test>\r\n\r\nsee you\r\n"
	rcpts := []string{"dave@remote.test", "secret@hidden.test", "bob@example.com"}
	require.NoError(t, send(c, "alice@example.com", rcpts, body))

	var relayed *types.Message
	select {
	case relayed = <-f.relay.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not relayed")
	}
	assert.Equal(t, []string{"dave@remote.test", "secret@hidden.test"}, relayed.Recipients())
	assert.Equal(t, []types.Address{{Address: "dave@remote.test"}}, relayed.To)
	raw, err := mailmsg.Compose(relayed)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Bcc:")
	assert.NotContains(t, string(raw), "secret@hidden.test")
	assert.Contains(t, string(raw), "To: <dave@remote.test>")

	inbox, err := f.store.MessageList("bob@example.com", types.MailboxInbox)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	for _, line := range inbox[0].HeaderLines {
		assert.NotEqual(t, "bcc", line.Key)
	}
	assert.NotContains(t, inbox[0].Headers, "bcc")
	raw, err = mailmsg.Compose(inbox[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret@hidden.test")

	sent, err := f.store.MessageList("alice@example.com", types.MailboxSent)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "secret@hidden.test, bob@example.com", sent[0].Headers["bcc"])
}

func TestAuthenticatedFromMismatch(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	require.NoError(t, c.Auth(sasl.NewPlainClient("", "alice@example.com", password)))

	assert.Equal(t, 553, smtpCode(t, c.Mail("bob@example.com", nil)))

	require.NoError(t, c.Reset())
	err := send(c, "alice@example.com", []string{"dave@remote.test"}, rawMessage("bob@example.com", "dave@remote.test"))
	assert.Equal(t, 553, smtpCode(t, err))

	total, _, err := f.store.MessageCount("alice@example.com", types.MailboxSent)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, f.relay.sent)
}

func TestAuthFailuresAreLimited(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		c := f.dial(t)
		err := c.Auth(sasl.NewPlainClient("", "alice@example.com", "wrong"))
		assert.Equal(t, 535, smtpCode(t, err))
	}

	c := f.dial(t)
	err := c.Auth(sasl.NewPlainClient("", "alice@example.com", password))
	assert.Equal(t, 454, smtpCode(t, err))
	assert.Equal(t, 2, f.backend.AuthFailures.Count("127.0.0.1"))
}
