package e2e

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-smtp"
	"golang.org/x/sync/errgroup"
)

func fetchAll(t *testing.T, c *client.Client, uid bool, items ...imap.FetchItem) []*imap.Message {
	t.Helper()
	seqset, _ := imap.ParseSeqSet("1:*")
	ch := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		if uid {
			done <- c.UidFetch(seqset, items, ch)
		} else {
			done <- c.Fetch(seqset, items, ch)
		}
	}()
	var msgs []*imap.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	if err := <-done; err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	return msgs
}

// TestE2E_InboundThenFetch delivers over SMTP and reads the message back
// over IMAP.
func TestE2E_InboundThenFetch(t *testing.T) {
	node := setupTestNode(t, "fetch")
	defer node.Cleanup()

	mail := generateTestMail(4*1024, "Quarterly Report")
	if err := node.Deliver("sender@remote.test", []string{"alice@example.com"}, mail); err != nil {
		t.Fatalf("Delivery failed: %v", err)
	}

	c := node.Login("alice@example.com")
	defer c.Logout()

	mbox, err := c.Select("INBOX", false)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if mbox.Messages != 1 || mbox.Recent != 1 || mbox.UidNext != 2 {
		t.Fatalf("Unexpected mailbox status: messages=%d recent=%d uidnext=%d", mbox.Messages, mbox.Recent, mbox.UidNext)
	}

	section := &imap.BodySectionName{}
	msgs := fetchAll(t, c, false, imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem())
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Uid != 1 {
		t.Errorf("Expected UID 1, got %d", msg.Uid)
	}
	if msg.Envelope == nil || msg.Envelope.Subject != "Quarterly Report" {
		t.Errorf("Unexpected envelope: %+v", msg.Envelope)
	}
	body := msg.GetBody(section)
	if body == nil {
		t.Fatal("Missing BODY[] in response")
	}
	raw, _ := io.ReadAll(body)
	if !strings.Contains(string(raw), "Subject: Quarterly Report") {
		t.Errorf("Body does not carry the subject header")
	}

	// BODY[] without PEEK marks the message seen.
	flags := fetchAll(t, c, true, imap.FetchFlags)
	if len(flags) != 1 || !hasFlag(flags[0].Flags, imap.SeenFlag) {
		t.Errorf("Expected \\Seen after fetching BODY[], got %v", flags)
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// TestE2E_IdleSeesNewMail checks that an idling client learns about mail
// delivered to its selected mailbox.
func TestE2E_IdleSeesNewMail(t *testing.T) {
	node := setupTestNode(t, "idle")
	defer node.Cleanup()

	c := node.Login("bob@example.com")
	defer c.Logout()
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	updates := make(chan client.Update, 16)
	c.Updates = updates
	stop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- c.Idle(stop, nil)
	}()

	mail := []byte("From: sender@remote.test\r\nTo: bob@example.com\r\nSubject: ping\r\n\r\nwake up\r\n")
	if err := node.Deliver("sender@remote.test", []string{"bob@example.com"}, mail); err != nil {
		t.Fatalf("Delivery failed: %v", err)
	}

	timeout := time.After(5 * time.Second)
wait:
	for {
		select {
		case update := <-updates:
			if mu, ok := update.(*client.MailboxUpdate); ok && mu.Mailbox.Messages == 1 {
				break wait
			}
		case <-timeout:
			t.Fatal("No EXISTS update while idling")
		}
	}

	close(stop)
	if err := <-idleDone; err != nil {
		t.Fatalf("Idle returned error: %v", err)
	}
	c.Updates = nil
}

// TestE2E_ParallelDeliveries checks that concurrent inbound sessions each
// get their own UID.
func TestE2E_ParallelDeliveries(t *testing.T) {
	node := setupTestNode(t, "parallel")
	defer node.Cleanup()

	const count = 12
	var g errgroup.Group
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			mail := generateTestMail(2048, fmt.Sprintf("Parallel %d", i))
			return node.Deliver("sender@remote.test", []string{"alice@example.com"}, mail)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Parallel delivery failed: %v", err)
	}

	c := node.Login("alice@example.com")
	defer c.Logout()
	if _, err := c.Select("INBOX", true); err != nil {
		t.Fatalf("Examine failed: %v", err)
	}
	msgs := fetchAll(t, c, true, imap.FetchUid)
	if len(msgs) != count {
		t.Fatalf("Expected %d messages, got %d", count, len(msgs))
	}
	seen := map[uint32]bool{}
	for _, msg := range msgs {
		if seen[msg.Uid] {
			t.Errorf("Duplicate UID %d", msg.Uid)
		}
		seen[msg.Uid] = true
		if msg.Uid < 1 || msg.Uid > count {
			t.Errorf("UID %d out of range", msg.Uid)
		}
	}
}

// TestE2E_LargeMessage sends a message near the size limit and checks the
// stored size survives the round trip.
func TestE2E_LargeMessage(t *testing.T) {
	node := setupTestNode(t, "large")
	defer node.Cleanup()

	mail := generateTestMail(5*1024*1024, "Large Attachment")
	start := time.Now()
	if err := node.Deliver("sender@remote.test", []string{"alice@example.com"}, mail); err != nil {
		t.Fatalf("Delivery failed: %v", err)
	}
	t.Logf("Delivered %d bytes in %v", len(mail), time.Since(start))

	c := node.Login("alice@example.com")
	defer c.Logout()
	if _, err := c.Select("INBOX", true); err != nil {
		t.Fatalf("Examine failed: %v", err)
	}
	msgs := fetchAll(t, c, false, imap.FetchRFC822Size)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Size < 5*1000*1000 {
		t.Errorf("Stored message is too small: %d bytes", msgs[0].Size)
	}
}

// TestE2E_OversizeRejected checks that a message over the limit is refused
// and nothing is stored.
func TestE2E_OversizeRejected(t *testing.T) {
	node := setupTestNode(t, "oversize")
	defer node.Cleanup()

	mail := generateTestMail(int(node.Config.SMTP.MaxMessageBytes)+1024*1024, "Too Big")
	err := node.Deliver("sender@remote.test", []string{"alice@example.com"}, mail)
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 552 {
		t.Fatalf("Expected 552 rejection, got %v", err)
	}

	c := node.Login("alice@example.com")
	defer c.Logout()
	mbox, err := c.Select("INBOX", true)
	if err != nil {
		t.Fatalf("Examine failed: %v", err)
	}
	if mbox.Messages != 0 {
		t.Errorf("Expected empty INBOX, got %d messages", mbox.Messages)
	}
}

// TestE2E_UnknownRecipient checks the relay guard end to end.
func TestE2E_UnknownRecipient(t *testing.T) {
	node := setupTestNode(t, "unknown")
	defer node.Cleanup()

	mail := []byte("From: sender@remote.test\r\nTo: nobody@example.com\r\nSubject: hi\r\n\r\nhello\r\n")
	err := node.Deliver("sender@remote.test", []string{"nobody@example.com"}, mail)
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code/100 != 5 {
		t.Fatalf("Expected permanent rejection, got %v", err)
	}
}
