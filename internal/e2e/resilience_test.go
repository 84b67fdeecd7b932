package e2e

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
)

// TestE2E_RestartKeepsUIDs checks that UIDs are never reused, even after
// the messages holding them were expunged and the service restarted.
func TestE2E_RestartKeepsUIDs(t *testing.T) {
	node := setupTestNode(t, "restart")
	defer node.Cleanup()

	for i := 0; i < 2; i++ {
		mail := generateTestMail(1024, fmt.Sprintf("Before Restart %d", i))
		if err := node.Deliver("sender@remote.test", []string{"alice@example.com"}, mail); err != nil {
			t.Fatalf("Delivery %d failed: %v", i, err)
		}
	}

	c := node.Login("alice@example.com")
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	seqset, _ := imap.ParseSeqSet("1:*")
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.Store(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := c.Expunge(nil); err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}
	c.Logout()

	node.Restart()

	mail := generateTestMail(1024, "After Restart")
	if err := node.Deliver("sender@remote.test", []string{"alice@example.com"}, mail); err != nil {
		t.Fatalf("Delivery after restart failed: %v", err)
	}

	c = node.Login("alice@example.com")
	defer c.Logout()
	mbox, err := c.Select("INBOX", true)
	if err != nil {
		t.Fatalf("Examine failed: %v", err)
	}
	if mbox.Messages != 1 {
		t.Fatalf("Expected 1 message after restart, got %d", mbox.Messages)
	}
	msgs := fetchAll(t, c, true, imap.FetchUid)
	if len(msgs) != 1 || msgs[0].Uid != 3 {
		t.Fatalf("Expected the new message to get UID 3, got %+v", msgs)
	}
}

// TestE2E_InterruptedDelivery drops the connection in the middle of DATA
// and checks that nothing was stored.
func TestE2E_InterruptedDelivery(t *testing.T) {
	node := setupTestNode(t, "interrupt")
	defer node.Cleanup()

	conn, err := net.Dial("tcp", node.Service.Addr("smtp").String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second)) // nolint:errcheck

	buf := make([]byte, 4096)
	expect := func(code string) {
		t.Helper()
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read failed waiting for %s: %v", code, err)
		}
		if !strings.HasPrefix(string(buf[:n]), code) {
			t.Fatalf("Expected %s, got %q", code, buf[:n])
		}
	}
	send := func(line string) {
		t.Helper()
		if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	expect("220")
	send("HELO remote.test")
	expect("250")
	send("MAIL FROM:<sender@remote.test>")
	expect("250")
	send("RCPT TO:<alice@example.com>")
	expect("250")
	send("DATA")
	expect("354")
	mail := generateTestMail(64*1024, "Interrupted")
	if _, err := conn.Write(mail[:len(mail)/2]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	conn.Close()

	// Give the server a moment to notice the closed connection.
	time.Sleep(200 * time.Millisecond)

	c := node.Login("alice@example.com")
	defer c.Logout()
	mbox, err := c.Select("INBOX", true)
	if err != nil {
		t.Fatalf("Examine failed: %v", err)
	}
	if mbox.Messages != 0 {
		t.Errorf("Expected nothing stored after interruption, got %d messages", mbox.Messages)
	}
}

// TestE2E_DeletedAccountRejectsMail checks that deleting an account takes
// effect for both front ends.
func TestE2E_DeletedAccountRejectsMail(t *testing.T) {
	node := setupTestNode(t, "delete")
	defer node.Cleanup()

	if res := node.Service.DeleteAccount("bob@example.com"); !res.Success {
		t.Fatalf("DeleteAccount failed: %s", res.Message)
	}
	mail := []byte("From: sender@remote.test\r\nTo: bob@example.com\r\nSubject: hi\r\n\r\nhello\r\n")
	if err := node.Deliver("sender@remote.test", []string{"bob@example.com"}, mail); err == nil {
		t.Fatal("Expected delivery to a deleted account to fail")
	}
}
