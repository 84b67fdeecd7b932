package logging

import (
	"errors"
	"testing"

	"github.com/fatih/color"
)

func TestDeliveryLogger(t *testing.T) {
	l := NewDeliveryLogger(Discard())

	l.StartOperation("op-1", "alice@example.com", 2)
	if got := l.ActiveOperations(); got != 1 {
		t.Fatalf("ActiveOperations() = %d, want 1", got)
	}
	l.LogRecipient("op-1", "bob@example.org", nil)
	l.LogRecipient("op-1", "carol@example.net", errors.New("connection refused"))
	l.EndOperation("op-1")

	if got := l.ActiveOperations(); got != 0 {
		t.Fatalf("ActiveOperations() = %d after end, want 0", got)
	}

	// Unknown operations are tolerated.
	l.LogRecipient("missing", "x@example.com", nil)
	l.EndOperation("missing")
}

func TestFactoryWritesToFile(t *testing.T) {
	dir := t.TempDir()
	f := NewFactory(Config{File: dir + "/mail.log", MaxSizeMB: 1})
	logger := f.New("Test", color.FgYellow)
	logger.Infoln("hello")
	if f.Writer() == nil {
		t.Fatal("expected a writer")
	}
}
