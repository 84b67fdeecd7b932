package sqlite3

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JB-SelfCompany/hostmail/internal/storage"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
)

func openTestStorage(t *testing.T, path string) *SQLite3Storage {
	t.Helper()
	s, err := NewSQLite3Storage(path, Options{InsertAttempts: 2})
	require.NoError(t, err)
	return s
}

func setupTestStorage(t *testing.T) *SQLite3Storage {
	t.Helper()
	s := openTestStorage(t, filepath.Join(t.TempDir(), "mail.db"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAccounts(t *testing.T) {
	s := setupTestStorage(t)

	require.NoError(t, s.AccountCreate("alice@example.com", "hash-a", "example.com"))
	require.NoError(t, s.AccountCreate("bob@example.com", "hash-b", "example.com"))
	require.NoError(t, s.AccountCreate("carol@example.org", "hash-c", "example.org"))

	err := s.AccountCreate("alice@example.com", "other", "example.com")
	assert.ErrorIs(t, err, storage.ErrExists)

	exists, err := s.AccountExists("alice@example.com")
	require.NoError(t, err)
	assert.True(t, exists)

	accounts, err := s.AccountList("example.com")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "alice@example.com", accounts[0].Email)
	assert.Equal(t, "bob@example.com", accounts[1].Email)

	require.NoError(t, s.AccountSetPassword("bob@example.com", "hash-b2"))
	bob, err := s.AccountGet("bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "hash-b2", bob.Password)

	assert.ErrorIs(t, s.AccountSetPassword("nobody@example.com", "x"), storage.ErrNotFound)

	require.NoError(t, s.AccountDelete("bob@example.com"))
	_, err = s.AccountGet("bob@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.AccountDelete("bob@example.com"), storage.ErrNotFound)
}

func TestMailboxes(t *testing.T) {
	s := setupTestStorage(t)
	const email = "alice@example.com"

	boxes, err := s.MailboxList(email)
	require.NoError(t, err)
	require.Len(t, boxes, len(types.FixedMailboxes))
	assert.Equal(t, types.MailboxInbox, boxes[0].Title)

	require.NoError(t, s.MailboxCreate(email, "Projects/2024"))
	assert.ErrorIs(t, s.MailboxCreate(email, "Projects/2024"), storage.ErrExists)
	assert.ErrorIs(t, s.MailboxCreate(email, "INBOX"), storage.ErrExists)

	exists, err := s.MailboxExists(email, "Projects")
	require.NoError(t, err)
	assert.True(t, exists, "ancestor should be created implicitly")

	_, err = s.MessageCreate(&types.Message{Email: email, Mailbox: "Projects/2024", Subject: "plan"})
	require.NoError(t, err)

	require.NoError(t, s.MailboxRename(email, "Projects", "Archive"))
	exists, err = s.MailboxExists(email, "Archive/2024")
	require.NoError(t, err)
	assert.True(t, exists)

	moved, err := s.MessageList(email, "Archive/2024")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "plan", moved[0].Subject)

	assert.ErrorIs(t, s.MailboxDelete(email, "Trash"), storage.ErrFixed)
	require.NoError(t, s.MailboxDelete(email, "Archive"))
	exists, err = s.MailboxExists(email, "Archive/2024")
	require.NoError(t, err)
	assert.False(t, exists)
	remaining, err := s.MessageList(email, "Archive/2024")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// A deleted box can be created again.
	require.NoError(t, s.MailboxCreate(email, "Archive"))
}

func TestMessageUIDsNeverReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.db")
	s := openTestStorage(t, path)
	const email = "alice@example.com"

	var last uint32
	for i := 0; i < 3; i++ {
		uid, err := s.MessageCreate(&types.Message{Email: email, Subject: "hello"})
		require.NoError(t, err)
		assert.Greater(t, uid, last)
		last = uid
	}

	require.NoError(t, s.MessageSetFlags(email, types.MailboxInbox, last, types.Flags{types.FlagDeleted}))
	removed, err := s.MessageExpunge(email, types.MailboxInbox)
	require.NoError(t, err)
	assert.Equal(t, []uint32{last}, removed)
	require.NoError(t, s.Close())

	s = openTestStorage(t, path)
	defer s.Close() // nolint:errcheck
	next, err := s.MessageUIDNext(email)
	require.NoError(t, err)
	assert.Equal(t, last+1, next)

	uid, err := s.MessageCreate(&types.Message{Email: email, Subject: "after restart"})
	require.NoError(t, err)
	assert.Equal(t, last+1, uid)

	// Other accounts have independent counters.
	uid, err = s.MessageCreate(&types.Message{Email: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), uid)
}

func TestMessageFlags(t *testing.T) {
	s := setupTestStorage(t)
	const email = "alice@example.com"

	msg := &types.Message{
		Email:   email,
		Subject: "flags",
		From:    []types.Address{{Name: "Bob", Address: "bob@example.org"}},
		To:      []types.Address{{Address: email}},
		Headers: map[string]string{"subject": "flags"},
		Text:    "body",
	}
	uid, err := s.MessageCreate(msg)
	require.NoError(t, err)
	_, err = s.MessageCreate(&types.Message{Email: email, Flags: types.Flags{types.FlagSeen}})
	require.NoError(t, err)

	total, unseen, err := s.MessageCount(email, types.MailboxInbox)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, unseen)

	set := types.ParseFlags([]string{`\Seen`, `\Flagged`})
	for i := 0; i < 2; i++ {
		require.NoError(t, s.MessageSetFlags(email, types.MailboxInbox, uid, set))
		stored, err := s.MessageSelect(email, types.MailboxInbox, uid)
		require.NoError(t, err)
		assert.Equal(t, types.Flags{"flagged", "seen"}, stored.Flags)
		assert.Equal(t, "bob@example.org", stored.FromAddress())
		assert.Equal(t, "body", stored.Text)
	}

	_, unseen, err = s.MessageCount(email, types.MailboxInbox)
	require.NoError(t, err)
	assert.Equal(t, 0, unseen)

	_, err = s.MessageSelect(email, types.MailboxInbox, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMessageCreateAssignsMessageID(t *testing.T) {
	s := setupTestStorage(t)
	const email = "alice@example.com"

	uid, err := s.MessageCreate(&types.Message{
		Email: email,
		From:  []types.Address{{Address: "bob@example.org"}},
		Text:  "no id",
	})
	require.NoError(t, err)
	first, err := s.MessageSelect(email, types.MailboxInbox, uid)
	require.NoError(t, err)
	assert.Regexp(t, `^<[0-9a-f-]{36}@example\.org>$`, first.MessageID)
	again, err := s.MessageSelect(email, types.MailboxInbox, uid)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, again.MessageID)

	uid, err = s.MessageCreate(&types.Message{Email: email, MessageID: "<kept@example.org>"})
	require.NoError(t, err)
	kept, err := s.MessageSelect(email, types.MailboxInbox, uid)
	require.NoError(t, err)
	assert.Equal(t, "<kept@example.org>", kept.MessageID)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, Migrate(s.db, nil))
	version, err := GetSchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}
