package mailmsg

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
)

func testMessage() *types.Message {
	return &types.Message{
		UID:       7,
		Email:     "alice@example.com",
		From:      []types.Address{{Name: "Alice", Address: "alice@example.com"}},
		To:        []types.Address{{Address: "bob@example.org"}},
		Subject:   "Quarterly numbers",
		Date:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		MessageID: "<fixed@example.com>",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *types.Message)
		wantErr bool
	}{
		{"valid", func(m *types.Message) { m.Text = "hi" }, false},
		{"no content", func(m *types.Message) {}, true},
		{"bad sender", func(m *types.Message) { m.Text = "hi"; m.From[0].Address = "nobody" }, true},
		{"no recipients", func(m *types.Message) { m.Text = "hi"; m.To = nil }, true},
		{"bad recipient", func(m *types.Message) { m.Text = "hi"; m.To[0].Address = "bob@" }, true},
		{"envelope only", func(m *types.Message) { m.Text = "hi"; m.To = nil; m.Envelope = []string{"bob@example.org"} }, false},
		{"bad envelope", func(m *types.Message) { m.Text = "hi"; m.Envelope = []string{"bob@"} }, true},
		{"attachment only", func(m *types.Message) {
			m.Attachments = []types.Attachment{{Filename: "a.txt", Content: []byte("x")}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMessage()
			tt.mutate(m)
			err := Validate(m)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestComposePlainText(t *testing.T) {
	m := testMessage()
	m.Text = "Hello Bob,\nthe numbers are in."

	raw, err := Compose(m)
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, "Content-Transfer-Encoding: quoted-printable")
	assert.Contains(t, s, "text/plain")
	assert.Contains(t, s, "Message-Id: <fixed@example.com>")
	assert.NotContains(t, s, "multipart/")

	parsed, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Quarterly numbers", parsed.Subject)
	assert.Equal(t, "alice@example.com", parsed.FromAddress())
	assert.Equal(t, []string{"bob@example.org"}, parsed.Recipients())
	assert.Equal(t, "<fixed@example.com>", parsed.MessageID)
	assert.Contains(t, parsed.Text, "the numbers are in.")
	assert.Contains(t, parsed.TextAsHTML, "<p>")
}

func TestComposeMultipart(t *testing.T) {
	m := testMessage()
	m.Text = "plain body"
	m.HTML = "<b>html body</b>"
	m.Attachments = []types.Attachment{{
		Filename:    "report.csv",
		ContentType: "text/csv",
		Content:     []byte("a,b\n1,2\n"),
	}}

	raw, err := Compose(m)
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, "multipart/mixed")
	assert.Contains(t, s, "multipart/alternative")
	assert.Contains(t, s, `boundary="`+Boundary(m)+`"`)
	assert.Contains(t, s, "Content-Disposition: attachment")
	assert.Contains(t, s, "Content-Transfer-Encoding: base64")

	again, err := Compose(m)
	require.NoError(t, err)
	assert.Equal(t, raw, again, "rendering must be stable")

	parsed, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Contains(t, parsed.Text, "plain body")
	assert.Contains(t, parsed.HTML, "<b>html body</b>")
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "report.csv", parsed.Attachments[0].Filename)
	assert.Equal(t, "a,b\n1,2\n", string(parsed.Attachments[0].Content))
	assert.Equal(t, Boundary(m), Boundary(parsed))
}

func TestComposeKeepsHeaderOrder(t *testing.T) {
	m := testMessage()
	m.Text = "x"
	m.HeaderLines = []types.HeaderLine{
		{Key: "received", Line: "Received: from relay.example.org by mx.example.com"},
		{Key: "x-mailer", Line: "X-Mailer: test"},
		{Key: "subject", Line: "Subject: stale copy"},
	}

	raw, err := Compose(m)
	require.NoError(t, err)
	s := string(raw)

	received := strings.Index(s, "Received:")
	mailer := strings.Index(s, "X-Mailer:")
	from := strings.Index(s, "From:")
	require.True(t, received >= 0 && mailer >= 0 && from >= 0)
	assert.Less(t, received, mailer)
	assert.Less(t, mailer, from)
	assert.NotContains(t, s, "stale copy")
}

func TestParseHeaders(t *testing.T) {
	raw := "Received: from a by b\r\n" +
		"From: =?utf-8?q?J=C3=BCrgen?= <Juergen@Example.com>\r\n" +
		"To: bob@example.org\r\n" +
		"Cc: carol@example.org\r\n" +
		"Subject: hello\r\n" +
		"Message-Id: abc@example.com\r\n" +
		"\r\n" +
		"body\r\n"

	msg, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Jürgen", msg.From[0].Name)
	assert.Equal(t, "juergen@example.com", msg.FromAddress())
	assert.Equal(t, []string{"bob@example.org", "carol@example.org"}, msg.Recipients())
	assert.Equal(t, "<abc@example.com>", msg.MessageID)
	assert.Equal(t, "hello", msg.Headers["subject"])
	require.NotEmpty(t, msg.HeaderLines)
	assert.Equal(t, "received", msg.HeaderLines[0].Key)
	assert.Equal(t, "Received: from a by b", msg.HeaderLines[0].Line)
	assert.Equal(t, "body\r\n", msg.Text)
}

func TestParseAssignsMessageID(t *testing.T) {
	raw := "From: carol@remote.test\r\n" +
		"To: bob@example.org\r\n" +
		"Subject: no id\r\n" +
		"\r\n" +
		"body\r\n"

	msg, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	require.NotEmpty(t, msg.MessageID)
	assert.True(t, strings.HasSuffix(msg.MessageID, "@remote.test>"), msg.MessageID)

	// both renditions so the boundary, derived from the id, is exercised too
	msg.HTML = "<p>body</p>"
	first, second := *msg, *msg
	a, err := Compose(&first)
	require.NoError(t, err)
	b, err := Compose(&second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Contains(t, string(a), "Message-Id: "+msg.MessageID)

	other, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	assert.NotEqual(t, msg.MessageID, other.MessageID)
}

func TestWithoutBcc(t *testing.T) {
	m := testMessage()
	m.Text = "x"
	m.Headers = map[string]string{"bcc": "eve@example.org", "subject": "Quarterly numbers"}
	m.HeaderLines = []types.HeaderLine{
		{Key: "received", Line: "Received: from a by b"},
		{Key: "bcc", Line: "Bcc: eve@example.org"},
	}

	public := WithoutBcc(m)
	assert.Equal(t, []types.HeaderLine{{Key: "received", Line: "Received: from a by b"}}, public.HeaderLines)
	assert.NotContains(t, public.Headers, "bcc")
	assert.Equal(t, "Quarterly numbers", public.Headers["subject"])

	// the original keeps its Bcc for the author's copy
	assert.Len(t, m.HeaderLines, 2)
	assert.Contains(t, m.Headers, "bcc")

	raw, err := Compose(public)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "eve@example.org")
}

func TestTextAsHTML(t *testing.T) {
	got := TextAsHTML("a < b\nline two\n\nsecond")
	assert.Equal(t, "<p>a &lt; b<br/>line two</p><p>second</p>", got)
}
