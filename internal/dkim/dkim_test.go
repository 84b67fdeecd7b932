package dkim

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	msgauth "github.com/emersion/go-msgauth/dkim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JB-SelfCompany/hostmail/internal/hosting"
	"github.com/JB-SelfCompany/hostmail/internal/logging"
	"github.com/JB-SelfCompany/hostmail/internal/metrics"
	"github.com/JB-SelfCompany/hostmail/internal/storage/filestore"
)

type fakeDomains struct {
	mu      sync.Mutex
	domains map[string]hosting.DomainConfig
}

func (f *fakeDomains) List() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for d := range f.domains {
		out = append(out, d)
	}
	return out
}

func (f *fakeDomains) Get(domain string) (hosting.DomainConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.domains[domain]
	return cfg, ok
}

func (f *fakeDomains) SetDKIM(domain string, paths hosting.DKIMPaths) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.domains[domain]
	cfg.Cert.DKIM = &paths
	f.domains[domain] = cfg
	return nil
}

type fakePublisher struct {
	records []hosting.Record
}

func (p *fakePublisher) Record(_ context.Context, r hosting.Record) error {
	p.records = append(p.records, r)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDomains, *fakePublisher, *filestore.FileStore) {
	t.Helper()
	files, err := filestore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	domains := &fakeDomains{domains: map[string]hosting.DomainConfig{
		"example.com": {DNS: map[string][]hosting.Record{"MX": {{Type: "MX", Name: "example.com", Value: "mail.example.com"}}}},
		"nomx.org":    {},
	}}
	pub := &fakePublisher{}
	m := NewManager(logging.Discard(), domains, pub, files, metrics.NewIsolated(), 1024, "default")
	return m, domains, pub, files
}

func TestCheckGeneratesOnce(t *testing.T) {
	m, domains, pub, files := newTestManager(t)

	require.NoError(t, m.Check(context.Background()))

	cfg, _ := domains.Get("example.com")
	require.NotNil(t, cfg.Cert.DKIM)
	assert.True(t, files.Exists(cfg.Cert.DKIM.Private))
	assert.True(t, files.Exists(cfg.Cert.DKIM.Public))

	nomx, _ := domains.Get("nomx.org")
	assert.Nil(t, nomx.Cert.DKIM, "domains without MX are skipped")

	require.Len(t, pub.records, 1)
	assert.Equal(t, "TXT", pub.records[0].Type)
	assert.Equal(t, "default._domainkey.example.com", pub.records[0].Name)
	assert.True(t, strings.HasPrefix(pub.records[0].Value, "v=DKIM1; k=rsa; p="))

	before, err := os.ReadFile(cfg.Cert.DKIM.Private)
	require.NoError(t, err)

	require.NoError(t, m.Check(context.Background()))
	assert.Len(t, pub.records, 1, "second check must not publish again")
	after, err := os.ReadFile(cfg.Cert.DKIM.Private)
	require.NoError(t, err)
	assert.Equal(t, before, after, "key must not be regenerated")
}

func TestSignerFor(t *testing.T) {
	m, domains, _, files := newTestManager(t)

	_, ok := m.SignerFor("example.com")
	assert.False(t, ok, "no key material yet")

	require.NoError(t, m.Check(context.Background()))
	signer, ok := m.SignerFor("example.com")
	require.True(t, ok)
	assert.Equal(t, "example.com", signer.Domain)

	// A key file that is not PEM is ignored.
	bad, err := files.Write("broken.net", "dkim-private.pem", []byte("not a key"), 0600)
	require.NoError(t, err)
	domains.domains["broken.net"] = hosting.DomainConfig{Cert: hosting.Cert{DKIM: &hosting.DKIMPaths{Private: bad}}}
	_, ok = m.SignerFor("broken.net")
	assert.False(t, ok)
}

func TestParsePrivateKey(t *testing.T) {
	key, err := GenerateKey(1024)
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(EncodePrivateKey(key))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pub, err := EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)
	_, err = ParsePrivateKey(pub)
	assert.True(t, errors.Is(err, ErrInvalidKey))

	_, err = ParsePrivateKey([]byte("garbage"))
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func verify(t *testing.T, key *rsa.PrivateKey, signed []byte) *msgauth.Verification {
	t.Helper()
	txt, err := TXTValue(&key.PublicKey)
	require.NoError(t, err)
	verifications, err := msgauth.VerifyWithOptions(bytes.NewReader(signed), &msgauth.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != RecordName("default", "example.com") {
				return nil, fmt.Errorf("no TXT record for %s", domain)
			}
			return []string{txt}, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, verifications, 1)
	return verifications[0]
}

const unsignedMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: hi  there\r\n" +
	"Date: Mon, 1 Jan 2024 00:00:00 +0000\r\n" +
	"Message-Id: <1@example.com>\r\n" +
	"X-Other: unsigned\r\n" +
	"\r\n" +
	"Hello   Bob\r\n\r\n\r\n"

func TestSignVerifies(t *testing.T) {
	key, err := GenerateKey(1024)
	require.NoError(t, err)
	s := NewSigner("Example.com", "default", key)

	signed, err := s.SignMessage([]byte(unsignedMessage))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(signed), "DKIM-Signature:"))
	assert.True(t, strings.HasSuffix(string(signed), unsignedMessage))

	sigHeader, _, _ := strings.Cut(string(signed), "\r\nFrom:")
	tags := strings.Join(strings.Fields(sigHeader), "")
	assert.Contains(t, tags, "a=rsa-sha256;")
	assert.Contains(t, tags, "c=relaxed/relaxed;")
	assert.Contains(t, tags, "d=example.com;")
	assert.Contains(t, tags, "h=from:to:subject:date:message-id;")

	v := verify(t, key, signed)
	assert.NoError(t, v.Err)
	assert.Equal(t, "example.com", v.Domain)
}

func TestSignToleratesRelaxedRewrites(t *testing.T) {
	key, err := GenerateKey(1024)
	require.NoError(t, err)
	signed, err := NewSigner("example.com", "default", key).SignMessage([]byte(unsignedMessage))
	require.NoError(t, err)

	// whitespace changes made by relays survive relaxed canonicalisation
	rewritten := strings.Replace(string(signed), "Subject: hi  there", "subject:  hi \t there ", 1)
	rewritten = strings.Replace(rewritten, "Hello   Bob\r\n", "Hello Bob  \r\n\r\n", 1)
	assert.NoError(t, verify(t, key, []byte(rewritten)).Err)

	tampered := strings.Replace(string(signed), "Subject: hi  there", "Subject: hi here", 1)
	assert.Error(t, verify(t, key, []byte(tampered)).Err)
}

func TestSignRequiresFrom(t *testing.T) {
	key, err := GenerateKey(1024)
	require.NoError(t, err)
	_, err = NewSigner("example.com", "default", key).Sign([]byte("To: bob@example.org\r\n\r\nhi\r\n"))
	assert.Error(t, err)

	_, err = (&Signer{Domain: "example.com", Selector: "default"}).Sign([]byte(unsignedMessage))
	assert.True(t, errors.Is(err, ErrInvalidKey))
}
