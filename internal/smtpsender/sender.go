/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpsender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/gologme/log"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"

	"github.com/JB-SelfCompany/hostmail/internal/dkim"
	"github.com/JB-SelfCompany/hostmail/internal/hosting"
	"github.com/JB-SelfCompany/hostmail/internal/logging"
	"github.com/JB-SelfCompany/hostmail/internal/mailmsg"
	"github.com/JB-SelfCompany/hostmail/internal/metrics"
	"github.com/JB-SelfCompany/hostmail/internal/ratelimit"
	"github.com/JB-SelfCompany/hostmail/internal/storage/types"
	"github.com/JB-SelfCompany/hostmail/internal/utils"
)

var ErrRateLimited = errors.New("destination domain hourly limit reached")

const (
	StatusSent   = "sent"
	StatusFailed = "failed"

	// recipients of one message delivered in parallel
	maxParallelRecipients = 4
)

type Options struct {
	Hostname          string
	Ports             []int
	ConnectAttempts   int
	ConnectBackoff    time.Duration
	CommandTimeout    time.Duration
	DeliveryAttempts  int
	DeliveryBackoff   time.Duration
	PoolSize          int
	PoolIdleTimeout   time.Duration
	MXTTL             time.Duration
	DNSTimeout        time.Duration
	DomainHourlyLimit int
	Proxy             string
}

// DialFunc opens the TCP connection to a remote exchanger.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SignerSource finds DKIM key material for a sending domain.
type SignerSource interface {
	SignerFor(domain string) (*dkim.Signer, bool)
}

type RecipientResult struct {
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type Result struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []RecipientResult `json:"results"`
	Errors     []string          `json:"errors"`
}

// Sender is the outbound delivery engine.
type Sender struct {
	opts       Options
	log        *log.Logger
	deliveries *logging.DeliveryLogger
	metrics    *metrics.Metrics
	domains    hosting.Domains
	signers    SignerSource
	mx         *MXCache
	pool       *Pool
	limiter    *ratelimit.Window
	dial       DialFunc
	tlsConfig  *tls.Config
}

// Config for the collaborators of a Sender. Resolver, Dial and TLSConfig
// may be left nil.
type Config struct {
	Options   Options
	Log       *log.Logger
	Metrics   *metrics.Metrics
	Domains   hosting.Domains
	Signers   SignerSource
	Resolver  Resolver
	Dial      DialFunc
	TLSConfig *tls.Config
}

func NewSender(cfg Config) (*Sender, error) {
	opts := cfg.Options
	if len(opts.Ports) == 0 {
		return nil, fmt.Errorf("no outbound ports configured")
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 1
	}
	if opts.DeliveryAttempts <= 0 {
		opts.DeliveryAttempts = 1
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.DomainHourlyLimit <= 0 {
		opts.DomainHourlyLimit = 500
	}
	dial := cfg.Dial
	if dial == nil {
		var err error
		if dial, err = newDialer(opts.Proxy, opts.CommandTimeout); err != nil {
			return nil, err
		}
	}
	s := &Sender{
		opts:       opts,
		log:        cfg.Log,
		deliveries: logging.NewDeliveryLogger(cfg.Log),
		metrics:    cfg.Metrics,
		domains:    cfg.Domains,
		signers:    cfg.Signers,
		mx:         NewMXCache(cfg.Resolver, opts.MXTTL, opts.DNSTimeout, cfg.Metrics),
		pool:       NewPool(opts.PoolSize, opts.PoolIdleTimeout),
		limiter:    ratelimit.NewWindow(opts.DomainHourlyLimit, time.Hour),
		dial:       dial,
		tlsConfig:  cfg.TLSConfig,
	}
	return s, nil
}

// newDialer dials directly, or through a SOCKS5 proxy when one is set.
func newDialer(proxyAddr string, timeout time.Duration) (DialFunc, error) {
	direct := &net.Dialer{Timeout: timeout}
	if proxyAddr == "" {
		return direct.DialContext, nil
	}
	d, err := proxy.SOCKS5("tcp", proxyAddr, nil, direct)
	if err != nil {
		return nil, fmt.Errorf("proxy.SOCKS5: %w", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}

func (s *Sender) Pool() *Pool {
	return s.pool
}

func (s *Sender) MX() *MXCache {
	return s.mx
}

func (s *Sender) Close() {
	s.pool.Close()
}

// Send validates msg, renders it once, signs it when the sending domain has
// DKIM material and delivers it to every recipient independently.
func (s *Sender) Send(ctx context.Context, msg *types.Message) (*Result, error) {
	if err := mailmsg.Validate(msg); err != nil {
		return nil, fmt.Errorf("mailmsg.Validate: %w", err)
	}
	if msg.MessageID == "" {
		msg.MessageID = mailmsg.NewMessageID(msg.FromAddress())
	}
	raw, err := s.render(msg)
	if err != nil {
		return nil, err
	}
	from := msg.FromAddress()

	rcpts := msg.Recipients()
	opID := msg.MessageID
	s.deliveries.StartOperation(opID, from, len(rcpts))
	defer s.deliveries.EndOperation(opID)

	result := &Result{
		Total:   len(rcpts),
		Results: make([]RecipientResult, len(rcpts)),
		Errors:  []string{},
	}
	errs := make([]error, len(rcpts))

	var g errgroup.Group
	g.SetLimit(maxParallelRecipients)
	for i, rcpt := range rcpts {
		i, rcpt := i, rcpt
		g.Go(func() error {
			errs[i] = s.deliverWithRetry(ctx, from, rcpt, raw)
			s.deliveries.LogRecipient(opID, rcpt, errs[i])
			return nil
		})
	}
	_ = g.Wait()

	for i, rcpt := range rcpts {
		rr := RecipientResult{Recipient: rcpt, Status: StatusSent}
		if errs[i] != nil {
			rr.Status = StatusFailed
			rr.Error = errs[i].Error()
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", rcpt, errs[i]))
		} else {
			result.Successful++
		}
		result.Results[i] = rr
	}
	return result, nil
}

// render composes msg without its Bcc header and prepends a DKIM signature
// when possible. A signing failure is logged and the message goes out
// unsigned.
func (s *Sender) render(msg *types.Message) ([]byte, error) {
	raw, err := mailmsg.Compose(mailmsg.WithoutBcc(msg))
	if err != nil {
		return nil, fmt.Errorf("mailmsg.Compose: %w", err)
	}
	if s.signers == nil {
		return raw, nil
	}
	signer, ok := s.signers.SignerFor(utils.DomainOf(msg.FromAddress()))
	if !ok {
		return raw, nil
	}
	signed, err := signer.SignMessage(raw)
	if err != nil {
		s.log.Warnf("DKIM signing for %s failed, sending unsigned: %s", msg.FromAddress(), err)
		return raw, nil
	}
	return signed, nil
}

// deliverWithRetry retries a recipient with linearly increasing delay.
// Permanent failures and rate limiting end the attempts early.
func (s *Sender) deliverWithRetry(ctx context.Context, from, rcpt string, raw []byte) error {
	domain := utils.DomainOf(rcpt)
	if !s.limiter.Allow(domain) {
		s.count("ratelimited")
		return fmt.Errorf("%w: %s", ErrRateLimited, domain)
	}

	var err error
	for attempt := 1; attempt <= s.opts.DeliveryAttempts; attempt++ {
		if err = s.deliver(ctx, from, rcpt, raw); err == nil {
			s.count(StatusSent)
			return nil
		}
		if isPermanentError(err) || attempt == s.opts.DeliveryAttempts {
			break
		}
		delay := calculateBackoff(s.opts.DeliveryBackoff, attempt)
		s.log.Printf("Delivery to %s failed (attempt %d/%d), retrying in %v: %s", rcpt, attempt, s.opts.DeliveryAttempts, delay, err)
		if serr := sleep(ctx, delay); serr != nil {
			break
		}
	}
	s.count(StatusFailed)
	return err
}

// deliver runs one SMTP transaction for one recipient.
func (s *Sender) deliver(ctx context.Context, from, rcpt string, raw []byte) error {
	host, err := s.mx.Lookup(ctx, utils.DomainOf(rcpt))
	if err != nil {
		return err
	}
	client, key, err := s.connect(ctx, host, utils.DomainOf(from))
	if err != nil {
		return err
	}

	if err := func() error {
		if err := client.Mail(from, nil); err != nil {
			return fmt.Errorf("client.Mail: %w", err)
		}
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("client.Rcpt: %w", err)
		}
		writer, err := client.Data()
		if err != nil {
			return fmt.Errorf("client.Data: %w", err)
		}
		if _, err := writer.Write(raw); err != nil {
			writer.Close() // nolint:errcheck
			return fmt.Errorf("writer.Write: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("writer.Close: %w", err)
		}
		return nil
	}(); err != nil {
		client.Close() // nolint:errcheck
		return err
	}

	s.pool.Put(key, client)
	return nil
}

// connect returns a ready client for host, trying each configured port in
// order. Pooled connections are preferred.
func (s *Sender) connect(ctx context.Context, host, fromDomain string) (*smtp.Client, string, error) {
	var auth hosting.SMTPAuth
	if s.domains != nil {
		if cfg, ok := s.domains.Get(fromDomain); ok && cfg.SMTP.Auth {
			auth = cfg.SMTP
		}
	}

	var lastErr error
	for _, port := range s.opts.Ports {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		key := addr
		if auth.Auth {
			key = auth.Username + "@" + addr
		}
		if pooled, ok := s.pool.Get(key).(*smtp.Client); ok && pooled != nil {
			s.poolCount("pool")
			return pooled, key, nil
		}
		client, err := s.dialClient(ctx, host, addr, port, auth)
		if err != nil {
			lastErr = err
			s.log.Debugf("Connecting to %s failed: %s", addr, err)
			continue
		}
		s.poolCount("dial")
		return client, key, nil
	}
	return nil, "", fmt.Errorf("no port of %s reachable: %w", host, lastErr)
}

func (s *Sender) dialClient(ctx context.Context, host, addr string, port int, auth hosting.SMTPAuth) (*smtp.Client, error) {
	conn, err := s.dialWithRetry(ctx, addr)
	if err != nil {
		return nil, err
	}
	tlsConfig := s.clientTLSConfig(host)
	implicitTLS := port == 465
	if implicitTLS {
		conn = tls.Client(conn, tlsConfig)
	}
	if s.opts.CommandTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.opts.CommandTimeout)) // nolint:errcheck
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp.NewClient: %w", err)
	}
	conn.SetDeadline(time.Time{}) // nolint:errcheck
	if s.opts.CommandTimeout > 0 {
		client.CommandTimeout = s.opts.CommandTimeout
		client.SubmissionTimeout = s.opts.CommandTimeout
	}

	if err := client.Hello(s.opts.Hostname); err != nil {
		client.Close()
		return nil, fmt.Errorf("client.Hello: %w", err)
	}
	if !implicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("client.StartTLS: %w", err)
			}
		}
	}
	if auth.Auth {
		if err := authenticate(client, auth); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// authenticate tries AUTH LOGIN and falls back to AUTH PLAIN.
func authenticate(client *smtp.Client, auth hosting.SMTPAuth) error {
	loginErr := client.Auth(sasl.NewLoginClient(auth.Username, auth.Password))
	if loginErr == nil {
		return nil
	}
	if err := client.Auth(sasl.NewPlainClient("", auth.Username, auth.Password)); err != nil {
		return fmt.Errorf("client.Auth: LOGIN: %s, PLAIN: %w", loginErr, err)
	}
	return nil
}

func (s *Sender) clientTLSConfig(host string) *tls.Config {
	if s.tlsConfig != nil {
		cfg := s.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

// dialWithRetry makes a bounded number of connection attempts with a
// linearly growing pause in between.
func (s *Sender) dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	var err error
	for attempt := 1; attempt <= s.opts.ConnectAttempts; attempt++ {
		var conn net.Conn
		dialCtx := ctx
		var cancel context.CancelFunc = func() {}
		if s.opts.CommandTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, s.opts.CommandTimeout)
		}
		conn, err = s.dial(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		if attempt == s.opts.ConnectAttempts {
			break
		}
		if serr := sleep(ctx, time.Duration(attempt)*s.opts.ConnectBackoff); serr != nil {
			return nil, serr
		}
	}
	return nil, fmt.Errorf("dial %s: %w", addr, err)
}

func (s *Sender) count(result string) {
	if s.metrics != nil {
		s.metrics.OutboundResults.WithLabelValues(result).Inc()
	}
}

func (s *Sender) poolCount(source string) {
	if s.metrics != nil {
		s.metrics.PoolReuse.WithLabelValues(source).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// calculateBackoff grows linearly with the attempt number.
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

// isPermanentError reports failures that will not succeed on retry: 5xx
// replies, missing exchangers and the rate limit.
func isPermanentError(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500
	}
	if errors.Is(err, ErrNoMX) || errors.Is(err, ErrRateLimited) {
		return true
	}
	return strings.Contains(err.Error(), "invalid address")
}
