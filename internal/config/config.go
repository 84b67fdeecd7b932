/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JB-SelfCompany/hostmail/internal/logging"
)

const EnvPrefix = "HOSTMAIL"

type SMTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	AddrTLS         string        `mapstructure:"addr_tls"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	AuthFailures    int           `mapstructure:"auth_failures"`
}

type IMAPConfig struct {
	Addr              string        `mapstructure:"addr"`
	AddrTLS           string        `mapstructure:"addr_tls"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	IdleInterval      time.Duration `mapstructure:"idle_interval"`
	MaxConnsPerIP     int           `mapstructure:"max_conns_per_ip"`
}

type OutboundConfig struct {
	Ports             []int         `mapstructure:"ports"`
	ConnectAttempts   int           `mapstructure:"connect_attempts"`
	ConnectBackoff    time.Duration `mapstructure:"connect_backoff"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	DeliveryAttempts  int           `mapstructure:"delivery_attempts"`
	DeliveryBackoff   time.Duration `mapstructure:"delivery_backoff"`
	PoolSize          int           `mapstructure:"pool_size"`
	PoolIdleTimeout   time.Duration `mapstructure:"pool_idle_timeout"`
	MXTTL             time.Duration `mapstructure:"mx_ttl"`
	DNSTimeout        time.Duration `mapstructure:"dns_timeout"`
	DomainHourlyLimit int           `mapstructure:"domain_hourly_limit"`
	Proxy             string        `mapstructure:"proxy"`
}

type DKIMConfig struct {
	Bits          int           `mapstructure:"bits"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Selector      string        `mapstructure:"selector"`
}

type StoreConfig struct {
	InsertAttempts int `mapstructure:"insert_attempts"`
}

// TLSConfig names the default certificate, used when no hosted domain has
// one for the requested name.
type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Hostname string         `mapstructure:"hostname"`
	Domains  string         `mapstructure:"domains"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	Outbound OutboundConfig `mapstructure:"outbound"`
	DKIM     DKIMConfig     `mapstructure:"dkim"`
	Store    StoreConfig    `mapstructure:"store"`
	TLS      TLSConfig      `mapstructure:"tls"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      logging.Config `mapstructure:"log"`
}

// DatabasePath is where the mail store lives inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "mail.db")
}

// DomainsPath is the domain configuration file, relative paths resolved
// against the data directory.
func (c *Config) DomainsPath() string {
	if filepath.IsAbs(c.Domains) {
		return c.Domains
	}
	return filepath.Join(c.DataDir, c.Domains)
}

// KeysDir holds per-domain key material.
func (c *Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("hostname", "localhost")
	v.SetDefault("domains", "domains.json")

	v.SetDefault("smtp.addr", ":25")
	v.SetDefault("smtp.addr_tls", ":465")
	v.SetDefault("smtp.max_message_bytes", 25*1024*1024)
	v.SetDefault("smtp.read_timeout", "60s")
	v.SetDefault("smtp.auth_failures", 5)

	v.SetDefault("imap.addr", ":143")
	v.SetDefault("imap.addr_tls", ":993")
	v.SetDefault("imap.inactivity_timeout", "30s")
	v.SetDefault("imap.idle_interval", "5s")
	v.SetDefault("imap.max_conns_per_ip", 10)

	v.SetDefault("outbound.ports", []int{25, 587, 465})
	v.SetDefault("outbound.connect_attempts", 3)
	v.SetDefault("outbound.connect_backoff", "1s")
	v.SetDefault("outbound.command_timeout", "30s")
	v.SetDefault("outbound.delivery_attempts", 3)
	v.SetDefault("outbound.delivery_backoff", "5s")
	v.SetDefault("outbound.pool_size", 16)
	v.SetDefault("outbound.pool_idle_timeout", "60s")
	v.SetDefault("outbound.mx_ttl", "1h")
	v.SetDefault("outbound.dns_timeout", "5s")
	v.SetDefault("outbound.domain_hourly_limit", 500)
	v.SetDefault("outbound.proxy", "")

	v.SetDefault("dkim.bits", 1024)
	v.SetDefault("dkim.check_interval", "5m")
	v.SetDefault("dkim.selector", "default")

	v.SetDefault("store.insert_attempts", 2)

	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.debug", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads the configuration. path may be empty, in which case only
// defaults, an optional .env file and HOSTMAIL_* variables apply.
func Load(path string) (*Config, error) {
	loadEnvFile(path)

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("v.ReadInConfig: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("v.Unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("data_dir must be set")
	case c.IMAP.MaxConnsPerIP <= 0:
		return errors.New("imap.max_conns_per_ip must be positive")
	case len(c.Outbound.Ports) == 0:
		return errors.New("outbound.ports must not be empty")
	case c.Store.InsertAttempts <= 0:
		return errors.New("store.insert_attempts must be positive")
	case c.DKIM.Bits < 1024:
		return fmt.Errorf("dkim.bits %d is below 1024", c.DKIM.Bits)
	}
	return nil
}

func loadEnvFile(path string) {
	if err := godotenv.Load(".env"); err == nil || path == "" {
		return
	}
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
}
