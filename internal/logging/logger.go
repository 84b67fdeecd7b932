/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/gologme/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug      bool   `mapstructure:"debug"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Factory hands out component loggers that share one output and level set.
type Factory struct {
	out   io.Writer
	debug bool
}

func NewFactory(cfg Config) *Factory {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}
	return &Factory{out: out, debug: cfg.Debug}
}

// Writer exposes the shared output, e.g. for the HTTP metrics server.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// New returns a logger whose messages are prefixed with the coloured
// component name.
func (f *Factory) New(component string, attr color.Attribute) *log.Logger {
	name := color.New(attr).SprintfFunc()
	logger := log.New(f.out, fmt.Sprintf("[ %s ] ", name(component)), log.LstdFlags|log.Lmsgprefix)
	logger.EnableLevel("info")
	logger.EnableLevel("warn")
	logger.EnableLevel("error")
	if f.debug {
		logger.EnableLevel("debug")
	}
	return logger
}

// Discard returns a logger that drops everything, for tests and optional
// collaborators.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
