// SPDX-License-Identifier: MPL-2.0

// Package logging builds the process logger. The daemon writes it to
// stderr; stdout carries IPC traffic.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// Options configures New.
type Options struct {
	// Level is "debug", "info", "warn" or "error". Empty means info.
	Level string
	// Prefix is printed before each message.
	Prefix string
	// Timestamps adds a time to each line.
	Timestamps bool
	// JSON selects the JSON formatter instead of text.
	JSON bool
}

// ParseLevel parses a configured level name.
func ParseLevel(s string) (log.Level, error) {
	if s == "" {
		return log.InfoLevel, nil
	}
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// New creates a logger writing to w.
func New(w io.Writer, opts Options) (*log.Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	formatter := log.TextFormatter
	if opts.JSON {
		formatter = log.JSONFormatter
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          opts.Prefix,
		ReportTimestamp: opts.Timestamps,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
