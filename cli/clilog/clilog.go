// Package clilog builds the logger of the pgcrypto command from its logging
// options.
package clilog

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/xerrors"
	"gopkg.in/natefinch/lumberjack.v2"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"cdr.dev/slog/v3/sloggers/slogjson"

	"github.com/coder/serpent"
)

type (
	Option  func(*Builder)
	Builder struct {
		Filter  []string
		Human   string
		JSON    string
		Verbose bool
	}
)

func New(opts ...Option) *Builder {
	b := &Builder{
		Human: "/dev/stderr",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func WithFilter(filters ...string) Option {
	return func(b *Builder) {
		b.Filter = filters
	}
}

func WithHuman(loc string) Option {
	return func(b *Builder) {
		b.Human = loc
	}
}

func WithJSON(loc string) Option {
	return func(b *Builder) {
		b.JSON = loc
	}
}

func WithVerbose(verbose bool) Option {
	return func(b *Builder) {
		b.Verbose = verbose
	}
}

// Build returns the logger and a function closing its log files. Locations
// are "/dev/stdout", "/dev/stderr" (the invocation's streams), a file path
// rotated by lumberjack, or empty to disable the sink.
func (b *Builder) Build(inv *serpent.Invocation) (log slog.Logger, closeLog func(), err error) {
	var (
		sinks   = []slog.Sink{}
		closers = []func() error{}
	)
	defer func() {
		if err != nil {
			for _, closer := range closers {
				_ = closer()
			}
		}
	}()

	noopClose := func() {}
	addSinkIfProvided := func(sinkFn func(io.Writer) slog.Sink, loc string) {
		switch loc {
		case "":
		case "/dev/stdout":
			sinks = append(sinks, sinkFn(inv.Stdout))
		case "/dev/stderr":
			sinks = append(sinks, sinkFn(inv.Stderr))
		default:
			logWriter := &LumberjackWriteCloseFixer{Writer: &lumberjack.Logger{
				Filename: loc,
				MaxSize:  5, // MB
				// Without this, rotated logs will never be deleted.
				MaxBackups: 1,
			}}
			closers = append(closers, logWriter.Close)
			sinks = append(sinks, sinkFn(logWriter))
		}
	}
	addSinkIfProvided(sloghuman.Sink, b.Human)
	addSinkIfProvided(slogjson.Sink, b.JSON)

	filter := &debugFilterSink{next: sinks}
	if err := filter.compile(b.Filter); err != nil {
		return slog.Logger{}, noopClose, xerrors.Errorf("compile filters: %w", err)
	}
	level := slog.LevelInfo
	// Debug logging is always enabled if a filter is present.
	if b.Verbose || filter.re != nil {
		level = slog.LevelDebug
	}
	return slog.Make(filter).Leveled(level), func() {
		for _, closer := range closers {
			_ = closer()
		}
	}, nil
}

var _ slog.Sink = &debugFilterSink{}

// debugFilterSink drops debug entries whose logger name and message match
// none of the filters.
type debugFilterSink struct {
	next []slog.Sink
	re   *regexp.Regexp
}

func (f *debugFilterSink) compile(res []string) error {
	if len(res) == 0 {
		return nil
	}
	var reb strings.Builder
	for i, re := range res {
		_, _ = fmt.Fprintf(&reb, "(%s)", re)
		if i != len(res)-1 {
			_, _ = reb.WriteRune('|')
		}
	}
	re, err := regexp.Compile(reb.String())
	if err != nil {
		return xerrors.Errorf("compile regex: %w", err)
	}
	f.re = re
	return nil
}

func (f *debugFilterSink) LogEntry(ctx context.Context, ent slog.SinkEntry) {
	if ent.Level == slog.LevelDebug {
		logName := strings.Join(ent.LoggerNames, ".")
		if f.re != nil && !f.re.MatchString(logName) && !f.re.MatchString(ent.Message) {
			return
		}
	}
	for _, sink := range f.next {
		sink.LogEntry(ctx, ent)
	}
}

func (f *debugFilterSink) Sync() {
	for _, sink := range f.next {
		sink.Sync()
	}
}

// LumberjackWriteCloseFixer is a wrapper around an io.WriteCloser that
// prevents writes after Close. This is necessary because lumberjack
// re-opens the file on Write.
type LumberjackWriteCloseFixer struct {
	Writer io.WriteCloser

	mu     sync.Mutex // Protects following.
	closed bool
}

func (c *LumberjackWriteCloseFixer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.Writer.Close()
}

func (c *LumberjackWriteCloseFixer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.Writer.Write(p)
}
