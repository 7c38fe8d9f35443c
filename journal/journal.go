// Package journal records timestamped stream values as JSON lines.
//
// Each log file is written through a zerolog diode so a slow disk drops lines
// instead of stalling the worker that produced them.
package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"

	"github.com/timzifer/steerlink/runtime/consumer"
	"github.com/timzifer/steerlink/runtime/history"
	"github.com/timzifer/steerlink/telemetry"
)

// Settings configure a journal.
type Settings struct {
	Dir          string
	Buffer       int
	PollInterval time.Duration
}

// Journal groups the logs of one session under a common directory.
type Journal struct {
	session   string
	dir       string
	buffer    int
	poll      time.Duration
	collector telemetry.Collector

	mu     sync.Mutex
	logs   map[string]*Log
	closed bool
}

// Log is a single JSON lines file for one root element.
type Log struct {
	root   string
	path   string
	logger zerolog.Logger
	writer diode.Writer
}

// Open creates the session directory below settings.Dir.
func Open(settings Settings, collector telemetry.Collector) (*Journal, error) {
	base := strings.TrimSpace(settings.Dir)
	if base == "" {
		return nil, errors.New("journal directory must not be empty")
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	session := uuid.NewString()
	dir := filepath.Join(base, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir %s: %w", dir, err)
	}
	buffer := settings.Buffer
	if buffer <= 0 {
		buffer = 1000
	}
	poll := settings.PollInterval
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	return &Journal{
		session:   session,
		dir:       dir,
		buffer:    buffer,
		poll:      poll,
		collector: collector,
		logs:      make(map[string]*Log),
	}, nil
}

// Session returns the session identifier.
func (j *Journal) Session() string { return j.session }

// Dir returns the session directory.
func (j *Journal) Dir() string { return j.dir }

// Log returns the log for root, creating its file on first use.
func (j *Journal) Log(root string) (*Log, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("journal root element must not be empty")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, errors.New("journal closed")
	}
	if existing, ok := j.logs[root]; ok {
		return existing, nil
	}
	path := filepath.Join(j.dir, root+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	sinkName := "journal." + root
	writer := diode.NewWriter(file, j.buffer, j.poll, func(missed int) {
		j.collector.IncSinkDropped(sinkName, uint64(missed))
	})
	logger := zerolog.New(writer).With().Str("session", j.session).Logger()
	log := &Log{root: root, path: path, logger: logger, writer: writer}
	j.logs[root] = log
	return log, nil
}

// Close flushes and closes every log.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	var errs []error
	for _, log := range j.logs {
		if err := log.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal %s: %w", log.path, err))
		}
	}
	return errors.Join(errs...)
}

// Root returns the root element name.
func (l *Log) Root() string { return l.root }

// Path returns the file path.
func (l *Log) Path() string { return l.path }

// Record appends one entry. It never blocks on disk I/O.
func Record[T any](l *Log, value history.Timestamped[T]) {
	l.logger.Log().
		Int64("time_usec", value.Timestamp.UnixMicro()).
		Interface(l.root, value.Value).
		Send()
}

// Handler returns a consumer handler recording every value into l.
func Handler[T any](l *Log) consumer.Handler[T] {
	if l == nil {
		panic("journal: handler requires a log")
	}
	return consumer.HandlerFunc[T](func(value history.Timestamped[T]) error {
		Record(l, value)
		return nil
	})
}
