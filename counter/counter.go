// Package counter persists the DLMS invocation counter of a secured client
// between sessions as a decimal text file.
package counter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Store hands out the counter under a critical section shared by every store of the same path.
type Store interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is an acquired counter, Commit writes it back and ends the critical section.
type Lease interface {
	Value() uint32
	Commit(v uint32) error
}

var locks sync.Map // cleaned path -> chan struct{}

func lockfor(path string) chan struct{} {
	l, _ := locks.LoadOrStore(path, make(chan struct{}, 1))
	return l.(chan struct{})
}

type FileCounter struct {
	path   string
	logger *zap.SugaredLogger
}

func NewFile(path string) *FileCounter {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &FileCounter{path: filepath.Clean(path)}
}

func (f *FileCounter) SetLogger(logger *zap.SugaredLogger) {
	f.logger = logger
}

func (f *FileCounter) Path() string {
	return f.path
}

// Load reads the persisted value, a missing or unparseable file reads as 0.
func (f *FileCounter) Load() uint32 {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if f.logger != nil {
			msg := "invocation counter unreadable, starting at 0"
			if os.IsNotExist(err) {
				msg = "invocation counter file missing, starting at 0"
			}
			f.logger.Warnw(msg, "path", f.path, "error", err)
		}
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		if f.logger != nil {
			f.logger.Warnw("invocation counter unparseable, starting at 0", "path", f.path, "error", err)
		}
		return 0
	}
	return uint32(v)
}

func (f *FileCounter) Acquire(ctx context.Context) (Lease, error) {
	sem := lockfor(f.path)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for invocation counter %s: %w", f.path, ctx.Err())
	}
	return &lease{f: f, sem: sem, start: f.Load()}, nil
}

func (f *FileCounter) store(v uint32) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(strconv.FormatUint(uint64(v), 10)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

type lease struct {
	f     *FileCounter
	sem   chan struct{}
	start uint32
	once  sync.Once
	err   error
}

func (l *lease) Value() uint32 {
	return l.start
}

// Commit persists at least start+1 so a session never hands its values out again.
func (l *lease) Commit(v uint32) error {
	l.once.Do(func() {
		defer func() { <-l.sem }()
		if v <= l.start {
			v = l.start + 1
		}
		if v < l.start { // wrapped
			v = l.start
		}
		if err := l.f.store(v); err != nil {
			l.err = fmt.Errorf("persisting invocation counter %s: %w", l.f.path, err)
			return
		}
		if l.f.logger != nil {
			l.f.logger.Debugf("invocation counter %s stored %d", l.f.path, v)
		}
	})
	return l.err
}
