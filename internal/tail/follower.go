package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultPollInterval = time.Second

type Options struct {
	// StartAtEnd skips content already present in the file found at
	// startup. Files that appear later are always read from the start.
	StartAtEnd   bool
	PollInterval time.Duration
	Health       HealthPolicy
	Logger       *slog.Logger
}

var errNoMatch = errors.New("no file matches pattern")

// Follower delivers the lines appended to the newest file matching a glob,
// switching to a newer file when the client rotates its log.
type Follower struct {
	pattern    string
	startAtEnd bool
	poll       time.Duration
	policy     HealthPolicy
	logger     *slog.Logger

	mu     sync.Mutex
	health HealthState
}

func New(pattern string, opts Options) *Follower {
	f := &Follower{
		pattern:    pattern,
		startAtEnd: opts.StartAtEnd,
		poll:       opts.PollInterval,
		policy:     opts.Health,
		logger:     opts.Logger,
	}
	if f.policy == (HealthPolicy{}) {
		f.policy = DefaultHealthPolicy()
	}
	if f.poll <= 0 {
		f.poll = defaultPollInterval
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With("source", pattern)
	return f
}

func (f *Follower) Pattern() string {
	return f.pattern
}

// Health reports the follower's read health. A follower that has not run
// yet is ok.
func (f *Follower) Health() HealthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.health
	if h.Current == "" {
		h.Current = HealthOK
	}
	return h
}

func (f *Follower) report(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.health.Current
	f.health = NextHealth(f.policy, f.health, err == nil, time.Now().UTC())
	f.health.Path = path
	if err != nil {
		f.health.LastError = err.Error()
	}
	if prev != "" && prev != f.health.Current {
		f.logger.Info("log source health changed", "from", prev, "to", f.health.Current)
	}
}

// Run calls emit for every complete line in arrival order until ctx is done.
// emit runs on the caller's goroutine.
func (f *Follower) Run(ctx context.Context, emit func(line string)) error {
	wake, stopWatch := f.watch()
	defer stopWatch()
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-wake:
		case <-ticker.C:
		}
		return true
	}

	startup := true
	var cur *openFile
	// offsets remembers where reading stopped in files left behind, so a
	// file that becomes the newest again is not replayed.
	offsets := map[string]int64{}
	release := func() {
		offsets[cur.path] = cur.resumeOffset()
		cur.close()
		cur = nil
	}
	defer func() {
		if cur != nil {
			cur.close()
		}
	}()

	for ctx.Err() == nil {
		if cur == nil {
			path, err := Newest(f.pattern)
			if err != nil {
				return err
			}
			if path == "" {
				startup = false
				f.report("", errNoMatch)
				if !wait() {
					return nil
				}
				continue
			}
			cur, err = openAt(path, offsets[path], startup && f.startAtEnd)
			startup = false
			if err != nil {
				f.logger.Warn("open log file failed", "path", path, "error", err)
				f.report(path, err)
				if !wait() {
					return nil
				}
				continue
			}
			f.logger.Info("following log file", "path", path, "offset", cur.offset)
		}

		if err := cur.drain(ctx, emit); err != nil {
			f.logger.Warn("read log file failed", "path", cur.path, "error", err)
			f.report(cur.path, err)
			release()
			continue
		}

		if next, err := Newest(f.pattern); err == nil && next != "" && next != cur.path {
			if err := cur.drain(ctx, emit); err != nil {
				f.logger.Warn("final read of rotated file failed", "path", cur.path, "error", err)
			}
			cur.flushPending(emit)
			f.logger.Info("log file rotated", "from", cur.path, "to", next)
			release()
			continue
		}

		if err := cur.resetIfTruncated(); err != nil {
			f.logger.Warn("stat log file failed", "path", cur.path, "error", err)
			f.report(cur.path, err)
			release()
			continue
		}
		f.report(cur.path, nil)
		if !wait() {
			return nil
		}
	}
	return nil
}

// watch returns a channel that fires on changes in the glob's directory.
// Without fsnotify the follower still polls.
func (f *Follower) watch() (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.logger.Debug("fsnotify unavailable, polling only", "error", err)
		return wake, func() {}
	}
	if err := w.Add(filepath.Dir(f.pattern)); err != nil {
		f.logger.Debug("fsnotify watch failed, polling only", "error", err)
		_ = w.Close()
		return wake, func() {}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Debug("fsnotify error", "error", err)
			}
		}
	}()
	return wake, func() {
		close(done)
		_ = w.Close()
	}
}

type openFile struct {
	path    string
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	pending strings.Builder
}

// openAt opens path at its end when atEnd is set, otherwise at resume. A
// resume offset past the end means the file was truncated and reading
// starts over.
func openAt(path string, resume int64, atEnd bool) (*openFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var offset int64
	switch {
	case atEnd:
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("seek end: %w", err)
		}
	case resume > 0:
		st, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("stat: %w", err)
		}
		if st.Size() >= resume {
			if offset, err = file.Seek(resume, io.SeekStart); err != nil {
				_ = file.Close()
				return nil, fmt.Errorf("seek resume: %w", err)
			}
		}
	}
	return &openFile{path: path, file: file, reader: bufio.NewReaderSize(file, 64*1024), offset: offset}, nil
}

// drain emits every complete line currently readable. A trailing partial
// line is kept until its newline arrives.
func (o *openFile) drain(ctx context.Context, emit func(string)) error {
	for ctx.Err() == nil {
		chunk, err := o.reader.ReadString('\n')
		o.offset += int64(len(chunk))
		if err == nil {
			o.pending.WriteString(chunk)
			line := strings.TrimRight(o.pending.String(), "\r\n")
			o.pending.Reset()
			emit(line)
			continue
		}
		o.pending.WriteString(chunk)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// resumeOffset is the offset of the first byte not yet emitted.
func (o *openFile) resumeOffset() int64 {
	return o.offset - int64(o.pending.Len())
}

func (o *openFile) flushPending(emit func(string)) {
	if o.pending.Len() == 0 {
		return
	}
	line := strings.TrimRight(o.pending.String(), "\r\n")
	o.pending.Reset()
	if line != "" {
		emit(line)
	}
}

func (o *openFile) resetIfTruncated() error {
	st, err := o.file.Stat()
	if err != nil {
		return err
	}
	if st.Size() >= o.offset {
		return nil
	}
	if _, err := o.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	o.reader.Reset(o.file)
	o.offset = 0
	o.pending.Reset()
	return nil
}

func (o *openFile) close() {
	_ = o.file.Close()
}

// Newest returns the most recently modified regular file matching pattern,
// or "" when there is none.
func Newest(pattern string) (string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob %q: %w", pattern, err)
	}
	var (
		best    string
		bestMod time.Time
	)
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		mod := st.ModTime()
		if best == "" || mod.After(bestMod) || (mod.Equal(bestMod) && m > best) {
			best, bestMod = m, mod
		}
	}
	return best, nil
}
