package watchlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File is the on-disk watch list format.
type File struct {
	Avatars        []string `yaml:"avatars"`
	AvatarKeywords []string `yaml:"avatar_keywords"`
	Groups         []string `yaml:"groups"`
}

// List answers watch-list questions for avatar names and group ids.
// Matching is case-insensitive. It is safe for concurrent use.
type List struct {
	mu       sync.RWMutex
	avatars  map[string]struct{}
	keywords []string
	groups   map[string]struct{}

	path   string
	logger *slog.Logger
}

func New(f File) *List {
	l := &List{logger: slog.Default()}
	l.replace(f)
	return l
}

// Load reads path. A missing file yields an empty list that a later Reload
// can fill.
func Load(path string, logger *slog.Logger) (*List, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := New(File{})
	l.path = path
	l.logger = logger
	if path == "" {
		return l, nil
	}
	if err := l.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return l, nil
}

func (l *List) Reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read watch list: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse watch list %s: %w", l.path, err)
	}
	l.replace(f)
	l.logger.Info("watch list loaded", "path", l.path, "avatars", len(f.Avatars), "keywords", len(f.AvatarKeywords), "groups", len(f.Groups))
	return nil
}

func (l *List) replace(f File) {
	avatars := make(map[string]struct{}, len(f.Avatars))
	for _, a := range f.Avatars {
		if k := normalize(a); k != "" {
			avatars[k] = struct{}{}
		}
	}
	keywords := make([]string, 0, len(f.AvatarKeywords))
	for _, kw := range f.AvatarKeywords {
		if k := normalize(kw); k != "" {
			keywords = append(keywords, k)
		}
	}
	groups := make(map[string]struct{}, len(f.Groups))
	for _, g := range f.Groups {
		if k := normalize(g); k != "" {
			groups[k] = struct{}{}
		}
	}
	l.mu.Lock()
	l.avatars, l.keywords, l.groups = avatars, keywords, groups
	l.mu.Unlock()
}

// IsWatched reports whether an avatar name is listed or contains a keyword.
func (l *List) IsWatched(name string) bool {
	k := normalize(name)
	if k == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.avatars[k]; ok {
		return true
	}
	for _, kw := range l.keywords {
		if strings.Contains(k, kw) {
			return true
		}
	}
	return false
}

// WatchedGroups returns the subset of groups on the list.
func (l *List) WatchedGroups(groups []string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for _, g := range groups {
		if _, ok := l.groups[normalize(g)]; ok {
			out = append(out, g)
		}
	}
	return out
}

// Watch reloads the list whenever its file is written until ctx is done.
func (l *List) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch list watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck
	// Editors replace files by rename, so watch the directory.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Warn("watch list reload failed", "path", l.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("watch list watcher error", "error", err)
		}
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
