package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultFileSeverity is the severity given to policies loaded from .rego
// files, which carry no metadata of their own.
const DefaultFileSeverity = SeverityError

// reloadDelay coalesces a burst of file events into a single reload.
const reloadDelay = 500 * time.Millisecond

const (
	extRego = ".rego"
	extJSON = ".json"
)

func isPolicyFile(name string) bool {
	switch filepath.Ext(name) {
	case extRego, extJSON:
		return true
	}
	return false
}

// Loader reads command policies from .rego and .json files and can keep
// them current while the files change on disk.
type Loader struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
}

// NewLoader creates a Loader with an empty file cache.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths reads every policy under paths. A path may name a single
// policy file or a directory, which is searched recursively. A missing
// path is an error; an unreadable file inside a directory is skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, p := range paths {
		found, err := l.collect(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", p, err)
		}
		out = append(out, found...)
	}

	l.logger.Info().
		Int("policies", len(out)).
		Strs("paths", paths).
		Msg("Loaded policy files")
	return out, nil
}

func (l *Loader) collect(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	p, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

func (l *Loader) loadFromDirectory(ctx context.Context, root string) ([]Policy, error) {
	var out []Policy
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable policy file")
			return nil
		}
		out = append(out, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	l.mu.RLock()
	p, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := l.readPolicy(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Read policy file")
	return p, nil
}

func (l *Loader) readPolicy(path string) (*Policy, error) {
	ext := filepath.Ext(path)
	if !isPolicyFile(path) {
		return nil, fmt.Errorf("%s: unsupported policy file type %q", path, ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if ext == extJSON {
		return decodeJSONPolicy(path, data)
	}
	src := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ext),
		Description: l.extractDescription(src),
		Rego:        src,
		Severity:    DefaultFileSeverity,
		Enabled:     true,
		Tags:        []string{},
		Source:      path,
	}, nil
}

func decodeJSONPolicy(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s: invalid policy JSON: %w", path, err)
	}
	switch {
	case p.Name == "":
		return nil, fmt.Errorf("%s: policy name is required", path)
	case p.Rego == "":
		return nil, fmt.Errorf("%s: policy %s has an empty rego field", path, p.Name)
	}
	if p.Severity == "" {
		p.Severity = DefaultFileSeverity
	}
	p.Source = path
	return &p, nil
}

// extractDescription joins the leading comment block of a Rego module.
// Empty comment lines are dropped and a "# package" line is ignored.
func (l *Loader) extractDescription(src string) string {
	var parts []string
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		text, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(parts) > 0 {
				break
			}
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "package") {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// Watch reloads the policies under paths whenever a policy file changes
// and hands the fresh set to apply. Watching stops when ctx is done or
// StopWatching is called. Directories created later are picked up.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}

	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		_ = w.Close()
		return errors.New("policy loader is already watching")
	}
	l.watcher = w
	l.mu.Unlock()

	scope := newWatchScope()
	for _, p := range paths {
		if err := scope.add(w, p); err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Cannot watch policy path")
		}
	}

	reload := newDebouncer(reloadDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := l.reload(ctx, paths, apply); err != nil {
			l.logger.Error().Err(err).Msg("Policy reload failed")
		}
	})

	go l.watchLoop(ctx, w, scope, reload)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy files")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, scope *watchScope, reload *debouncer) {
	defer reload.stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.StopWatching()
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) && scope.underDir(ev.Name) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := scope.addTree(w, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", ev.Name).Msg("Cannot watch new directory")
					}
					continue
				}
			}
			if !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) ||
				!isPolicyFile(ev.Name) || !scope.covers(ev.Name) {
				continue
			}

			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			l.forget(ev.Name)
			reload.trigger()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	return nil
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// StopWatching stops a running Watch. It is safe to call more than once.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}

// ClearCache drops every cached policy file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*Policy)
	l.mu.Unlock()
}

// watchScope tracks which files and directory trees a watcher serves.
// Single files are watched through their parent directory so that editors
// replacing the file by rename keep being seen.
type watchScope struct {
	mu    sync.Mutex
	dirs  []string
	files map[string]bool
}

func newWatchScope() *watchScope {
	return &watchScope{files: make(map[string]bool)}
}

func (s *watchScope) add(w *fsnotify.Watcher, path string) error {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		s.mu.Lock()
		s.dirs = append(s.dirs, path)
		s.mu.Unlock()
		return s.addTree(w, path)
	}

	s.mu.Lock()
	s.files[path] = true
	s.mu.Unlock()
	return w.Add(filepath.Dir(path))
}

func (s *watchScope) addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}

func (s *watchScope) underDir(name string) bool {
	name = filepath.Clean(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dirs {
		if name == d || strings.HasPrefix(name, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *watchScope) covers(name string) bool {
	s.mu.Lock()
	watched := s.files[filepath.Clean(name)]
	s.mu.Unlock()
	return watched || s.underDir(name)
}

// debouncer runs fn once delay has passed without another trigger.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
