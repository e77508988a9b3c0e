package policy

import (
	"context"
	"encoding/json"
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

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 500 * time.Millisecond

// decoders turn the bytes of one policy file into policies, by extension.
var decoders = map[string]func(path string, data []byte) ([]Policy, error){
	".rego": decodeRego,
	".json": decodeJSON,
}

type cachedFile struct {
	modTime  time.Time
	policies []Policy
}

// Loader reads admission policies from .rego files and JSON policy or
// bundle files. Parsed files are cached until their mtime changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedFile
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedFile),
	}
}

// LoadFromPaths loads every policy under paths. A path that does not exist
// is an error; a file inside a directory that fails to parse is skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, root := range paths {
		found, err := l.loadRoot(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		all = append(all, found...)
	}

	l.logger.Info().Int("policies", len(all)).Strs("paths", paths).Msg("Loaded policy files")
	return all, nil
}

func (l *Loader) loadRoot(ctx context.Context, root string) ([]Policy, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return l.loadFromFile(ctx, root)
	}

	var found []Policy
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case d.IsDir() || !isPolicyFile(path):
			return nil
		}

		policies, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		found = append(found, policies...)
		return nil
	})
	return found, err
}

func isPolicyFile(path string) bool {
	_, ok := decoders[filepath.Ext(path)]
	return ok
}

func (l *Loader) loadFromFile(_ context.Context, path string) ([]Policy, error) {
	decode, ok := decoders[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file type: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	hit, ok := l.cache[path]
	l.mu.Unlock()
	if ok && hit.modTime.Equal(info.ModTime()) {
		return hit.policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	policies, err := decode(path, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedFile{modTime: info.ModTime(), policies: policies}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Int("policies", len(policies)).Msg("Parsed policy file")
	return policies, nil
}

// decodeRego names the policy after the file and takes its description from
// the leading comment block. File policies warn unless they declare
// otherwise in a JSON wrapper.
func decodeRego(path string, data []byte) ([]Policy, error) {
	now := time.Now()
	src := string(data)
	return []Policy{{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(src),
		Rego:        src,
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{},
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}}, nil
}

// decodeJSON accepts a single Policy object or a Bundle with a "policies"
// array.
func decodeJSON(path string, data []byte) ([]Policy, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid policy JSON in %s: %w", path, err)
	}

	var policies []Policy
	if _, isBundle := probe["policies"]; isBundle {
		var b Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("invalid policy bundle %s: %w", path, err)
		}
		policies = b.Policies
	} else {
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid policy JSON in %s: %w", path, err)
		}
		policies = []Policy{p}
	}

	now := time.Now()
	for i := range policies {
		p := &policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("policy #%d in %s has no name", i, path)
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
	}
	return policies, nil
}

// leadingComment joins the "#" lines before the first statement.
func leadingComment(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		text, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}

// Watch reloads the policies under paths whenever a policy file changes and
// hands the full set to apply. It returns once the watches are in place; the
// watcher stops with ctx.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	for _, root := range paths {
		if err := addWatches(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, w, paths, apply)
	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

// addWatches registers root and, for a directory, every directory below it.
func addWatches(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer w.Close()

	debounce := time.NewTimer(reloadDelay)
	debounce.Stop()
	defer debounce.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addWatches(w, ev.Name)
					continue
				}
			}
			if ev.Op&relevant == 0 || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			debounce.Reset(reloadDelay)

		case <-debounce.C:
			if err := l.reload(ctx, paths, apply); err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous set")
			}

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
		return err
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	return nil
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedFile)
	l.mu.Unlock()
}
