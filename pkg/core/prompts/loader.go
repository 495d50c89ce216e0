package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// TemplateLoader loads template resources from a directory tree and caches
// them by id. Ids derive from the relative path, separator replaced by dots:
// "user/entities_extraction.md" -> "user.entities_extraction". Templates that
// declare a frontmatter name are additionally reachable under that name.
//
// In dev mode a cached entry is invalidated when the backing file's mtime
// changes, so prompt edits land without a restart. Entries are always
// replaced whole; readers never observe a half-written record.
type TemplateLoader struct {
	baseDir string
	devMode bool

	mu    sync.RWMutex
	cache map[string]*cachedTemplate
}

type cachedTemplate struct {
	tmpl    *PromptTemplate
	path    string
	modTime time.Time
}

// NewTemplateLoader creates a loader rooted at baseDir.
func NewTemplateLoader(baseDir string, devMode bool) *TemplateLoader {
	return &TemplateLoader{
		baseDir: baseDir,
		devMode: devMode,
		cache:   make(map[string]*cachedTemplate),
	}
}

var templateExts = map[string]bool{".md": true, ".tmpl": true, ".txt": true}

// LoadAll walks the base directory and registers every template file.
func (l *TemplateLoader) LoadAll() error {
	if _, err := os.Stat(l.baseDir); os.IsNotExist(err) {
		return fmt.Errorf("template directory not found: %s", l.baseDir)
	}
	count := 0
	err := filepath.Walk(l.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !templateExts[filepath.Ext(path)] {
			return nil
		}
		if _, err := l.loadFile(path, info.ModTime()); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	pkgLog.Info("templates loaded", "dir", l.baseDir, "count", count)
	return nil
}

func (l *TemplateLoader) loadFile(path string, modTime time.Time) (*PromptTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	id := l.idFromPath(path)
	tmpl, err := ParseTemplateSource(string(data), id)
	if err != nil {
		return nil, err
	}
	entry := &cachedTemplate{tmpl: tmpl, path: path, modTime: modTime}

	l.mu.Lock()
	l.cache[id] = entry
	if tmpl.Metadata.Name != "" && tmpl.Metadata.Name != id {
		l.cache[tmpl.Metadata.Name] = entry
	}
	l.mu.Unlock()
	return tmpl, nil
}

func (l *TemplateLoader) idFromPath(path string) string {
	rel, err := filepath.Rel(l.baseDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(rel, string(filepath.Separator), ".")
}

// Get returns the named template. The returned value is a copy, so callers
// may attach parsers without mutating the cache.
func (l *TemplateLoader) Get(name string) (*PromptTemplate, error) {
	l.mu.RLock()
	entry, ok := l.cache[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	if l.devMode {
		if info, err := os.Stat(entry.path); err == nil && info.ModTime().After(entry.modTime) {
			if reloaded, err := l.loadFile(entry.path, info.ModTime()); err == nil {
				cp := *reloaded
				return &cp, nil
			}
			// Reload failure keeps serving the stale entry.
			pkgLog.Warn("template hot reload failed, serving cached copy", "template", name)
		}
	}
	cp := *entry.tmpl
	return &cp, nil
}

// Exists reports whether a template id resolves.
func (l *TemplateLoader) Exists(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.cache[name]
	return ok
}

// List returns all registered template ids, sorted.
func (l *TemplateLoader) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.cache))
	for id := range l.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of cache entries.
func (l *TemplateLoader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cache)
}

// Register inserts a template directly. Used by tests and by callers that
// assemble templates in memory.
func (l *TemplateLoader) Register(tmpl *PromptTemplate) error {
	if tmpl.Metadata.Name == "" {
		return fmt.Errorf("template name cannot be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[tmpl.Metadata.Name] = &cachedTemplate{tmpl: tmpl, modTime: time.Now()}
	return nil
}
