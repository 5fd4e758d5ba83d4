// Package prompts implements the versioned prompt registry. Templates live
// in the database (one active version per name) and are served from an
// in-process cache, so the hot path of a conversation turn never touches
// the database for a prompt.
package prompts

import (
	"context"
	"errors"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/repo"
)

// ErrPromptNotFound is returned when no active version exists for a name.
var ErrPromptNotFound = errors.New("prompt not found")

// Registry caches active prompt versions. Safe for concurrent use: reads
// take an RLock, Put/Reload swap cache entries under the write lock after
// the database transaction commits.
type Registry struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[string]domain.Prompt
}

// NewRegistry seeds missing defaults, loads every active prompt into the
// cache, and returns the ready registry.
func NewRegistry(ctx context.Context, db *gorm.DB) (*Registry, error) {
	r := &Registry{db: db, cache: map[string]domain.Prompt{}}
	if err := repo.SeedPromptDefaults(ctx, db, Defaults); err != nil {
		return nil, err
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the active version of name from the cache. It never performs
// I/O; ErrPromptNotFound means the name has no active version.
func (r *Registry) Get(name string) (domain.Prompt, error) {
	r.mu.RLock()
	p, ok := r.cache[name]
	r.mu.RUnlock()
	if !ok {
		return domain.Prompt{}, ErrPromptNotFound
	}
	return p, nil
}

// Render returns the active content of name with {placeholder} substitutions
// applied. Unknown placeholders in the template are left intact.
func (r *Registry) Render(name string, vars map[string]string) (string, error) {
	p, err := r.Get(name)
	if err != nil {
		return "", err
	}
	content := p.Content
	for k, v := range vars {
		content = strings.ReplaceAll(content, "{"+k+"}", v)
	}
	return content, nil
}

// Put stores a new version of name, activates it atomically, and updates
// the cache. Concurrent Get calls observe either the old or the new
// version, never an absent one.
func (r *Registry) Put(ctx context.Context, name, content, role string) (domain.Prompt, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Prompt{}, domain.NewValidationError("name", "must not be empty")
	}
	if strings.TrimSpace(content) == "" {
		return domain.Prompt{}, domain.NewValidationError("content", "must not be empty")
	}
	if role == "" {
		role = domain.RoleSystem
	}

	p, err := repo.CreatePromptVersion(ctx, r.db, name, content, role)
	if err != nil {
		return domain.Prompt{}, err
	}

	r.mu.Lock()
	r.cache[name] = *p
	r.mu.Unlock()
	return *p, nil
}

// Reload replaces the whole cache from the database. Used at startup and by
// the admin reload endpoint after out-of-band edits.
func (r *Registry) Reload(ctx context.Context) error {
	active, err := repo.ListActivePrompts(ctx, r.db)
	if err != nil {
		return err
	}
	next := make(map[string]domain.Prompt, len(active))
	for _, p := range active {
		next[p.Name] = p
	}

	r.mu.Lock()
	r.cache = next
	r.mu.Unlock()
	return nil
}

// Names returns the cached prompt names, for the admin listing.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cache))
	for name := range r.cache {
		out = append(out, name)
	}
	return out
}
