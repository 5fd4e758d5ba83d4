package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/config"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/repo"
)

// Embedder turns texts into vectors. Satisfied by llm.Gateway.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Engine errors.
var (
	// ErrBuildInProgress rejects a rebuild while one is already running.
	ErrBuildInProgress = errors.New("catalog build already in progress")
	// ErrModelUnavailable means the embedding backend failed and search
	// cannot run. Callers degrade to the no-results reply.
	ErrModelUnavailable = errors.New("embedding model unavailable")
)

// embedBatchSize bounds one embedding request during index builds.
const embedBatchSize = 64

// Result is one search match after boosting.
type Result struct {
	Product Product `json:"product"`
	Score   float64 `json:"score"`   // raw similarity in [0,1]
	Boosted float64 `json:"boosted"` // score + lexical boost, used for ranking
}

// Engine serves vector search over the active catalog version and runs
// blue-green rebuilds. The served index is an atomic snapshot pointer:
// searches read whatever snapshot was active when they started, and a
// finished build swaps the pointer without blocking readers.
type Engine struct {
	db         *gorm.DB
	cfg        config.SearchConfig
	persistDir string
	embedder   Embedder
	log        *logging.Hybrid

	snapshot atomic.Pointer[Index]
	building atomic.Bool
}

// NewEngine builds an engine and loads the active version's index from disk.
// A missing or unreadable index is a warning, not a failure: the engine
// serves empty results until the next successful build.
func NewEngine(ctx context.Context, db *gorm.DB, cfg config.SearchConfig, persistDir string, embedder Embedder, log *logging.Hybrid) (*Engine, error) {
	e := &Engine{
		db:         db,
		cfg:        cfg,
		persistDir: persistDir,
		embedder:   embedder,
		log:        log,
	}

	v, err := repo.ActiveCatalogVersion(ctx, db)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn(ctx, "no active catalog version, search serves empty results", nil)
		return e, nil
	}
	if err != nil {
		return nil, err
	}

	ix, err := LoadIndex(filepath.Join(persistDir, v.VersionName))
	if err != nil {
		log.Warn(ctx, "active catalog index unreadable, search serves empty results", map[string]any{
			"version": v.VersionName,
			"error":   err.Error(),
		})
		return e, nil
	}
	e.snapshot.Store(ix)
	log.Console().Info().Str("version", v.VersionName).Int("products", len(ix.Products)).Msg("catalog index loaded")
	return e, nil
}

// ActiveVersion returns the served version name, or "" when no index is
// loaded.
func (e *Engine) ActiveVersion() string {
	if ix := e.snapshot.Load(); ix != nil {
		return ix.Version
	}
	return ""
}

// ProductCount returns the size of the served index.
func (e *Engine) ProductCount() int {
	if ix := e.snapshot.Load(); ix != nil {
		return len(ix.Products)
	}
	return 0
}

// Search embeds the query and returns up to k boosted matches. With no index
// loaded it returns empty results and warns, so a missing catalog degrades
// the answer instead of failing the turn.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]Result, error) {
	ctx, span := otel.Tracer("catalog").Start(ctx, "catalog.Search")
	defer span.End()

	ix := e.snapshot.Load()
	if ix == nil {
		e.log.Warn(ctx, "search without catalog index", map[string]any{"query": query})
		return nil, nil
	}
	if k < 1 || k > e.cfg.MaxResults {
		k = e.cfg.MaxResults
	}

	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	// Over-fetch raw hits so the lexical boost can promote matches that sit
	// just outside the top k by pure similarity. The raw floor is lowered by
	// the largest boost because the min-score threshold applies to the
	// post-boost score, not the raw one.
	rawK := k * 3
	if rawK < e.cfg.MaxResults {
		rawK = e.cfg.MaxResults
	}
	floor := e.cfg.MinScore - e.maxBoost()
	if floor < 0 {
		floor = 0
	}
	hits, err := ix.search(vecs[0], rawK, floor)
	if errors.Is(err, ErrEmptyIndex) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	q := strings.ToLower(query)
	for _, h := range hits {
		p := ix.Products[h.idx]
		boosted := h.score + e.boost(q, &p)
		if boosted < e.cfg.MinScore {
			continue
		}
		results = append(results, Result{
			Product: p,
			Score:   h.score,
			Boosted: boosted,
		})
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].Boosted != results[b].Boosted {
			return results[a].Boosted > results[b].Boosted
		}
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].Product.ID < results[b].Product.ID
	})
	if len(results) > k {
		results = results[:k]
	}
	span.SetAttributes(attribute.Int("catalog.results", len(results)))
	return results, nil
}

// boost returns the lexical bonus for a query/product pair. An article hit
// outranks a name hit; the two do not stack.
func (e *Engine) boost(loweredQuery string, p *Product) float64 {
	if art := strings.ToLower(p.Article); art != "" &&
		(strings.Contains(loweredQuery, art) || strings.Contains(art, loweredQuery)) {
		return e.cfg.ArticleBoost
	}
	if name := strings.ToLower(p.Name); name != "" &&
		(strings.Contains(name, loweredQuery) || containsAnyWord(loweredQuery, name)) {
		return e.cfg.NameBoost
	}
	return 0
}

func (e *Engine) maxBoost() float64 {
	if e.cfg.ArticleBoost > e.cfg.NameBoost {
		return e.cfg.ArticleBoost
	}
	return e.cfg.NameBoost
}

// containsAnyWord reports whether any word of name (3+ runes) occurs in the
// query. Short words produce too many accidental hits to be a signal.
func containsAnyWord(query, name string) bool {
	for _, w := range strings.Fields(name) {
		if len([]rune(w)) >= 3 && strings.Contains(query, w) {
			return true
		}
	}
	return false
}

// Build runs a full blue-green rebuild: embed all products into a fresh
// version directory, persist, activate, swap the served snapshot. The old
// index keeps serving until the swap; on any failure the build is marked
// failed and the old index stays.
func (e *Engine) Build(ctx context.Context, products []Product) (*domain.CatalogVersion, error) {
	if !e.building.CompareAndSwap(false, true) {
		return nil, ErrBuildInProgress
	}
	defer e.building.Store(false)

	if len(products) == 0 {
		return nil, domain.NewValidationError("products", "catalog file has no valid rows")
	}

	versionName := fmt.Sprintf("catalog_%s", time.Now().UTC().Format("20060102_150405"))
	v, err := repo.CreateCatalogVersion(ctx, e.db, versionName, len(products))
	if err != nil {
		return nil, err
	}

	vectors, err := e.embedAll(ctx, v, products)
	if err != nil {
		e.failBuild(ctx, v, err)
		return nil, err
	}

	ix, err := NewIndex(versionName, products, vectors)
	if err != nil {
		e.failBuild(ctx, v, err)
		return nil, err
	}
	dir := filepath.Join(e.persistDir, versionName)
	if err := ix.Save(dir); err != nil {
		e.failBuild(ctx, v, err)
		return nil, err
	}

	if err := repo.ActivateCatalogVersion(ctx, e.db, v.ID); err != nil {
		e.failBuild(ctx, v, err)
		return nil, err
	}

	old := e.snapshot.Swap(ix)
	if old != nil {
		// Old version directory stays on disk for rollback; only the memory
		// snapshot is released.
		e.log.Console().Info().Str("superseded", old.Version).Msg("catalog snapshot released")
	}
	e.log.Business(ctx, "catalog_rebuilt", map[string]any{
		"version":  versionName,
		"products": len(products),
	})
	return v, nil
}

// BuildAsync launches Build on its own goroutine, detached from the admin
// request's context. Progress is observable via Progress.
func (e *Engine) BuildAsync(products []Product) error {
	if e.building.Load() {
		return ErrBuildInProgress
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		if _, err := e.Build(ctx, products); err != nil && !errors.Is(err, ErrBuildInProgress) {
			e.log.Error(ctx, "catalog build failed", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Progress reports the most recent build's state.
func (e *Engine) Progress(ctx context.Context) (*domain.CatalogVersion, error) {
	versions, err := repo.ListCatalogVersions(ctx, e.db, 1)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, repo.ErrNotFound
	}
	return &versions[0], nil
}

func (e *Engine) embedAll(ctx context.Context, v *domain.CatalogVersion, products []Product) ([][]float32, error) {
	vectors := make([][]float32, 0, len(products))
	for start := 0; start < len(products); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(products) {
			end = len(products)
		}
		texts := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			texts = append(texts, products[i].EmbeddingText())
		}
		batch, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		vectors = append(vectors, batch...)

		if err := repo.UpdateCatalogProgress(ctx, e.db, v.ID, len(vectors)); err != nil {
			e.log.Warn(ctx, "catalog progress update failed", map[string]any{"error": err.Error()})
		}
	}
	return vectors, nil
}

func (e *Engine) failBuild(ctx context.Context, v *domain.CatalogVersion, cause error) {
	if err := repo.MarkCatalogFailed(ctx, e.db, v.ID); err != nil {
		e.log.Error(ctx, "marking catalog build failed", map[string]any{"error": err.Error()})
	}
	_ = os.RemoveAll(filepath.Join(e.persistDir, v.VersionName))
	e.log.Error(ctx, "catalog build failed, previous index keeps serving", map[string]any{
		"version": v.VersionName,
		"error":   cause.Error(),
	})
}
