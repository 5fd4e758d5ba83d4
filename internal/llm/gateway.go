package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/repo"
)

// Retry policy for transient provider failures.
const (
	retryBase   = 500 * time.Millisecond
	retryFactor = 2
	retryCap    = 4 * time.Second
	retryMaxTry = 3
	callTimeout = 30 * time.Second
)

// ErrUnknownProvider is returned by SwitchProvider for unregistered names.
var ErrUnknownProvider = errors.New("unknown provider")

// CostGuard gates and accounts LLM spending. Implemented by costs.Guard;
// the Noop guard disables budgeting.
type CostGuard interface {
	// Allow reports whether another billable call may proceed.
	// Returns ErrCostLimitExceeded when the kill-switch has tripped.
	Allow(ctx context.Context) error
	// Record accumulates tokens spent by a completed call.
	Record(ctx context.Context, provider, model string, tokens int)
}

// NoopGuard admits everything and records nothing.
type NoopGuard struct{}

func (NoopGuard) Allow(context.Context) error                 { return nil }
func (NoopGuard) Record(context.Context, string, string, int) {}

// Gateway routes LLM calls to the active provider. The active reference is
// an atomic pointer: SwitchProvider swaps it without blocking in-flight
// calls, which finish on the provider they started with.
type Gateway struct {
	providers map[string]Provider
	active    atomic.Pointer[Provider]
	guard     CostGuard
	log       zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewGateway builds a gateway over the registered providers and selects the
// initial active one: the operator's stored choice when present and
// registered, otherwise defaultName.
func NewGateway(ctx context.Context, db *gorm.DB, providers map[string]Provider, defaultName string, guard CostGuard, log zerolog.Logger) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, errors.New("no providers registered")
	}
	if guard == nil {
		guard = NoopGuard{}
	}
	g := &Gateway{
		providers: providers,
		guard:     guard,
		log:       log,
		sleep:     sleepCtx,
	}

	name := defaultName
	if db != nil {
		if s, err := repo.ActiveLLMSetting(ctx, db); err == nil {
			if _, ok := providers[s.Provider]; ok {
				name = s.Provider
			} else {
				log.Warn().Str("provider", s.Provider).Msg("stored provider not registered, using default")
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	g.active.Store(&p)
	return g, nil
}

// Active returns the provider currently serving calls.
func (g *Gateway) Active() Provider { return *g.active.Load() }

// SwitchProvider persists the operator's choice and swaps the active
// provider. In-flight calls are unaffected.
func (g *Gateway) SwitchProvider(ctx context.Context, db *gorm.DB, name string) error {
	p, ok := g.providers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if db != nil {
		if err := repo.SetActiveProvider(ctx, db, name); err != nil {
			return err
		}
	}
	g.active.Store(&p)
	g.log.Info().Str("provider", name).Msg("llm provider switched")
	return nil
}

// Generate runs a completion on the active provider with retries and cost
// accounting.
func (g *Gateway) Generate(ctx context.Context, msgs []Message) (*Response, error) {
	return g.call(ctx, "generate", func(ctx context.Context, p Provider) (*Response, error) {
		return p.Generate(ctx, msgs)
	})
}

// Classify runs a classification on the active provider.
func (g *Gateway) Classify(ctx context.Context, system, input string) (*Response, error) {
	return g.call(ctx, "classify", func(ctx context.Context, p Provider) (*Response, error) {
		return p.Classify(ctx, system, input)
	})
}

// Embed produces embeddings on the active provider. Embedding calls are
// budget-gated like completions: a tripped kill-switch stops index builds too.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.guard.Allow(ctx); err != nil {
		return nil, err
	}
	p := g.Active()

	var vecs [][]float32
	err := g.retry(ctx, func(attemptCtx context.Context) error {
		var err error
		vecs, err = p.Embed(attemptCtx, texts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

// Health probes the active provider.
func (g *Gateway) Health(ctx context.Context) error {
	return g.Active().Health(ctx)
}

func (g *Gateway) call(ctx context.Context, op string, fn func(context.Context, Provider) (*Response, error)) (*Response, error) {
	if err := g.guard.Allow(ctx); err != nil {
		return nil, err
	}
	p := g.Active()

	ctx, span := otel.Tracer("llm").Start(ctx, "llm."+op)
	defer span.End()
	span.SetAttributes(attribute.String("llm.provider", p.Name()))

	var resp *Response
	err := g.retry(ctx, func(attemptCtx context.Context) error {
		var err error
		resp, err = fn(attemptCtx, p)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	g.guard.Record(ctx, p.Name(), resp.Model, resp.Usage.TotalTokens)
	return resp, nil
}

// retry runs fn up to retryMaxTry times with exponential backoff, each
// attempt under its own timeout. Permanent errors abort immediately.
func (g *Gateway) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := retryBase
	var lastErr error
	for attempt := 1; attempt <= retryMaxTry; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == retryMaxTry {
			break
		}
		g.log.Warn().Err(err).Int("attempt", attempt).Msg("llm call failed, retrying")
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= retryFactor
		if delay > retryCap {
			delay = retryCap
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
