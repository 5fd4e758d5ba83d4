// Package worker hosts the background loops: CRM lead delivery and the
// inactivity monitor. Both run under the process errgroup and stop on
// context cancellation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/crm"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/repo"
)

// CRMDispatcher delivers pending leads to the CRM with at-least-once
// semantics. Only failed deliveries consume the retry budget; a crash
// between the call and the status update re-delivers rather than loses, and
// duplicates on the CRM side are absorbed by the search-first flow.
type CRMDispatcher struct {
	DB     *gorm.DB
	Client crm.Client
	Log    *logging.Hybrid

	// Interval between scans of the leads table.
	Interval time.Duration
	// RetryAfter is the minimum age of the last attempt before another.
	RetryAfter time.Duration
	// BatchSize bounds one scan.
	BatchSize int

	mu       sync.Mutex
	inFlight map[uint]struct{}

	lastScan atomic.Int64
}

// LastScan reports when the dispatcher last completed a pass. The health
// probe uses it to detect a stalled loop.
func (d *CRMDispatcher) LastScan() time.Time {
	return time.Unix(0, d.lastScan.Load())
}

// NewCRMDispatcher constructs a dispatcher with production defaults.
func NewCRMDispatcher(db *gorm.DB, client crm.Client, log *logging.Hybrid, retryAfter time.Duration) *CRMDispatcher {
	if retryAfter <= 0 {
		retryAfter = 30 * time.Minute
	}
	return &CRMDispatcher{
		DB:         db,
		Client:     client,
		Log:        log,
		Interval:   time.Minute,
		RetryAfter: retryAfter,
		BatchSize:  50,
		inFlight:   map[uint]struct{}{},
	}
}

// Run scans for due leads until ctx is cancelled.
func (d *CRMDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	// Immediate first pass so restarts drain the backlog without waiting.
	d.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *CRMDispatcher) scan(ctx context.Context) {
	defer d.lastScan.Store(time.Now().UnixNano())
	retryBefore := time.Now().UTC().Add(-d.RetryAfter)
	due, err := repo.DueLeads(ctx, d.DB, retryBefore, d.BatchSize)
	if err != nil {
		d.Log.Error(ctx, "crm scan failed", map[string]any{"error": err.Error()})
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		d.Deliver(ctx, &due[i])
	}
}

// Deliver attempts one lead. Safe to call concurrently with the scan loop:
// a per-lead in-flight set prevents double submission of the same row.
func (d *CRMDispatcher) Deliver(ctx context.Context, lead *domain.Lead) {
	d.mu.Lock()
	if _, busy := d.inFlight[lead.ID]; busy {
		d.mu.Unlock()
		return
	}
	d.inFlight[lead.ID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, lead.ID)
		d.mu.Unlock()
	}()

	crmID, err := d.push(ctx, lead)
	if err != nil {
		d.recordFailure(ctx, lead, err)
		return
	}

	if err := repo.MarkSynced(ctx, d.DB, lead.ID, crmID); err != nil {
		d.Log.Error(ctx, "lead status update failed after sync", map[string]any{"lead_id": lead.ID, "error": err.Error()})
		return
	}
	d.noteOutcome(ctx, lead.ID, "synced", "crm id "+crmID)
	d.Log.Business(ctx, "lead_synced", map[string]any{"lead_id": lead.ID, "crm_id": crmID})
}

// push is the dedupe-then-create-or-note flow: an existing CRM record gets
// a note with the fresh question instead of a duplicate lead.
func (d *CRMDispatcher) push(ctx context.Context, lead *domain.Lead) (string, error) {
	existing, err := d.Client.SearchLead(ctx, lead.Phone, lead.Email)
	switch {
	case err == nil:
		note := fmt.Sprintf("Повторное обращение из Telegram (%s). %s", lead.Telegram, lead.Question)
		if err := d.Client.AddNote(ctx, existing.ID, note); err != nil {
			return "", err
		}
		return existing.ID, nil
	case errors.Is(err, crm.ErrLeadNotFound):
		created, err := d.Client.CreateLead(ctx, crm.LeadPayload{
			LastName:                      lead.LastName,
			Phone:                         lead.Phone,
			Email:                         lead.Email,
			Whatsapp:                      lead.Whatsapp,
			Telegram:                      lead.Telegram,
			Company:                       lead.Company,
			Question:                      lead.Question,
			LeadFirstCommunicationChannel: lead.Source,
		})
		if err != nil {
			return "", err
		}
		return created.ID, nil
	default:
		return "", err
	}
}

// recordFailure counts a failed delivery attempt, stamps the retry clock,
// and decides between scheduling another attempt and giving up. A clean
// delivery never touches the counter, so sync_attempts is the number of
// failures, not calls.
func (d *CRMDispatcher) recordFailure(ctx context.Context, lead *domain.Lead, cause error) {
	if err := repo.MarkSyncAttempt(ctx, d.DB, lead.ID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			d.Log.Error(ctx, "crm attempt accounting failed", map[string]any{"lead_id": lead.ID, "error": err.Error()})
		}
	} else {
		lead.SyncAttempts++
	}
	d.noteOutcome(ctx, lead.ID, "sync_failed", cause.Error())

	// A rejected payload will not improve with retries.
	if !crm.IsRetryable(cause) || lead.SyncAttempts >= domain.MaxSyncAttempts {
		d.giveUp(ctx, lead, cause)
		return
	}
	d.Log.Warn(ctx, "crm delivery failed, will retry", map[string]any{
		"lead_id": lead.ID,
		"attempt": lead.SyncAttempts,
		"error":   cause.Error(),
	})
}

func (d *CRMDispatcher) giveUp(ctx context.Context, lead *domain.Lead, cause error) {
	if err := repo.MarkSyncFailed(ctx, d.DB, lead.ID); err != nil {
		d.Log.Error(ctx, "lead failure marking failed", map[string]any{"lead_id": lead.ID, "error": err.Error()})
		return
	}
	d.Log.Critical(ctx, "lead delivery failed permanently", map[string]any{
		"lead_id":  lead.ID,
		"attempts": lead.SyncAttempts,
		"phone":    lead.Phone,
		"email":    lead.Email,
		"error":    cause.Error(),
	})
}

func (d *CRMDispatcher) noteOutcome(ctx context.Context, leadID uint, kind, content string) {
	if err := repo.AddLeadInteraction(ctx, d.DB, leadID, kind, content); err != nil {
		d.Log.Warn(ctx, "lead interaction write failed", map[string]any{"lead_id": leadID, "error": err.Error()})
	}
}
