// Package logging implements the application's hybrid logger: every event
// goes to the zerolog console sink, WARN and above plus BUSINESS analytics
// events are additionally persisted to the system_logs table, and CRITICAL
// events are queued for out-of-band operator alerts (Telegram, email).
//
// The DB write happens on the caller's goroutine — losing a CRITICAL row to
// a crash right after the event would defeat the point of durable logs. The
// alert fan-out is asynchronous: alerts go onto a bounded channel drained by
// Run, and when the channel is full the alert is dropped with a console
// warning rather than blocking a conversation turn.
package logging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/repo"
)

// Levels persisted to the database. DEBUG and INFO stay console-only.
const (
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
	LevelBusiness = "BUSINESS"
)

const alertQueueSize = 64

// Alerter delivers a critical alert out of band. Implementations live in the
// notify package; failures are logged and never propagated to callers.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Alert is one queued critical event.
type Alert struct {
	Subject string
	Body    string
	At      time.Time
}

// Hybrid is the application logger. The zero value is not usable; construct
// with New.
type Hybrid struct {
	log      zerolog.Logger
	db       *gorm.DB
	alerts   chan Alert
	alerters []Alerter
}

// New builds a Hybrid logger over the given console logger and database.
// Alerters may be empty (alerts are then dropped silently after the console
// line).
func New(log zerolog.Logger, db *gorm.DB, alerters ...Alerter) *Hybrid {
	return &Hybrid{
		log:      log,
		db:       db,
		alerts:   make(chan Alert, alertQueueSize),
		alerters: alerters,
	}
}

// Console exposes the underlying zerolog logger for plain DEBUG/INFO lines.
func (h *Hybrid) Console() *zerolog.Logger { return &h.log }

// Warn logs at WARNING to the console and the database.
func (h *Hybrid) Warn(ctx context.Context, msg string, fields map[string]any) {
	h.log.Warn().Fields(fields).Msg(msg)
	h.persist(ctx, LevelWarning, msg, fields)
}

// Error logs at ERROR to the console and the database.
func (h *Hybrid) Error(ctx context.Context, msg string, fields map[string]any) {
	h.log.Error().Fields(fields).Msg(msg)
	h.persist(ctx, LevelError, msg, fields)
}

// Critical logs at ERROR, persists a CRITICAL row, and queues an operator
// alert. Never blocks: a full alert queue drops the alert with a console
// warning.
func (h *Hybrid) Critical(ctx context.Context, msg string, fields map[string]any) {
	h.log.Error().Str("severity", LevelCritical).Fields(fields).Msg(msg)
	h.persist(ctx, LevelCritical, msg, fields)

	a := Alert{Subject: msg, Body: encodeFields(fields), At: time.Now().UTC()}
	select {
	case h.alerts <- a:
	default:
		h.log.Warn().Str("subject", msg).Msg("alert queue full, dropping alert")
	}
}

// Business records an analytics event. Console level is info; the row is
// persisted so reports can be built from the database alone.
func (h *Hybrid) Business(ctx context.Context, event string, fields map[string]any) {
	h.log.Info().Str("event", event).Fields(fields).Msg("business event")
	h.persist(ctx, LevelBusiness, event, fields)
}

// Run drains the alert queue until ctx is cancelled, fanning each alert out
// to every alerter. Channels fail independently; one broken notifier never
// stops the others.
func (h *Hybrid) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-h.alerts:
			h.dispatch(ctx, a)
		}
	}
}

func (h *Hybrid) dispatch(ctx context.Context, a Alert) {
	if len(h.alerters) == 0 {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(sendCtx)
	for _, al := range h.alerters {
		al := al
		g.Go(func() error {
			if err := al.Alert(gctx, a.Subject, a.Body); err != nil {
				h.log.Error().Err(err).Str("subject", a.Subject).Msg("alert delivery failed")
			}
			return nil // independent channels, never cancel siblings
		})
	}
	_ = g.Wait()
}

// persist writes a system_logs row, stamped with the active trace id as the
// correlation id when the caller's context carries one. A failing database
// must not take the process down with it, so errors surface only on the
// console.
func (h *Hybrid) persist(ctx context.Context, level, msg string, fields map[string]any) {
	if h.db == nil {
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		stamped := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			stamped[k] = v
		}
		stamped["correlation_id"] = sc.TraceID().String()
		fields = stamped
	}
	if err := repo.InsertSystemLog(ctx, h.db, level, msg, encodeFields(fields)); err != nil {
		h.log.Error().Err(err).Msg("system log persist failed")
	}
}

func encodeFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(b)
}
