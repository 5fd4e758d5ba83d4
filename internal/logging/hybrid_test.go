package logging

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

func newLoggingDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("logging_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.SystemLog{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type captureAlerter struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (c *captureAlerter) Alert(_ context.Context, subject, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return c.err
}

func (c *captureAlerter) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subjects...)
}

func TestConsole_ServesChainedLevelCalls(t *testing.T) {
	var buf bytes.Buffer
	h := New(zerolog.New(&buf), nil)

	h.Console().Info().Str("component", "sweeper").Msg("pass complete")
	h.Console().Debug().Int64("rows", 3).Msg("rows purged")

	out := buf.String()
	if !strings.Contains(out, "pass complete") || !strings.Contains(out, "rows purged") {
		t.Fatalf("console lines missing: %s", out)
	}
}

func TestWarn_PersistsRow(t *testing.T) {
	db := newLoggingDB(t)
	h := New(zerolog.Nop(), db)

	h.Warn(context.Background(), "slow search", map[string]any{"ms": 900})

	var rows []domain.SystemLog
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("load rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Level != LevelWarning || rows[0].Message != "slow search" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].Metadata == "" {
		t.Fatalf("metadata not serialized")
	}
}

func TestBusiness_PersistsEvent(t *testing.T) {
	db := newLoggingDB(t)
	h := New(zerolog.Nop(), db)

	h.Business(context.Background(), "lead_captured", map[string]any{"lead_id": 1})

	var row domain.SystemLog
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if row.Level != LevelBusiness || row.Message != "lead_captured" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestCritical_PersistsAndAlertsAllChannels(t *testing.T) {
	db := newLoggingDB(t)
	a1 := &captureAlerter{}
	a2 := &captureAlerter{err: context.DeadlineExceeded} // one channel broken
	h := New(zerolog.Nop(), db, a1, a2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()

	h.Critical(context.Background(), "crm sync failed permanently", map[string]any{"lead_id": 7})

	deadline := time.After(2 * time.Second)
	for len(a1.got()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("alert never dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := a1.got(); got[0] != "crm sync failed permanently" {
		t.Fatalf("wrong alert subject: %q", got[0])
	}
	// The broken channel was still attempted.
	if len(a2.got()) != 1 {
		t.Fatalf("second alerter not attempted")
	}

	var row domain.SystemLog
	if err := db.Where("level = ?", LevelCritical).First(&row).Error; err != nil {
		t.Fatalf("critical row missing: %v", err)
	}

	cancel()
	<-done
}

func TestCritical_FullQueueDoesNotBlock(t *testing.T) {
	db := newLoggingDB(t)
	h := New(zerolog.Nop(), db, &captureAlerter{}) // Run never started: queue fills

	done := make(chan struct{})
	go func() {
		for i := 0; i < alertQueueSize+10; i++ {
			h.Critical(context.Background(), "overflow", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Critical blocked on a full alert queue")
	}
}
