package repo

import (
	"context"
	"testing"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

func TestActivateCatalogVersion_BlueGreenSwap(t *testing.T) {
	db := newRepoDB(t, &domain.CatalogVersion{})
	ctx := context.Background()

	v1, err := CreateCatalogVersion(ctx, db, "catalog_v1", 100)
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if err := ActivateCatalogVersion(ctx, db, v1.ID); err != nil {
		t.Fatalf("activate v1: %v", err)
	}

	v2, err := CreateCatalogVersion(ctx, db, "catalog_v2", 120)
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if err := ActivateCatalogVersion(ctx, db, v2.ID); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	active, err := ActiveCatalogVersion(ctx, db)
	if err != nil {
		t.Fatalf("ActiveCatalogVersion: %v", err)
	}
	if active.ID != v2.ID {
		t.Fatalf("active = %d, want %d", active.ID, v2.ID)
	}
	if active.ActivatedAt == nil {
		t.Fatalf("ActivatedAt not stamped")
	}

	old, _ := GetCatalogVersion(ctx, db, v1.ID)
	if old.Status != domain.CatalogSuperseded || old.SupersededAt == nil {
		t.Fatalf("previous version not superseded: %+v", old)
	}

	var activeCount int64
	if err := db.Model(&domain.CatalogVersion{}).
		Where("status = ?", domain.CatalogActive).
		Count(&activeCount).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if activeCount != 1 {
		t.Fatalf("expected one active version, got %d", activeCount)
	}
}

func TestActivateCatalogVersion_RejectsNonBuilding(t *testing.T) {
	db := newRepoDB(t, &domain.CatalogVersion{})
	ctx := context.Background()

	v, _ := CreateCatalogVersion(ctx, db, "catalog_vx", 10)
	if err := MarkCatalogFailed(ctx, db, v.ID); err != nil {
		t.Fatalf("MarkCatalogFailed: %v", err)
	}
	if err := ActivateCatalogVersion(ctx, db, v.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound activating failed version, got %v", err)
	}
}

func TestMarkCatalogFailed_KeepsActiveServing(t *testing.T) {
	db := newRepoDB(t, &domain.CatalogVersion{})
	ctx := context.Background()

	v1, _ := CreateCatalogVersion(ctx, db, "good", 10)
	if err := ActivateCatalogVersion(ctx, db, v1.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	v2, _ := CreateCatalogVersion(ctx, db, "broken", 10)
	if err := MarkCatalogFailed(ctx, db, v2.ID); err != nil {
		t.Fatalf("fail: %v", err)
	}

	active, err := ActiveCatalogVersion(ctx, db)
	if err != nil {
		t.Fatalf("ActiveCatalogVersion: %v", err)
	}
	if active.ID != v1.ID {
		t.Fatalf("failed build displaced the active version")
	}
}

func TestReplaceCompanyInfo_NewestActiveWins(t *testing.T) {
	db := newRepoDB(t, &domain.CompanyInfo{})
	ctx := context.Background()

	if _, err := ReplaceCompanyInfo(ctx, db, "old text", "a.txt"); err != nil {
		t.Fatalf("replace 1: %v", err)
	}
	if _, err := ReplaceCompanyInfo(ctx, db, "new text", "b.txt"); err != nil {
		t.Fatalf("replace 2: %v", err)
	}

	got, err := ActiveCompanyInfo(ctx, db)
	if err != nil {
		t.Fatalf("ActiveCompanyInfo: %v", err)
	}
	if got.Content != "new text" {
		t.Fatalf("active content = %q", got.Content)
	}
}
