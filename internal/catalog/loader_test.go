package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

func TestLoadCSV_FullAndOptionalColumns(t *testing.T) {
	csvData := strings.Join([]string{
		"ID,Product Name,Article,Category 1,Description,Category 2,photo_url",
		"1,Cordless Drill X20,DRL-X20,Tools,Compact 20V drill,Power Tools,http://img/1.jpg",
		"2,Hammer,HMR-01,Tools,,,",
	}, "\n")

	products, skipped, err := LoadCSV(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if skipped != 0 || len(products) != 2 {
		t.Fatalf("products=%d skipped=%d", len(products), skipped)
	}

	p := products[0]
	if p.ID != "1" || p.Name != "Cordless Drill X20" || p.Article != "DRL-X20" || p.Category1 != "Tools" {
		t.Fatalf("required fields wrong: %+v", p)
	}
	if p.Description != "Compact 20V drill" || p.Category2 != "Power Tools" || p.PhotoURL != "http://img/1.jpg" {
		t.Fatalf("optional fields wrong: %+v", p)
	}
	// Empty optional cells stay absent.
	if products[1].Description != "" || products[1].Category2 != "" || products[1].PhotoURL != "" {
		t.Fatalf("empty optionals not absent: %+v", products[1])
	}
}

func TestLoadCSV_HeaderCaseInsensitive(t *testing.T) {
	csvData := "id, PRODUCT NAME ,ARTICLE,category 1\n7,Saw,SAW-7,Tools\n"
	products, _, err := LoadCSV(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if len(products) != 1 || products[0].Name != "Saw" {
		t.Fatalf("unexpected products: %+v", products)
	}
}

func TestLoadCSV_MissingRequiredColumn(t *testing.T) {
	csvData := "ID,Product Name,Category 1\n1,Drill,Tools\n"
	_, _, err := LoadCSV(strings.NewReader(csvData))
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for missing article column, got %v", err)
	}
}

func TestLoadCSV_SkipsRowsWithEmptyRequiredCells(t *testing.T) {
	csvData := strings.Join([]string{
		"ID,Product Name,Article,Category 1",
		"1,Drill,DRL-1,Tools",
		",Missing ID,A-1,Tools",
		"3,,A-3,Tools",
		"4,No Category,A-4,",
	}, "\n")

	products, skipped, err := LoadCSV(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if len(products) != 1 || skipped != 3 {
		t.Fatalf("products=%d skipped=%d", len(products), skipped)
	}
}

func TestEmbeddingText_JoinsPresentFields(t *testing.T) {
	p := Product{Name: "Drill", Article: "D-1", Category1: "Tools", Description: "Compact 20V"}
	got := p.EmbeddingText()
	if got != "Drill Compact 20V Tools D-1" {
		t.Fatalf("EmbeddingText = %q", got)
	}

	bare := Product{Name: "Saw", Article: "S-2", Category1: "Tools"}
	if got := bare.EmbeddingText(); got != "Saw Tools S-2" {
		t.Fatalf("EmbeddingText = %q", got)
	}
}
