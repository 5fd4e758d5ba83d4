// Package catalog implements the product catalog: CSV ingestion, the
// persisted vector index, and the blue-green search engine.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

// Product is one catalog row as loaded from the upload file.
type Product struct {
	ID          string
	Name        string
	Article     string
	Description string
	Category1   string
	Category2   string
	Category3   string
	PhotoURL    string
	PageURL     string
}

// Required CSV columns. Header matching is case-insensitive and ignores
// surrounding whitespace.
var requiredColumns = []string{"id", "product name", "category 1", "article"}

var optionalColumns = []string{"description", "category 2", "category 3", "photo_url", "page_url"}

// EmbeddingText is the string that gets vectorized for the product: name,
// description, the category path, and the article, blank fields skipped,
// joined with single spaces.
func (p *Product) EmbeddingText() string {
	parts := make([]string, 0, 6)
	for _, s := range []string{p.Name, p.Description, p.Category1, p.Category2, p.Category3, p.Article} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// LoadCSV parses a catalog export. It fails fast on a missing required
// column; rows with an empty required cell are skipped and counted in
// skipped. Optional empty cells simply leave the field absent.
func LoadCSV(r io.Reader) (products []Product, skipped int, err error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, domain.NewValidationError("file", "empty or unreadable CSV")
	}

	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, 0, domain.NewValidationError("file", fmt.Sprintf("missing required column %q", col))
		}
	}

	cell := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Ragged or malformed row: skip, keep loading.
			skipped++
			continue
		}

		p := Product{
			ID:          cell(rec, "id"),
			Name:        cell(rec, "product name"),
			Article:     cell(rec, "article"),
			Category1:   cell(rec, "category 1"),
			Description: cell(rec, "description"),
			Category2:   cell(rec, "category 2"),
			Category3:   cell(rec, "category 3"),
			PhotoURL:    cell(rec, "photo_url"),
			PageURL:     cell(rec, "page_url"),
		}
		if p.ID == "" || p.Name == "" || p.Article == "" || p.Category1 == "" {
			skipped++
			continue
		}
		products = append(products, p)
	}
	return products, skipped, nil
}
