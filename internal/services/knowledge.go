// Package services – KnowledgeService
//
// Serves the structured (non-vectorized) knowledge base: the services the
// company performs and the "about the company" document. SERVICE answers
// fall back through a chain: matching services, then the company document,
// then a static capabilities blurb, so the agent always has something to
// say.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/repo"
)

// FallbackBlurb is the terminal answer of the SERVICE fallback chain, used
// when neither services nor a company document are loaded.
const FallbackBlurb = "Мы поставляем промышленное оборудование и комплектующие, " +
	"выполняем подбор по каталогу и принимаем заявки на обратную связь. " +
	"Менеджер уточнит детали по вашему вопросу."

// KnowledgeService answers SERVICE and COMPANY_INFO lookups.
type KnowledgeService struct {
	DB *gorm.DB
}

// NewKnowledgeService constructs a KnowledgeService.
func NewKnowledgeService(db *gorm.DB) *KnowledgeService {
	return &KnowledgeService{DB: db}
}

// MatchServices returns active services whose keywords or title words occur
// in the query, preserving the stored ordering.
func (s *KnowledgeService) MatchServices(ctx context.Context, query string) ([]domain.CompanyService, error) {
	all, err := repo.ListActiveServices(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var matched []domain.CompanyService
	for _, svc := range all {
		if serviceMatches(q, &svc) {
			matched = append(matched, svc)
		}
	}
	return matched, nil
}

// AllServices returns the whole active service list.
func (s *KnowledgeService) AllServices(ctx context.Context) ([]domain.CompanyService, error) {
	return repo.ListActiveServices(ctx, s.DB)
}

// CompanyInfo returns the active company document's text, or "" when none
// is loaded.
func (s *KnowledgeService) CompanyInfo(ctx context.Context) (string, error) {
	info, err := repo.ActiveCompanyInfo(ctx, s.DB)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Content, nil
}

// ServiceContext builds the retrieval context for a SERVICE turn, walking
// the fallback chain: matched services → all services → company document →
// static blurb. The returned bool reports whether real knowledge (not the
// blurb) was found.
func (s *KnowledgeService) ServiceContext(ctx context.Context, query string) (string, bool, error) {
	matched, err := s.MatchServices(ctx, query)
	if err != nil {
		return "", false, err
	}
	if len(matched) == 0 {
		if matched, err = s.AllServices(ctx); err != nil {
			return "", false, err
		}
	}
	if len(matched) > 0 {
		return formatServices(matched), true, nil
	}

	info, err := s.CompanyInfo(ctx)
	if err != nil {
		return "", false, err
	}
	if info != "" {
		return info, true, nil
	}
	return FallbackBlurb, false, nil
}

func serviceMatches(loweredQuery string, svc *domain.CompanyService) bool {
	for _, kw := range strings.Split(svc.Keywords, ",") {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw != "" && strings.Contains(loweredQuery, kw) {
			return true
		}
	}
	for _, w := range strings.Fields(strings.ToLower(svc.Title)) {
		if len([]rune(w)) >= 4 && strings.Contains(loweredQuery, w) {
			return true
		}
	}
	return false
}

func formatServices(services []domain.CompanyService) string {
	var b strings.Builder
	for _, svc := range services {
		b.WriteString("- ")
		b.WriteString(svc.Title)
		if svc.Description != "" {
			b.WriteString(": ")
			b.WriteString(svc.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
