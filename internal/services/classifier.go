// Package services – IntentClassifier
//
// Classifies an inbound message into one of the five intents. A keyword
// pre-pass answers the unambiguous cases without an LLM call (and without
// its latency); everything else goes to the model with the classification
// prompt. Any failure or unparseable label degrades to GENERAL, never to an
// error: a misrouted turn is recoverable, a failed turn is not.
package services

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nordmach/go-sales-agent/internal/llm"
	"github.com/nordmach/go-sales-agent/internal/prompts"
)

// Intents.
const (
	IntentProduct     = "PRODUCT"
	IntentService     = "SERVICE"
	IntentCompanyInfo = "COMPANY_INFO"
	IntentContact     = "CONTACT"
	IntentGeneral     = "GENERAL"
)

// LLMGateway is the slice of the llm.Gateway surface the services need.
type LLMGateway interface {
	Generate(ctx context.Context, msgs []llm.Message) (*llm.Response, error)
	Classify(ctx context.Context, system, input string) (*llm.Response, error)
}

// Keyword lists for the deterministic pre-pass. A hit routes immediately;
// the lists only contain terms that are unambiguous for their intent.
var (
	contactKeywords = []string{
		"позвоните", "перезвоните", "свяжитесь", "мой номер", "мой телефон",
		"моя почта", "жду звонка", "call me", "contact me", "my phone",
		"my number", "my email", "reach me",
	}
	companyKeywords = []string{
		"о компании", "о вас", "кто вы", "ваша компания", "реквизиты",
		"сколько лет компании", "about the company", "about you", "who are you",
	}
	serviceKeywords = []string{
		"доставка", "монтаж", "установка", "гарантия", "сервис", "ремонт",
		"обслуживание", "услуг", "delivery", "installation", "warranty",
		"maintenance", "services",
	}
	productKeywords = []string{
		"артикул", "в наличии", "есть ли у вас", "сколько стоит", "цена",
		"купить", "заказать", "подберите", "характеристики", "модель",
		"in stock", "price", "how much", "buy", "order", "article",
	}
)

// IntentClassifier routes messages to intents.
type IntentClassifier struct {
	Gateway LLMGateway
	Prompts *prompts.Registry
}

// NewIntentClassifier constructs a classifier.
func NewIntentClassifier(gw LLMGateway, reg *prompts.Registry) *IntentClassifier {
	return &IntentClassifier{Gateway: gw, Prompts: reg}
}

// Classify returns the intent for message. The bool result reports whether
// the keyword pre-pass decided (no LLM call was made).
func (c *IntentClassifier) Classify(ctx context.Context, message string) (string, bool) {
	tr := otel.Tracer("services/IntentClassifier")
	ctx, span := tr.Start(ctx, "Classify")
	defer span.End()

	if intent, ok := keywordIntent(message); ok {
		span.SetAttributes(attribute.String("intent", intent), attribute.Bool("keyword", true))
		return intent, true
	}

	intent := c.classifyLLM(ctx, message)
	span.SetAttributes(attribute.String("intent", intent), attribute.Bool("keyword", false))
	return intent, false
}

func (c *IntentClassifier) classifyLLM(ctx context.Context, message string) string {
	p, err := c.Prompts.Get(prompts.NameClassification)
	if err != nil {
		return IntentGeneral
	}
	resp, err := c.Gateway.Classify(ctx, p.Content, message)
	if err != nil {
		return IntentGeneral
	}
	return normalizeIntent(resp.Content)
}

// keywordIntent runs the deterministic pre-pass. Order matters: contact
// phrases win over product phrases because "позвоните, хочу заказать" is a
// contact request first.
func keywordIntent(message string) (string, bool) {
	m := strings.ToLower(message)
	for _, kw := range contactKeywords {
		if strings.Contains(m, kw) {
			return IntentContact, true
		}
	}
	for _, kw := range companyKeywords {
		if strings.Contains(m, kw) {
			return IntentCompanyInfo, true
		}
	}
	for _, kw := range serviceKeywords {
		if strings.Contains(m, kw) {
			return IntentService, true
		}
	}
	for _, kw := range productKeywords {
		if strings.Contains(m, kw) {
			return IntentProduct, true
		}
	}
	return "", false
}

// normalizeIntent maps raw model output onto a known label, defaulting to
// GENERAL.
func normalizeIntent(raw string) string {
	label := strings.ToUpper(strings.TrimSpace(raw))
	label = strings.Trim(label, ".\"'`")
	for _, known := range []string{IntentProduct, IntentService, IntentCompanyInfo, IntentContact, IntentGeneral} {
		if strings.Contains(label, known) {
			return known
		}
	}
	return IntentGeneral
}
