package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/nordmach/go-sales-agent/internal/catalog"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/llm"
)

func newOrchestrator(t *testing.T, db *gorm.DB, gw *scriptedGateway, searcher ProductSearcher) *Orchestrator {
	t.Helper()
	reg := newTestRegistry(t, db)
	log := nopHybrid(db)
	return &Orchestrator{
		Conversations: NewConversationService(db, 20),
		Classifier:    NewIntentClassifier(gw, reg),
		Knowledge:     NewKnowledgeService(db),
		Leads:         NewLeadService(db, log),
		Catalog:       searcher,
		Gateway:       gw,
		Prompts:       reg,
		Log:           log,
		TurnDeadline:  10 * time.Second,
		MaxResults:    10,
	}
}

func drillResults() []catalog.Result {
	return []catalog.Result{
		{Product: catalog.Product{ID: "1", Name: "Перфоратор П-800", Article: "P-800", Category1: "Инструмент"}, Score: 0.9, Boosted: 1.1},
	}
}

func turnMessages(t *testing.T, db *gorm.DB) []domain.Message {
	t.Helper()
	var msgs []domain.Message
	if err := db.Order("created_at asc, id asc").Find(&msgs).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	return msgs
}

func TestHandleMessage_ProductTurnStoresBothMessages(t *testing.T) {
	db := newServicesDB(t)
	gw := &scriptedGateway{reply: "Могу предложить Перфоратор П-800 (артикул P-800).", label: IntentProduct}
	o := newOrchestrator(t, db, gw, &fixedSearcher{results: drillResults()})

	res := o.HandleMessage(context.Background(), Inbound{
		ChatID: 6001, Text: "Есть ли у вас перфораторы?", FirstName: "Анна",
	})
	if res.Intent != IntentProduct {
		t.Fatalf("intent = %s", res.Intent)
	}
	assertContains(t, res.Text, "П-800")

	msgs := turnMessages(t, db)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want user+assistant", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("wrong roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Intent != IntentProduct {
		t.Fatalf("assistant intent = %q", msgs[1].Intent)
	}

	// The catalog context reached the model.
	found := false
	for _, m := range gw.lastMsgs {
		if m.Role == llm.RoleSystem && strings.Contains(m.Content, "P-800") {
			found = true
		}
	}
	if !found {
		t.Fatalf("catalog results not injected into the prompt")
	}
}

func TestHandleMessage_EmptyCatalogTakesManagerFraming(t *testing.T) {
	db := newServicesDB(t)
	gw := &scriptedGateway{
		label: IntentProduct,
		reply: "Увы, таких товаров у нас нет. Могу передать ваш вопрос менеджеру.",
	}
	o := newOrchestrator(t, db, gw, &fixedSearcher{results: nil})

	res := o.HandleMessage(context.Background(), Inbound{ChatID: 6002, Text: "есть ли у вас турбонагнетатели"})
	assertContains(t, res.Text, "менеджер")

	// The empty result still goes through the model, with the not-found
	// context injected, so the reply follows the user's language.
	if gw.generateCalls != 1 {
		t.Fatalf("generate calls = %d, want 1", gw.generateCalls)
	}
	found := false
	for _, m := range gw.lastMsgs {
		if m.Role == llm.RoleSystem && strings.Contains(m.Content, "не найдено") {
			found = true
		}
	}
	if !found {
		t.Fatalf("not-found context missing from the prompt")
	}

	if len(res.Suggested) != 1 || res.Suggested[0] != ActionContactManager {
		t.Fatalf("suggested actions = %v", res.Suggested)
	}

	// The turn is still fully stored.
	if msgs := turnMessages(t, db); len(msgs) != 2 {
		t.Fatalf("stored %d messages", len(msgs))
	}
}

func TestHandleMessage_ModelUnavailableDegrades(t *testing.T) {
	db := newServicesDB(t)
	gw := &scriptedGateway{label: IntentProduct}
	o := newOrchestrator(t, db, gw, &fixedSearcher{err: catalog.ErrModelUnavailable})

	res := o.HandleMessage(context.Background(), Inbound{ChatID: 6003, Text: "есть ли у вас дрели"})
	assertContains(t, res.Text, "менеджер")
}

func TestHandleMessage_ContactCapturesLead(t *testing.T) {
	db := newServicesDB(t)
	gw := &scriptedGateway{reply: "Спасибо, менеджер свяжется с вами!", label: IntentContact}
	o := newOrchestrator(t, db, gw, &fixedSearcher{})

	res := o.HandleMessage(context.Background(), Inbound{
		ChatID: 6004, Text: "Позвоните мне, мой номер 8 999 123-45-67", LastName: "Иванова",
	})
	if res.Intent != IntentContact {
		t.Fatalf("intent = %s", res.Intent)
	}
	if res.LeadID == 0 {
		t.Fatalf("no lead captured")
	}

	var lead domain.Lead
	if err := db.First(&lead, res.LeadID).Error; err != nil {
		t.Fatalf("load lead: %v", err)
	}
	if lead.Phone != "+79991234567" || lead.Status != domain.LeadPendingSync {
		t.Fatalf("unexpected lead: %+v", lead)
	}
}

func TestHandleMessage_ContactWithoutDetailsAsks(t *testing.T) {
	db := newServicesDB(t)
	gw := &scriptedGateway{label: IntentContact}
	o := newOrchestrator(t, db, gw, &fixedSearcher{})

	res := o.HandleMessage(context.Background(), Inbound{ChatID: 6005, Text: "Перезвоните мне"})
	if res.LeadID != 0 {
		t.Fatalf("lead captured without contact details")
	}
	assertContains(t, res.Text, "телефон")
}

func TestHandleMessage_CostLimitDegrades(t *testing.T) {
	db := newServicesDB(t)
	gw := &scriptedGateway{generateErr: llm.ErrCostLimitExceeded, label: IntentGeneral}
	o := newOrchestrator(t, db, gw, &fixedSearcher{})

	res := o.HandleMessage(context.Background(), Inbound{ChatID: 6006, Text: "просто поболтать"})
	if res.Text != fallbackBudget {
		t.Fatalf("reply = %q", res.Text)
	}
	// Even the degraded turn is stored.
	if msgs := turnMessages(t, db); len(msgs) != 2 {
		t.Fatalf("stored %d messages", len(msgs))
	}
}

func TestHandleMessage_GenerationErrorStillReplies(t *testing.T) {
	db := newServicesDB(t)
	gw := &scriptedGateway{generateErr: errors.New("boom"), label: IntentGeneral}
	o := newOrchestrator(t, db, gw, &fixedSearcher{})

	res := o.HandleMessage(context.Background(), Inbound{ChatID: 6007, Text: "привет!!!"})
	if res.Text == "" {
		t.Fatalf("no reply on generation failure")
	}
	if msgs := turnMessages(t, db); len(msgs) != 2 {
		t.Fatalf("stored %d messages", len(msgs))
	}
}

func TestHandleMessage_ServiceFallbackChain(t *testing.T) {
	db := newServicesDB(t)
	gw := &scriptedGateway{reply: "Да, выполняем монтаж.", label: IntentService}
	o := newOrchestrator(t, db, gw, &fixedSearcher{})

	// No services, no company info: the static blurb answers directly.
	res := o.HandleMessage(context.Background(), Inbound{ChatID: 6008, Text: "делаете ли вы монтаж"})
	if res.Text != FallbackBlurb {
		t.Fatalf("reply = %q", res.Text)
	}

	// With a service row the LLM answers from it.
	if err := db.Create(&domain.CompanyService{
		Title: "Монтаж оборудования", Description: "Монтаж и пусконаладка", Keywords: "монтаж,установка", Active: true,
	}).Error; err != nil {
		t.Fatalf("seed service: %v", err)
	}
	res = o.HandleMessage(context.Background(), Inbound{ChatID: 6008, Text: "делаете ли вы монтаж"})
	if res.Text != "Да, выполняем монтаж." {
		t.Fatalf("reply = %q", res.Text)
	}
}

func TestStripStopPhrases(t *testing.T) {
	cases := map[string]string{
		"Здравствуйте, есть ли у вас перфораторы Makita?": "перфораторы makita",
		"Do you have cordless drills?":                    "cordless drills",
		"Есть ли у вас":                                   "Есть ли у вас", // nothing left: keep original
	}
	for in, want := range cases {
		if got := stripStopPhrases(in); got != want {
			t.Fatalf("stripStopPhrases(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractLastName(t *testing.T) {
	cases := []struct {
		text, phone, email, want string
	}{
		{"свяжитесь со мной, +79001234567, Иванов", "+79001234567", "", "Иванов"},
		{"Позвоните мне, мой номер +79991234567", "+79991234567", "", ""},
		{"Иванов Петров, +79001234567", "+79001234567", "", ""}, // ambiguous
		{"contact me: Smith, smith@example.com", "", "smith@example.com", "Smith"},
	}
	for _, c := range cases {
		if got := extractLastName(c.text, c.phone, c.email); got != c.want {
			t.Fatalf("extractLastName(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestExtractContacts(t *testing.T) {
	phone, email := extractContacts("мой номер +7 999 123-45-67, почта ivan@example.ru")
	if phone == "" || email != "ivan@example.ru" {
		t.Fatalf("phone=%q email=%q", phone, email)
	}
	phone, email = extractContacts("ничего нет")
	if phone != "" || email != "" {
		t.Fatalf("false positives: %q %q", phone, email)
	}
}
