// Package services – Orchestrator
//
// Runs one conversation turn end to end: serialize on the chat, persist the
// inbound message, classify, gather intent-specific context, generate the
// reply, persist it. The turn contract is absolute: whatever fails inside,
// the user gets a reply and the conversation log gets both messages. Errors
// degrade to static fallback text instead of propagating to the transport.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/nordmach/go-sales-agent/internal/catalog"
	"github.com/nordmach/go-sales-agent/internal/domain"
	"github.com/nordmach/go-sales-agent/internal/llm"
	"github.com/nordmach/go-sales-agent/internal/logging"
	"github.com/nordmach/go-sales-agent/internal/prompts"
)

// Static degradation replies. The agent talks to Russian-speaking customers
// by default; the LLM handles other languages, these fallbacks cannot.
const (
	fallbackBusy = "Извините, мне нужно чуть больше времени, чтобы разобраться с вашим вопросом. " +
		"Попробуйте, пожалуйста, повторить его через минуту."
	fallbackBudget = "Сейчас я не могу ответить автоматически. " +
		"Оставьте, пожалуйста, телефон или почту — менеджер свяжется с вами."
	fallbackNoResults = "К сожалению, я не нашёл подходящих товаров по вашему запросу. " +
		"Могу передать вопрос менеджеру — оставьте, пожалуйста, телефон или почту."
	fallbackContactThanks = "Спасибо! Мы передали ваши контакты менеджеру, он свяжется с вами в ближайшее время."
	fallbackContactAsk    = "Подскажите, пожалуйста, телефон или почту, по которым менеджер может с вами связаться."
)

// Inbound is one transport message entering the orchestrator.
type Inbound struct {
	ChatID    int64
	Text      string
	FirstName string
	LastName  string
	Username  string
	Language  string
}

// ActionContactManager is the post-reply action offered when the catalog
// cannot answer; transports render suggested actions as reply buttons.
const ActionContactManager = "Связаться с менеджером"

// TurnResult is the orchestrator's answer for the transport.
type TurnResult struct {
	Text   string
	Intent string
	LeadID uint
	// Suggested lists post-reply actions for the transport to offer.
	Suggested []string
	// Meta is retrieval metadata stored alongside the assistant message.
	Meta string
}

// ProductSearcher is the catalog surface the orchestrator needs.
type ProductSearcher interface {
	Search(ctx context.Context, query string, k int) ([]catalog.Result, error)
}

// Orchestrator wires the per-turn pipeline.
type Orchestrator struct {
	Conversations *ConversationService
	Classifier    *IntentClassifier
	Knowledge     *KnowledgeService
	Leads         *LeadService
	Catalog       ProductSearcher
	Gateway       LLMGateway
	Prompts       *prompts.Registry
	Log           *logging.Hybrid

	// TurnDeadline is the soft per-turn budget; past it the user gets the
	// busy fallback while context gathering is abandoned.
	TurnDeadline time.Duration
	// MaxResults caps catalog hits injected into the prompt.
	MaxResults int
}

// HandleMessage processes one inbound message and always returns a reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, in Inbound) TurnResult {
	tr := otel.Tracer("services/Orchestrator")
	ctx, span := tr.Start(ctx, "HandleMessage")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat_id", in.ChatID))

	unlock := o.Conversations.LockChat(in.ChatID)
	defer unlock()

	deadline := o.TurnDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	turnCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	user, err := o.Conversations.EnsureUser(turnCtx, in.ChatID, in.FirstName, in.LastName, in.Username)
	if err != nil {
		o.Log.Error(ctx, "turn failed before user resolution", map[string]any{"chat_id": in.ChatID, "error": err.Error()})
		return TurnResult{Text: fallbackBusy, Intent: IntentGeneral}
	}
	conv, err := o.Conversations.Open(turnCtx, user.ID, "telegram", in.Language)
	if err != nil {
		o.Log.Error(ctx, "turn failed opening conversation", map[string]any{"chat_id": in.ChatID, "error": err.Error()})
		return TurnResult{Text: fallbackBusy, Intent: IntentGeneral}
	}

	if _, err := o.Conversations.AppendUser(turnCtx, conv.ID, in.Text); err != nil {
		if errors.Is(err, ErrEmptyMessage) || errors.Is(err, ErrMessageTooLong) {
			return TurnResult{Text: fallbackContactAsk, Intent: IntentGeneral}
		}
		o.Log.Error(ctx, "inbound message persist failed", map[string]any{"chat_id": in.ChatID, "error": err.Error()})
		return TurnResult{Text: fallbackBusy, Intent: IntentGeneral}
	}

	intent, byKeyword := o.Classifier.Classify(turnCtx, in.Text)
	span.SetAttributes(attribute.String("intent", intent), attribute.Bool("keyword_route", byKeyword))

	result := o.dispatch(turnCtx, user, conv, in.Text, intent)
	result.Intent = intent

	// Persist the assistant turn on the parent context: the reply must be
	// stored even when the turn budget has expired.
	meta := result.Meta
	if result.LeadID != 0 {
		meta = fmt.Sprintf(`{"lead_id":%d}`, result.LeadID)
	}
	if _, err := o.Conversations.AppendAssistant(ctx, conv.ID, result.Text, intent, o.providerName(), 0, meta); err != nil {
		o.Log.Error(ctx, "assistant message persist failed", map[string]any{"chat_id": in.ChatID, "error": err.Error()})
	}
	return result
}

func (o *Orchestrator) dispatch(ctx context.Context, user *domain.User, conv *domain.Conversation, text, intent string) TurnResult {
	switch intent {
	case IntentProduct:
		return o.handleProduct(ctx, conv, text)
	case IntentService:
		return o.handleService(ctx, conv, text)
	case IntentCompanyInfo:
		return o.handleCompanyInfo(ctx, conv, text)
	case IntentContact:
		return o.handleContact(ctx, user, text)
	default:
		return o.handleGeneral(ctx, conv, text)
	}
}

// handleProduct distills the query, searches the catalog, and answers from
// the matches. Empty matches and a down embedding backend both take the
// manager-contact framing rather than failing the turn.
func (o *Orchestrator) handleProduct(ctx context.Context, conv *domain.Conversation, text string) TurnResult {
	query := o.distillQuery(ctx, text)

	k := o.MaxResults
	if k < 1 {
		k = 10
	}
	results, err := o.Catalog.Search(ctx, query, k)
	if err != nil {
		if errors.Is(err, catalog.ErrModelUnavailable) {
			o.Log.Error(ctx, "catalog search unavailable", map[string]any{"error": err.Error()})
		} else {
			o.Log.Warn(ctx, "catalog search failed", map[string]any{"error": err.Error()})
		}
		return TurnResult{Text: fallbackNoResults, Suggested: []string{ActionContactManager}}
	}
	if len(results) == 0 {
		return o.handleNoMatches(ctx, conv)
	}

	rendered, err := o.Prompts.Render(prompts.NameProductSearch, map[string]string{
		"results": formatResults(results),
	})
	if err != nil {
		return TurnResult{Text: fallbackNoResults, Suggested: []string{ActionContactManager}}
	}
	out := o.generate(ctx, conv, rendered, fallbackBusy)
	out.Meta = ResultsMetadata(results)
	return out
}

// handleNoMatches answers an unmatched product query through the model so
// the "nothing found" reply still reads like the assistant, in the user's
// language, and offers the manager action.
func (o *Orchestrator) handleNoMatches(ctx context.Context, conv *domain.Conversation) TurnResult {
	suggested := []string{ActionContactManager}
	rendered, err := o.Prompts.Render(prompts.NameProductSearch, map[string]string{
		"results": "Подходящих товаров не найдено.",
	})
	if err != nil {
		return TurnResult{Text: fallbackNoResults, Suggested: suggested}
	}
	out := o.generate(ctx, conv, rendered, fallbackNoResults)
	out.Suggested = suggested
	return out
}

func (o *Orchestrator) handleService(ctx context.Context, conv *domain.Conversation, text string) TurnResult {
	svcContext, found, err := o.Knowledge.ServiceContext(ctx, text)
	if err != nil {
		o.Log.Warn(ctx, "service lookup failed", map[string]any{"error": err.Error()})
		return TurnResult{Text: FallbackBlurb}
	}
	if !found {
		return TurnResult{Text: svcContext} // the static blurb, verbatim
	}
	rendered, err := o.Prompts.Render(prompts.NameServiceAnswer, map[string]string{"services": svcContext})
	if err != nil {
		return TurnResult{Text: svcContext}
	}
	return o.generate(ctx, conv, rendered, fallbackBusy)
}

func (o *Orchestrator) handleCompanyInfo(ctx context.Context, conv *domain.Conversation, text string) TurnResult {
	info, err := o.Knowledge.CompanyInfo(ctx)
	if err != nil {
		o.Log.Warn(ctx, "company info lookup failed", map[string]any{"error": err.Error()})
		info = ""
	}
	if info == "" {
		info = FallbackBlurb
	}
	rendered, err := o.Prompts.Render(prompts.NameCompanyInfo, map[string]string{"info": info})
	if err != nil {
		return TurnResult{Text: info}
	}
	return o.generate(ctx, conv, rendered, fallbackBusy)
}

// handleContact captures the lead from the message and thanks the user. No
// retrieval: the turn is about their contact details, not the catalog.
func (o *Orchestrator) handleContact(ctx context.Context, user *domain.User, text string) TurnResult {
	phone, email := extractContacts(text)
	if phone == "" && email == "" && user.Phone == "" && user.Email == "" {
		return TurnResult{Text: fallbackContactAsk}
	}

	in := LeadInput{
		LastName: extractLastName(text, phone, email),
		Phone:    phone,
		Email:    email,
		Question: text,
	}
	if phone == "" && email == "" {
		in.Phone, in.Email = user.Phone, user.Email
	}
	lead, err := o.Leads.Capture(ctx, user, in)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPhone), errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrLeadMissingContact):
			return TurnResult{Text: fallbackContactAsk}
		default:
			o.Log.Error(ctx, "lead capture failed", map[string]any{"user_id": user.ID, "error": err.Error()})
			return TurnResult{Text: fallbackBusy}
		}
	}

	p, err := o.Prompts.Get(prompts.NameLeadQualify)
	if err != nil {
		return TurnResult{Text: fallbackContactThanks, LeadID: lead.ID}
	}
	resp, err := o.Gateway.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: o.systemPrompt()},
		{Role: llm.RoleSystem, Content: p.Content},
		{Role: llm.RoleUser, Content: text},
	})
	if err != nil {
		return TurnResult{Text: fallbackContactThanks, LeadID: lead.ID}
	}
	return TurnResult{Text: resp.Content, LeadID: lead.ID}
}

func (o *Orchestrator) handleGeneral(ctx context.Context, conv *domain.Conversation, text string) TurnResult {
	p, err := o.Prompts.Get(prompts.NameGeneral)
	if err != nil {
		return TurnResult{Text: fallbackBusy}
	}
	return o.generate(ctx, conv, p.Content, fallbackBusy)
}

// generate runs the LLM over system prompt + intent context + recent window.
// The inbound message is already in the window (it was appended first).
// fallback is the reply used when generation itself fails; budget and
// deadline exhaustion keep their dedicated texts.
func (o *Orchestrator) generate(ctx context.Context, conv *domain.Conversation, intentContext, fallback string) TurnResult {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: o.systemPrompt()},
		{Role: llm.RoleSystem, Content: intentContext},
	}
	if hint := replyLanguageHint(conv.Language); hint != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: hint})
	}

	window, err := o.Conversations.RecentWindow(ctx, conv.ID)
	if err != nil {
		o.Log.Warn(ctx, "history window load failed", map[string]any{"error": err.Error()})
	}
	for _, m := range window {
		role := llm.RoleUser
		if m.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}

	resp, err := o.Gateway.Generate(ctx, msgs)
	if err != nil {
		switch {
		case errors.Is(err, llm.ErrCostLimitExceeded):
			return TurnResult{Text: fallbackBudget}
		case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
			return TurnResult{Text: fallbackBusy}
		default:
			o.Log.Error(ctx, "generation failed", map[string]any{"error": err.Error()})
			return TurnResult{Text: fallback}
		}
	}
	return TurnResult{Text: resp.Content}
}

func (o *Orchestrator) systemPrompt() string {
	if p, err := o.Prompts.Get(prompts.NameSystem); err == nil {
		return p.Content
	}
	return "You are a helpful sales assistant. Reply in the user's language."
}

// replyLanguageHint turns the conversation's language code (Telegram sends
// IETF tags like "ru" or "pt-br") into an explicit reply instruction. The
// utterance itself still wins: a user switching languages mid-conversation
// gets answered in the language they wrote in.
func replyLanguageHint(code string) string {
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return ""
	}
	name := display.English.Languages().Name(tag)
	if name == "" {
		return ""
	}
	return "The user's interface language is " + name +
		". Reply in the language the user writes in; default to " + name + " when unsure."
}

func (o *Orchestrator) providerName() string {
	type named interface{ Active() llm.Provider }
	if g, ok := o.Gateway.(named); ok {
		return g.Active().Name()
	}
	return ""
}

// stopPhrases are stripped before vector search; they carry intent, not
// product signal.
var stopPhrases = []string{
	"здравствуйте", "добрый день", "привет", "подскажите пожалуйста",
	"подскажите", "скажите пожалуйста", "скажите", "есть ли у вас",
	"есть ли", "у вас есть", "сколько стоит", "мне нужен", "мне нужна",
	"мне нужно", "я ищу", "ищу", "хочу купить", "хочу заказать",
	"интересует", "do you have", "i am looking for", "i'm looking for",
	"looking for", "how much is", "i need", "please",
}

// distillQuery reduces the utterance to catalog keywords: fast stop-phrase
// stripping first, then an LLM extraction pass when enough budget remains.
// The LLM pass failing is never fatal; the fast path result stands.
func (o *Orchestrator) distillQuery(ctx context.Context, text string) string {
	fast := stripStopPhrases(text)

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < 3*time.Second {
		return fast
	}
	p, err := o.Prompts.Get(prompts.NameQueryExtraction)
	if err != nil {
		return fast
	}
	resp, err := o.Gateway.Classify(ctx, p.Content, text)
	if err != nil {
		return fast
	}
	if extracted := strings.TrimSpace(resp.Content); extracted != "" {
		return extracted
	}
	return fast
}

func stripStopPhrases(text string) string {
	out := strings.ToLower(text)
	for _, phrase := range stopPhrases {
		out = strings.ReplaceAll(out, phrase, " ")
	}
	out = strings.Join(strings.Fields(out), " ")
	out = strings.Trim(out, " ,.!?")
	if out == "" {
		return strings.TrimSpace(text)
	}
	return out
}

var (
	phonePattern = regexp.MustCompile(`(?:\+7|\b[78])[\s\-\(\)]*\d[\s\-\(\)\d]{8,}\d|\+\d{10,15}`)
	emailPattern = regexp.MustCompile(`[^@\s]+@[^@\s]+\.[A-Za-zА-Яа-я]{2,}`)
)

// extractContacts pulls the first phone and email out of free text.
func extractContacts(text string) (phone, email string) {
	if m := phonePattern.FindString(text); m != "" {
		phone = m
	}
	if m := emailPattern.FindString(text); m != "" {
		email = m
	}
	return phone, email
}

// extractLastName pulls a surname out of a contact message: the single
// capitalized word left standing once the phone, the email, and the request
// phrasing are removed. Returns "" when the message offers no unambiguous
// candidate; the lead service then falls back to the profile name.
func extractLastName(text, phone, email string) string {
	cleaned := text
	if phone != "" {
		cleaned = strings.ReplaceAll(cleaned, phone, " ")
	}
	if email != "" {
		cleaned = strings.ReplaceAll(cleaned, email, " ")
	}

	var candidate string
	for _, tok := range strings.FieldsFunc(cleaned, func(r rune) bool { return !unicode.IsLetter(r) }) {
		runes := []rune(tok)
		if len(runes) < 2 || !unicode.IsUpper(runes[0]) {
			continue
		}
		if isContactPhraseWord(strings.ToLower(tok)) {
			continue
		}
		if candidate != "" {
			return "" // two capitalized words, no way to pick the surname
		}
		candidate = tok
	}
	return candidate
}

func isContactPhraseWord(word string) bool {
	for _, kw := range contactKeywords {
		if strings.Contains(kw, word) || strings.Contains(word, kw) {
			return true
		}
	}
	return false
}

// formatResults renders catalog hits for the product prompt.
func formatResults(results []catalog.Result) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (артикул %s)", i+1, r.Product.Name, r.Product.Article)
		if r.Product.Category1 != "" {
			fmt.Fprintf(&b, " — %s", r.Product.Category1)
		}
		if r.Product.PageURL != "" {
			fmt.Fprintf(&b, " — %s", r.Product.PageURL)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ResultsMetadata serializes hits for the assistant message's metadata
// column.
func ResultsMetadata(results []catalog.Result) string {
	if len(results) == 0 {
		return ""
	}
	b, err := json.Marshal(results)
	if err != nil {
		return ""
	}
	return string(b)
}
