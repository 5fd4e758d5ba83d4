package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"github.com/nordmach/go-sales-agent/internal/domain"
)

type sentMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// newBotAPIServer fakes the Telegram sendMessage endpoint and records calls.
func newBotAPIServer(t *testing.T) (*httptest.Server, *[]sentMessage) {
	t.Helper()
	var mu sync.Mutex
	var sent []sentMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var m sentMessage
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &sent
}

func testLead() (*domain.Lead, *domain.User) {
	lead := &domain.Lead{
		LastName: "Иванова",
		Phone:    "+79991234567",
		Question: "Нужен перфоратор",
	}
	user := &domain.User{Username: "anna"}
	return lead, user
}

func TestTelegram_NotifyLeadTargetsManager(t *testing.T) {
	srv, sent := newBotAPIServer(t)
	tg := NewTelegram("token", 100, []int64{200, 300})
	tg.base = srv.URL

	lead, user := testLead()
	if err := tg.NotifyLead(context.Background(), lead, user); err != nil {
		t.Fatalf("NotifyLead: %v", err)
	}
	if len(*sent) != 1 || (*sent)[0].ChatID != 100 {
		t.Fatalf("unexpected sends: %+v", *sent)
	}
	text := (*sent)[0].Text
	for _, want := range []string{"Иванова", "+79991234567", "@anna", "Нужен перфоратор"} {
		if !strings.Contains(text, want) {
			t.Fatalf("lead card missing %q:\n%s", want, text)
		}
	}
}

func TestTelegram_AlertFansOutToAdmins(t *testing.T) {
	srv, sent := newBotAPIServer(t)
	tg := NewTelegram("token", 100, []int64{200, 300})
	tg.base = srv.URL

	if err := tg.Alert(context.Background(), "budget", "90% of the monthly limit"); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if len(*sent) != 3 {
		t.Fatalf("alert reached %d chats, want 3", len(*sent))
	}
	got := map[int64]bool{}
	for _, m := range *sent {
		got[m.ChatID] = true
	}
	for _, chat := range []int64{100, 200, 300} {
		if !got[chat] {
			t.Fatalf("chat %d missed the alert", chat)
		}
	}
}

func TestTelegram_DisabledWhenUnconfigured(t *testing.T) {
	if NewTelegram("", 100, nil) != nil {
		t.Fatalf("notifier built without a token")
	}
	if NewTelegram("token", 0, nil) != nil {
		t.Fatalf("notifier built without a manager chat")
	}
}

func TestEmail_NotifyLeadBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	e := NewEmail("smtp.example.com:587", "bot@example.com", "secret", []string{"sales@example.com"})
	e.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	lead, user := testLead()
	if err := e.NotifyLead(context.Background(), lead, user); err != nil {
		t.Fatalf("NotifyLead: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "bot@example.com" {
		t.Fatalf("addr=%q from=%q", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "sales@example.com" {
		t.Fatalf("to = %v", gotTo)
	}
	msg := string(gotMsg)
	if !strings.Contains(msg, "Subject: Новый лид из Telegram: Иванова") {
		t.Fatalf("subject missing:\n%s", msg)
	}
	if !strings.Contains(msg, "+79991234567") {
		t.Fatalf("body missing phone:\n%s", msg)
	}
}

func TestEmail_DisabledWhenUnconfigured(t *testing.T) {
	if NewEmail("", "u", "p", []string{"a@b"}) != nil {
		t.Fatalf("notifier built without a host")
	}
	if NewEmail("h:25", "u", "p", nil) != nil {
		t.Fatalf("notifier built without recipients")
	}
}
