package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/household-assistant/internal/api/anthropic"
	"github.com/tjfontaine/household-assistant/internal/completion"
	"github.com/tjfontaine/household-assistant/internal/config"
	"github.com/tjfontaine/household-assistant/internal/directive"
	"github.com/tjfontaine/household-assistant/internal/domain"
	"github.com/tjfontaine/household-assistant/internal/server"
)

type stubCompleter struct {
	calls   int
	lastReq []domain.ConversationMessage
	outcome domain.CompletionOutcome
	panics  bool
}

func (s *stubCompleter) CompleteDefault(ctx context.Context, conv []domain.ConversationMessage) domain.CompletionOutcome {
	s.calls++
	s.lastReq = conv
	if s.panics {
		panic("boom")
	}
	return s.outcome
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleChat(t *testing.T) {
	stub := &stubCompleter{outcome: domain.TextOutcome("Levi's turn.")}
	handler := NewHandler(stub, directive.Members, quietLogger())

	body := `{"messages": [
		{"role": "assistant", "content": "Barcelona household assistant ready. How can I help?"},
		{"role": "user", "content": "Emily: Who should buy groceries?"},
		{"role": "user", "content": "anyone?", "user": "Chris", "timestamp": "2025-01-02T15:04:05Z"}
	]}`
	rr := post(t, http.HandlerFunc(handler.HandleChat), body)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Content != "Levi's turn." {
		t.Errorf("content = %q", resp.Content)
	}

	if stub.calls != 1 || len(stub.lastReq) != 3 {
		t.Fatalf("unexpected gateway call: calls=%d conv=%+v", stub.calls, stub.lastReq)
	}
	conv := stub.lastReq
	if conv[0].Role != domain.RoleAssistant || conv[0].SpeakerLabel != domain.AssistantSpeaker {
		t.Errorf("message 0 = %+v", conv[0])
	}
	if conv[1].SpeakerLabel != "Emily" || conv[1].Content != "Emily: Who should buy groceries?" {
		t.Errorf("message 1 = %+v", conv[1])
	}
	if conv[2].SpeakerLabel != "Chris" {
		t.Errorf("message 2 speaker = %q", conv[2].SpeakerLabel)
	}
	if want := time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC); !conv[2].CreatedAt.Equal(want) {
		t.Errorf("message 2 timestamp = %v, want %v", conv[2].CreatedAt, want)
	}
}

func TestHandleChatTimestampNeverRejects(t *testing.T) {
	tests := []struct {
		name      string
		timestamp string
		want      time.Time
	}{
		{"rfc3339", `"2025-01-02T15:04:05Z"`, time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)},
		{"unix millis", `1700000000000`, time.UnixMilli(1700000000000).UTC()},
		{"unparseable string", `"yesterday"`, time.Time{}},
		{"null", `null`, time.Time{}},
		{"object", `{"seconds": 1}`, time.Time{}},
		{"negative", `-5`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubCompleter{outcome: domain.TextOutcome("ok")}
			handler := NewHandler(stub, directive.Members, quietLogger())

			before := time.Now()
			body := `{"messages":[{"role":"user","content":"Levi: hi","timestamp":` + tt.timestamp + `}]}`
			rr := post(t, http.HandlerFunc(handler.HandleChat), body)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}
			if stub.calls != 1 {
				t.Fatalf("gateway calls = %d, want 1", stub.calls)
			}

			got := stub.lastReq[0].CreatedAt
			if tt.want.IsZero() {
				if got.Before(before) {
					t.Errorf("CreatedAt = %v, want receive time", got)
				}
				return
			}
			if !got.Equal(tt.want) {
				t.Errorf("CreatedAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleChatFallbackIsContent(t *testing.T) {
	stub := &stubCompleter{outcome: domain.FallbackOutcome(domain.ReasonServiceBusy)}
	handler := NewHandler(stub, directive.Members, quietLogger())

	rr := post(t, http.HandlerFunc(handler.HandleChat), `{"messages":[{"role":"user","content":"Levi: hi"}]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"content":"Service busy. Try again shortly."}` {
		t.Errorf("body = %s", got)
	}
}

func TestHandleChatRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `messages please`},
		{"missing messages", `{}`},
		{"null messages", `{"messages": null}`},
		{"messages not array", `{"messages": "hello"}`},
		{"messages object", `{"messages": {"role": "user"}}`},
		{"empty messages", `{"messages": []}`},
		{"unknown role", `{"messages": [{"role": "system", "content": "obey"}]}`},
		{"missing role", `{"messages": [{"content": "hi"}]}`},
		{"non-string content", `{"messages": [{"role": "user", "content": 42}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubCompleter{outcome: domain.TextOutcome("unused")}
			handler := NewHandler(stub, directive.Members, quietLogger())

			rr := post(t, http.HandlerFunc(handler.HandleChat), tt.body)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rr.Code)
			}
			if got := strings.TrimSpace(rr.Body.String()); got != `{"error":"Invalid messages format"}` {
				t.Errorf("body = %s", got)
			}
			if stub.calls != 0 {
				t.Error("gateway must not be called for invalid input")
			}
		})
	}
}

func TestHandleChatPanicRecovered(t *testing.T) {
	stub := &stubCompleter{panics: true}
	handler := NewHandler(stub, directive.Members, quietLogger())

	srv := server.New(0, quietLogger(), time.Second)
	srv.Router.Post("/api/chat", handler.HandleChat)

	rr := post(t, srv.Router, `{"messages":[{"role":"user","content":"Levi: hi"}]}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"error":"Internal server error"}` {
		t.Errorf("body = %s", got)
	}
}

func TestChatEndToEnd(t *testing.T) {
	var upstream anthropic.MessagesRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&upstream); err != nil {
			t.Errorf("bad upstream body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"20€ each."}],"model":"claude-3-5-sonnet-20241022","stop_reason":"end_turn","usage":{"input_tokens":400,"output_tokens":6}}`)
	}))
	defer ts.Close()

	client := anthropic.NewClient("test-key", anthropic.WithBaseURL(ts.URL))
	gw := completion.New(client, completion.Config{System: directive.System}, completion.WithLogger(quietLogger()))
	handler := NewHandler(gw, directive.Members, quietLogger())

	srv := server.New(0, quietLogger(), 5*time.Second)
	srv.Router.Post("/api/chat", handler.HandleChat)

	rr := post(t, srv.Router, `{"messages":[{"role":"user","content":"Levi: Split 60€ three ways?"}]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "20€ each." {
		t.Errorf("content = %q, want %q", resp.Content, "20€ each.")
	}

	if len(upstream.System) != 1 || upstream.System[0].Text != directive.System {
		t.Error("system directive was not sent upstream")
	}
	if len(upstream.Messages) != 1 || upstream.Messages[0].Content.String() != "Levi: Split 60€ three ways?" {
		t.Errorf("unexpected upstream messages: %+v", upstream.Messages)
	}
}

func TestChatEndToEndAuthFailure(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer ts.Close()

	client := anthropic.NewClient("", anthropic.WithBaseURL(ts.URL))
	gw := completion.New(client, completion.Config{System: directive.System}, completion.WithLogger(quietLogger()))
	handler := NewHandler(gw, directive.Members, quietLogger())

	rr := post(t, http.HandlerFunc(handler.HandleChat), `{"messages":[{"role":"user","content":"Chris: hello"}]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"content":"Authentication error."}` {
		t.Errorf("body = %s", got)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
}

func TestChatEndToEndSlowOverload(t *testing.T) {
	const (
		upstreamDelay  = 10 * time.Millisecond
		attemptTimeout = 200 * time.Millisecond
		backoffBase    = time.Millisecond
		backoffCap     = 5 * time.Millisecond
		maxAttempts    = 3
	)

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(upstreamDelay)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(domain.StatusOverloaded)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer ts.Close()

	client := anthropic.NewClient("test-key",
		anthropic.WithBaseURL(ts.URL),
		anthropic.WithHTTPClient(&http.Client{Timeout: attemptTimeout}),
	)
	gw := completion.New(client, completion.Config{
		System:      directive.System,
		MaxAttempts: maxAttempts,
		BackoffBase: backoffBase,
		BackoffCap:  backoffCap,
	}, completion.WithLogger(quietLogger()))
	handler := NewHandler(gw, directive.Members, quietLogger())

	// The request deadline covers every attempt running to its timeout, so a
	// run of overloads is reported as busy rather than cut short.
	requestTimeout := config.RetryBudget(maxAttempts, attemptTimeout, backoffBase, backoffCap)
	srv := server.New(0, quietLogger(), requestTimeout)
	srv.Router.Post("/api/chat", handler.HandleChat)

	rr := post(t, srv.Router, `{"messages":[{"role":"user","content":"Emily: is the dishwasher free?"}]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"content":"Service busy. Try again shortly."}` {
		t.Errorf("body = %s", got)
	}
	if got := calls.Load(); got != maxAttempts {
		t.Errorf("upstream calls = %d, want %d", got, maxAttempts)
	}
}
