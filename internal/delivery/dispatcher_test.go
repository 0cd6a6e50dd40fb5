package delivery_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/koopa0/agentlink/internal/config"
	"github.com/koopa0/agentlink/internal/conversation"
	"github.com/koopa0/agentlink/internal/delivery"
	"github.com/koopa0/agentlink/internal/security"
	"github.com/koopa0/agentlink/internal/signature"
	"github.com/koopa0/agentlink/internal/testutil"
)

// dispatcherConfig compresses the backoff schedule so a full five-attempt
// exhaustion runs in well under a second.
func dispatcherConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Workers:        2,
		AttemptTimeout: 250 * time.Millisecond,
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     80 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}
}

// setWebhook points the session at the test endpoint directly in the
// database; the registration path rejects loopback URLs by design.
func (f *fixture) setWebhook(t *testing.T, url string) {
	t.Helper()
	if _, err := f.pool.Exec(context.Background(),
		`UPDATE agent_sessions SET webhook_url = $2 WHERE id = $1`, f.sess.ID, url); err != nil {
		t.Fatalf("setting webhook URL: %v", err)
	}
}

// runDispatcher starts a dispatcher against the fixture and blocks until
// the attempt reaches a terminal outcome (or the deadline passes), then
// shuts the workers down.
func (f *fixture) runDispatcher(t *testing.T, cfg config.WebhookConfig, attemptID uuid.UUID) *delivery.Attempt {
	t.Helper()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	d := delivery.NewDispatcher(f.queue, f.sessions, f.conversations,
		security.NewURL(), cfg, client, testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	deadline := time.Now().Add(15 * time.Second)
	var att *delivery.Attempt
	for time.Now().Before(deadline) {
		var err error
		att, err = f.queue.Get(context.Background(), attemptID)
		if err != nil {
			t.Fatalf("Get attempt: %v", err)
		}
		if att.Outcome.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain after cancel")
	}

	if att == nil || !att.Outcome.Terminal() {
		t.Fatalf("attempt never settled: %+v", att)
	}
	return att
}

func TestDispatcherIgnoresUnsuccessfulReply(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	// The agent acknowledges with 200 but reports success=false: the
	// delivery itself stands, the body is not a synchronous answer.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  false,
			"response": "agent busy, will answer later",
		})
	}))
	defer srv.Close()
	f.setWebhook(t, srv.URL)

	msg := f.addUserMessage(t, "src-1", "still there?")
	att, err := f.queue.Enqueue(ctx, f.sess.ID, msg.ID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	settled := f.runDispatcher(t, dispatcherConfig(), att.ID)
	if settled.Outcome != delivery.OutcomeDelivered {
		t.Fatalf("outcome = %s, want delivered", settled.Outcome)
	}

	// The follow-up stays open for the async respond path.
	got, err := f.conversations.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.DeliveryState != conversation.StateDelivered {
		t.Fatalf("message state = %q, want delivered", got.DeliveryState)
	}
	if got.ResolvedBy != "" {
		t.Fatalf("resolved_by = %q, want unresolved", got.ResolvedBy)
	}

	// No agent reply was appended from the declined body.
	_, msgs, err := f.conversations.Get(ctx, "src-1")
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.ID != msg.ID {
		t.Fatalf("conversation grew past the user message: %+v", last)
	}

	// The async path can still resolve it.
	if err := f.conversations.Resolve(ctx, msg.ID, conversation.ResolvedAsync); err != nil {
		t.Fatalf("async Resolve: %v", err)
	}
}

func TestDispatcherRetriesThenDelivers(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	var calls atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))

		// Endpoint is unhealthy for the first three attempts.
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		// Every delivered payload is signed over the exact bytes.
		sig := r.Header.Get(signature.HeaderSignature)
		if !signature.Verify(body, sig, []byte(f.sess.WebhookSecret)) {
			t.Errorf("signature did not verify")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()
	f.setWebhook(t, srv.URL)

	msg := f.addUserMessage(t, "src-1", "does this parse?")
	att, err := f.queue.Enqueue(ctx, f.sess.ID, msg.ID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	settled := f.runDispatcher(t, dispatcherConfig(), att.ID)

	if settled.Outcome != delivery.OutcomeDelivered {
		t.Fatalf("outcome = %s, want delivered (last error: %s)", settled.Outcome, settled.LastError)
	}
	if settled.AttemptNumber != 4 {
		t.Fatalf("attempt number = %d, want 4 (three 500s then a 200)", settled.AttemptNumber)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("endpoint saw %d calls, want 4", got)
	}

	// Payload carries all mandatory fields.
	var payload map[string]any
	if err := json.Unmarshal([]byte(lastBody.Load().(string)), &payload); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	for _, field := range []string{"type", "sourceId", "sourceTitle", "sourceCode", "sourceLanguage", "message", "conversationHistory", "userId", "timestamp"} {
		if _, ok := payload[field]; !ok {
			t.Errorf("payload missing %q", field)
		}
	}
	if payload["message"] != "does this parse?" {
		t.Errorf("payload message = %v", payload["message"])
	}

	// The user message is marked delivered.
	got, err := f.conversations.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.DeliveryState != conversation.StateDelivered {
		t.Fatalf("message state = %q, want delivered", got.DeliveryState)
	}
}

func TestDispatcherPermanentFailure(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()
	f.setWebhook(t, srv.URL)

	msg := f.addUserMessage(t, "src-1", "q")
	att, err := f.queue.Enqueue(ctx, f.sess.ID, msg.ID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	settled := f.runDispatcher(t, dispatcherConfig(), att.ID)

	// A 404 is permanent: one attempt, no retries.
	if settled.Outcome != delivery.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", settled.Outcome)
	}
	if settled.AttemptNumber != 1 {
		t.Fatalf("attempt number = %d, want 1", settled.AttemptNumber)
	}
	if settled.LastStatus != http.StatusNotFound {
		t.Fatalf("last status = %d, want 404", settled.LastStatus)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("endpoint saw %d calls, want 1", got)
	}

	// The failure surfaces in the conversation as an agent-side notice.
	_, msgs, err := f.conversations.Get(ctx, "src-1")
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != conversation.RoleAgent || last.Metadata["type"] != "delivery_failure" {
		t.Fatalf("expected a delivery failure notice, got %+v", last)
	}

	got, err := f.conversations.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.DeliveryState != conversation.StateFailed {
		t.Fatalf("message state = %q, want failed", got.DeliveryState)
	}
}

func TestDispatcherExhaustsTimeouts(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	var calls atomic.Int32
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Never answer within the attempt timeout.
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	f.setWebhook(t, srv.URL)

	msg := f.addUserMessage(t, "src-1", "q")
	att, err := f.queue.Enqueue(ctx, f.sess.ID, msg.ID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	cfg := dispatcherConfig()
	settled := f.runDispatcher(t, cfg, att.ID)

	// Timeouts are transient; the full schedule runs before giving up.
	if settled.Outcome != delivery.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", settled.Outcome)
	}
	if settled.AttemptNumber != cfg.MaxAttempts {
		t.Fatalf("attempt number = %d, want %d", settled.AttemptNumber, cfg.MaxAttempts)
	}
	if got := calls.Load(); got != int32(cfg.MaxAttempts) {
		t.Fatalf("endpoint saw %d calls, want %d", got, cfg.MaxAttempts)
	}

	got, err := f.conversations.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.DeliveryState != conversation.StateFailed {
		t.Fatalf("message state = %q, want failed", got.DeliveryState)
	}
}

func TestDispatcherAppliesSyncReply(t *testing.T) {
	f, cleanup := setup(t)
	defer cleanup()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"response": "renamed the variable",
			"codeUpdate": map[string]string{
				"code":        "var parsed bool",
				"description": "clearer name",
			},
		})
	}))
	defer srv.Close()
	f.setWebhook(t, srv.URL)

	msg := f.addUserMessage(t, "src-1", "can you rename this?")
	att, err := f.queue.Enqueue(ctx, f.sess.ID, msg.ID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	settled := f.runDispatcher(t, dispatcherConfig(), att.ID)
	if settled.Outcome != delivery.OutcomeDelivered {
		t.Fatalf("outcome = %s, want delivered", settled.Outcome)
	}

	// The sync reply resolved the follow-up and appended the agent answer.
	resolved, err := f.conversations.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if resolved.ResolvedBy != conversation.ResolvedSync {
		t.Fatalf("resolved_by = %q, want sync", resolved.ResolvedBy)
	}

	_, msgs, err := f.conversations.Get(ctx, "src-1")
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != conversation.RoleAgent || last.Content != "renamed the variable" {
		t.Fatalf("expected appended sync reply, got %+v", last)
	}
	cu, ok := last.Metadata["codeUpdate"].(map[string]any)
	if !ok || cu["code"] != "var parsed bool" {
		t.Fatalf("codeUpdate not stored: %#v", last.Metadata)
	}

	// Resolving again through the async path now loses.
	if err := f.conversations.Resolve(ctx, msg.ID, conversation.ResolvedAsync); err != conversation.ErrAlreadyResolved {
		t.Fatalf("async resolve after sync = %v, want ErrAlreadyResolved", err)
	}
}
