package session_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/agentlink/internal/security"
	"github.com/koopa0/agentlink/internal/session"
	"github.com/koopa0/agentlink/internal/testutil"
)

func newStore(t *testing.T) (*session.Store, func()) {
	t.Helper()

	db, cleanup := testutil.SetupTestDB(t)

	box := security.NewSecretBox("test-secret-key-for-session-store")

	return session.New(db.Pool, box, security.NewURL(), testutil.DiscardLogger()), cleanup
}

func TestCreateIdempotent(t *testing.T) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	cfg := session.AgentConfig{Name: "Review Bot", AgentKey: "review-bot"}

	first, err := store.Create(ctx, "user-1", cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.Status != session.StatusActive {
		t.Fatalf("status = %s, want active", first.Status)
	}
	if first.WebhookSecret == "" {
		t.Fatal("expected a generated webhook secret")
	}

	second, err := store.Create(ctx, "user-1", cfg)
	if err != nil {
		t.Fatalf("Create (second): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second Create returned %s, want existing %s", second.ID, first.ID)
	}
	if second.WebhookSecret != first.WebhookSecret {
		t.Fatal("idempotent Create must not rotate the webhook secret")
	}
}

func TestCreateSeparateSlots(t *testing.T) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	a, err := store.Create(ctx, "user-1", session.AgentConfig{Name: "A", AgentKey: "agent-a"})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := store.Create(ctx, "user-1", session.AgentConfig{Name: "B", AgentKey: "agent-b"})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("different agent keys must get different sessions")
	}

	// Same key for a different user is a different slot too.
	c, err := store.Create(ctx, "user-2", session.AgentConfig{Name: "A", AgentKey: "agent-a"})
	if err != nil {
		t.Fatalf("Create c: %v", err)
	}
	if c.ID == a.ID {
		t.Fatal("different owners must get different sessions")
	}
}

func TestReconnectReactivatesSlot(t *testing.T) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	cfg := session.AgentConfig{Name: "Bot", AgentKey: "bot"}
	first, err := store.Create(ctx, "user-1", cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Expire(ctx, first.ID, session.StatusDisconnected); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	// Terminal sessions refuse activity...
	if _, err := store.RegisterWebhook(ctx, first.ID, "https://agent.example.com/hook"); err != session.ErrTerminal {
		t.Fatalf("RegisterWebhook on terminal = %v, want ErrTerminal", err)
	}

	// ...until the agent reconnects through Create, which reactivates the
	// slot with fresh credentials.
	second, err := store.Create(ctx, "user-1", cfg)
	if err != nil {
		t.Fatalf("Create (reconnect): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("reconnect created a new slot: %s vs %s", second.ID, first.ID)
	}
	if second.Status != session.StatusActive {
		t.Fatalf("status after reconnect = %s, want active", second.Status)
	}
	if second.WebhookSecret == first.WebhookSecret {
		t.Fatal("reconnect must rotate the webhook secret")
	}
}

func TestExpireTransitions(t *testing.T) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1", session.AgentConfig{Name: "Bot", AgentKey: "bot"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Expire(ctx, sess.ID, session.StatusExpired); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	// Expiring twice reports the terminal state.
	if err := store.Expire(ctx, sess.ID, session.StatusDisconnected); err != session.ErrTerminal {
		t.Fatalf("second Expire = %v, want ErrTerminal", err)
	}

	// Unknown id.
	if err := store.Expire(ctx, uuid.New(), session.StatusExpired); err != session.ErrNotFound {
		t.Fatalf("Expire unknown = %v, want ErrNotFound", err)
	}

	// Active is not a terminal status.
	if err := store.Expire(ctx, sess.ID, session.StatusActive); err == nil {
		t.Fatal("Expire with non-terminal status must fail")
	}
}

func TestTouchSkipsTerminal(t *testing.T) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1", session.AgentConfig{Name: "Bot", AgentKey: "bot"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Expire(ctx, sess.ID, session.StatusExpired); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	before, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Touch on a terminal session is a silent no-op.
	if err := store.Touch(ctx, sess.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	after, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !after.LastActivityAt.Equal(before.LastActivityAt) {
		t.Fatal("Touch must not bump activity on a terminal session")
	}
	if after.Status != session.StatusExpired {
		t.Fatalf("status = %s, want expired", after.Status)
	}
}

func TestRegisterWebhookRotatesSecret(t *testing.T) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1", session.AgentConfig{Name: "Bot", AgentKey: "bot"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := store.RegisterWebhook(ctx, sess.ID, "https://agent.example.com/hook")
	if err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	if updated.WebhookURL != "https://agent.example.com/hook" {
		t.Fatalf("webhook URL = %q", updated.WebhookURL)
	}
	if updated.WebhookSecret == sess.WebhookSecret {
		t.Fatal("RegisterWebhook must rotate the secret")
	}

	// SSRF targets are rejected before anything is stored.
	if _, err := store.RegisterWebhook(ctx, sess.ID, "http://169.254.169.254/latest"); err == nil {
		t.Fatal("metadata endpoint must be rejected")
	}
	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WebhookURL != updated.WebhookURL {
		t.Fatal("rejected registration must not change the stored URL")
	}
}

func TestCreateRejectsPrivateWebhookURL(t *testing.T) {
	store, cleanup := newStore(t)
	defer cleanup()

	_, err := store.Create(context.Background(), "user-1", session.AgentConfig{
		Name:       "Bot",
		AgentKey:   "bot",
		WebhookURL: "http://10.0.0.5/hook",
	})
	if err == nil || !strings.Contains(err.Error(), "invalid webhook URL") {
		t.Fatalf("Create with private URL = %v, want invalid webhook URL error", err)
	}
}

func TestExpireIdle(t *testing.T) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1", session.AgentConfig{Name: "Bot", AgentKey: "bot"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Fresh session is not idle.
	n, err := store.ExpireIdle(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpireIdle: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired %d sessions, want 0", n)
	}

	// With a zero cutoff everything active is idle.
	n, err = store.ExpireIdle(ctx, 0)
	if err != nil {
		t.Fatalf("ExpireIdle: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d sessions, want 1", n)
	}
	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}
