package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/koopa0/agentlink/internal/conversation"
	"github.com/koopa0/agentlink/internal/notebook"
	"github.com/koopa0/agentlink/internal/security"
	"github.com/koopa0/agentlink/internal/session"
	"github.com/koopa0/agentlink/internal/testutil"
)

type fixture struct {
	client        *mcp.ClientSession
	sessions      *session.Store
	notebooks     *notebook.Store
	conversations *conversation.Store
}

// connectServer builds a server for the given owner on top of a real
// database and returns an SDK client connected via in-memory transports.
func connectServer(t *testing.T, ownerID string) *fixture {
	t.Helper()

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	box := security.NewSecretBox("test-secret-key-for-mcp-tests")
	logger := testutil.DiscardLogger()
	sessions := session.New(db.Pool, box, security.NewURL(), logger)
	notebooks := notebook.New(db.Pool, logger)
	conversations := conversation.New(db.Pool, logger)

	server, err := NewServer(Config{
		Name:    "agentlink-test",
		Version: "0.0.1",
		OwnerID: ownerID,
	}, sessions, notebooks, conversations, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := server.mcpServer.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}
	t.Cleanup(func() { _ = clientSession.Close() })

	return &fixture{
		client:        clientSession,
		sessions:      sessions,
		notebooks:     notebooks,
		conversations: conversations,
	}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := f.client.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want text", result.Content[0])
	}
	return tc.Text
}

// decode unmarshals a successful tool result's JSON payload.
func decode(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("tool returned error: %s", textOf(t, result))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(textOf(t, result)), &payload); err != nil {
		t.Fatalf("unmarshaling tool result: %v", err)
	}
	return payload
}

// wantToolError asserts an IsError result whose text starts with the given
// classified prefix, e.g. "Error [conflict]".
func wantToolError(t *testing.T, result *mcp.CallToolResult, prefix string) {
	t.Helper()
	if !result.IsError {
		t.Fatalf("expected tool error %s, got success: %s", prefix, textOf(t, result))
	}
	if text := textOf(t, result); !strings.HasPrefix(text, prefix) {
		t.Fatalf("error text = %q, want prefix %q", text, prefix)
	}
}

func (f *fixture) connect(t *testing.T) map[string]any {
	t.Helper()
	return decode(t, f.call(t, "createSessionNotebook", map[string]any{
		"agentName": "Review Bot",
		"agentKey":  "review-bot",
	}))
}

func TestListTools(t *testing.T) {
	f := connectServer(t, "user-1")

	result, err := f.client.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	want := []string{
		"createSessionNotebook",
		"listPendingFollowups",
		"registerWebhook",
		"respondToFollowup",
		"saveContent",
	}
	if len(names) != len(want) {
		t.Fatalf("tools = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("tools = %v, want %v", names, want)
		}
	}
}

func TestCreateSessionNotebookIdempotent(t *testing.T) {
	f := connectServer(t, "user-1")

	first := f.connect(t)
	if first["sessionId"] == "" || first["notebookId"] == "" || first["webhookSecret"] == "" {
		t.Fatalf("incomplete connect result: %v", first)
	}
	if first["status"] != "active" {
		t.Fatalf("status = %v, want active", first["status"])
	}

	second := f.connect(t)
	if second["sessionId"] != first["sessionId"] {
		t.Fatalf("reconnect changed session: %v vs %v", second["sessionId"], first["sessionId"])
	}
	if second["notebookId"] != first["notebookId"] {
		t.Fatalf("reconnect changed notebook: %v vs %v", second["notebookId"], first["notebookId"])
	}

	result := f.call(t, "createSessionNotebook", map[string]any{"agentName": "X"})
	wantToolError(t, result, "Error [validation]")
}

func TestSessionScoping(t *testing.T) {
	f := connectServer(t, "user-1")

	// Bad and unknown ids.
	wantToolError(t, f.call(t, "saveContent", map[string]any{
		"sessionId": "nope", "sourceId": "s", "title": "T",
	}), "Error [validation]")
	wantToolError(t, f.call(t, "saveContent", map[string]any{
		"sessionId": "7b9915c1-9a33-4a6b-9f60-0c4b6b9b0b6b", "sourceId": "s", "title": "T",
	}), "Error [not_found]")

	// Another user's session looks like it does not exist.
	foreign, err := f.sessions.Create(context.Background(), "user-2",
		session.AgentConfig{Name: "Other", AgentKey: "other"})
	if err != nil {
		t.Fatalf("Create foreign session: %v", err)
	}
	wantToolError(t, f.call(t, "listPendingFollowups", map[string]any{
		"sessionId": foreign.ID.String(),
	}), "Error [not_found]")

	// A terminal session tells the agent to reconnect.
	connected := f.connect(t)
	sessionID := connected["sessionId"].(string)
	if err := f.sessions.Expire(context.Background(), uuid.MustParse(sessionID), session.StatusExpired); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	wantToolError(t, f.call(t, "listPendingFollowups", map[string]any{
		"sessionId": sessionID,
	}), "Error [auth]")
}

func TestSaveContentFlow(t *testing.T) {
	f := connectServer(t, "user-1")
	connected := f.connect(t)
	sessionID := connected["sessionId"].(string)

	saved := decode(t, f.call(t, "saveContent", map[string]any{
		"sessionId": sessionID,
		"sourceId":  "src-1",
		"title":     "Parser",
		"code":      "package parser",
		"language":  "go",
	}))
	if saved["conversationId"] == "" || saved["sourceId"] != "src-1" {
		t.Fatalf("saveContent result = %v", saved)
	}
	if saved["notebookId"] != connected["notebookId"] {
		t.Fatalf("notebookId = %v, want %v", saved["notebookId"], connected["notebookId"])
	}

	// Re-saving keeps the conversation.
	again := decode(t, f.call(t, "saveContent", map[string]any{
		"sessionId": sessionID,
		"sourceId":  "src-1",
		"title":     "Parser v2",
		"code":      "package parser2",
	}))
	if again["conversationId"] != saved["conversationId"] {
		t.Fatalf("re-save created conversation %v, want %v", again["conversationId"], saved["conversationId"])
	}

	// A second agent of the same user cannot claim the source.
	other := decode(t, f.call(t, "createSessionNotebook", map[string]any{
		"agentName": "Other Bot",
		"agentKey":  "other-bot",
	}))
	wantToolError(t, f.call(t, "saveContent", map[string]any{
		"sessionId": other["sessionId"],
		"sourceId":  "src-1",
		"title":     "Stolen",
	}), "Error [conflict]")
}

func TestFollowupLifecycle(t *testing.T) {
	f := connectServer(t, "user-1")
	ctx := context.Background()

	connected := f.connect(t)
	sessionID := connected["sessionId"].(string)

	decode(t, f.call(t, "saveContent", map[string]any{
		"sessionId": sessionID,
		"sourceId":  "src-1",
		"title":     "Parser",
	}))

	// Nothing pending on a fresh source.
	empty := decode(t, f.call(t, "listPendingFollowups", map[string]any{"sessionId": sessionID}))
	if items := empty["pending"].([]any); len(items) != 0 {
		t.Fatalf("pending = %v, want empty", items)
	}

	// The user asks a question.
	msg, err := f.conversations.AddMessage(ctx, "src-1", conversation.RoleUser, "why is this recursive?", nil)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	listed := decode(t, f.call(t, "listPendingFollowups", map[string]any{"sessionId": sessionID}))
	items := listed["pending"].([]any)
	if len(items) != 1 {
		t.Fatalf("pending = %v, want 1 item", items)
	}
	item := items[0].(map[string]any)
	if item["messageId"] != msg.ID.String() || item["sourceId"] != "src-1" || item["message"] != "why is this recursive?" {
		t.Fatalf("pending item = %v", item)
	}

	// The agent answers with a code revision.
	answered := decode(t, f.call(t, "respondToFollowup", map[string]any{
		"sessionId":   sessionID,
		"messageId":   msg.ID.String(),
		"response":    "it walks the tree",
		"code":        "func walk(n *node) {}",
		"description": "iterative rewrite",
	}))
	if answered["sourceId"] != "src-1" || answered["sequence"] != float64(2) {
		t.Fatalf("respond result = %v", answered)
	}

	resolved, err := f.conversations.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if resolved.ResolvedBy != conversation.ResolvedAsync {
		t.Fatalf("resolved_by = %q, want async", resolved.ResolvedBy)
	}

	// The answer landed in the thread with its code update.
	_, msgs, err := f.conversations.Get(ctx, "src-1")
	if err != nil {
		t.Fatalf("Get conversation: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != conversation.RoleAgent || last.Content != "it walks the tree" {
		t.Fatalf("last message = %+v", last)
	}
	if cu, ok := last.Metadata["codeUpdate"].(map[string]any); !ok || cu["code"] != "func walk(n *node) {}" {
		t.Fatalf("codeUpdate = %#v", last.Metadata)
	}

	// Answering twice is a duplicate; first answer wins.
	wantToolError(t, f.call(t, "respondToFollowup", map[string]any{
		"sessionId": sessionID,
		"messageId": msg.ID.String(),
		"response":  "second answer",
	}), "Error [conflict]")

	// And the resolved follow-up left the pending list.
	after := decode(t, f.call(t, "listPendingFollowups", map[string]any{"sessionId": sessionID}))
	if items := after["pending"].([]any); len(items) != 0 {
		t.Fatalf("pending after resolve = %v, want empty", items)
	}
}

func TestRegisterWebhook(t *testing.T) {
	f := connectServer(t, "user-1")
	connected := f.connect(t)
	sessionID := connected["sessionId"].(string)

	registered := decode(t, f.call(t, "registerWebhook", map[string]any{
		"sessionId": sessionID,
		"url":       "https://agent.example.com/hook",
	}))
	if registered["webhookUrl"] != "https://agent.example.com/hook" {
		t.Fatalf("webhookUrl = %v", registered["webhookUrl"])
	}
	if registered["webhookSecret"] == connected["webhookSecret"] {
		t.Fatal("registerWebhook must rotate the secret")
	}

	// SSRF targets are rejected with a validation error.
	wantToolError(t, f.call(t, "registerWebhook", map[string]any{
		"sessionId": sessionID,
		"url":       "http://169.254.169.254/latest",
	}), "Error [validation]")
}
