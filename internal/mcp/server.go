// Package mcp exposes agentlink's agent-facing operations as MCP tools over
// a stdio transport.
//
// Handlers build MCP responses inline (like net/http.Handler) — no
// conversion layer between domain results and tool results. Domain errors
// the agent can act on (expired session, duplicate resolution, unknown ids)
// come back as IsError tool results; system errors propagate and fail the
// call.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/koopa0/agentlink/internal/conversation"
	"github.com/koopa0/agentlink/internal/notebook"
	"github.com/koopa0/agentlink/internal/session"
)

// Server wraps the MCP SDK server and agentlink's stores.
//
// A stdio MCP server is launched inside one user's context, so the owner
// identity is fixed at construction time; every tool call acts on that
// user's sessions only.
type Server struct {
	mcpServer     *mcp.Server
	ownerID       string
	sessions      *session.Store
	notebooks     *notebook.Store
	conversations *conversation.Store
	logger        *slog.Logger
}

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string

	// OwnerID is the user whose sessions this server operates on.
	OwnerID string
}

// NewServer creates the MCP server and registers all tools.
func NewServer(cfg Config, sessions *session.Store, notebooks *notebook.Store,
	conversations *conversation.Store, logger *slog.Logger) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		ownerID:       cfg.OwnerID,
		sessions:      sessions,
		notebooks:     notebooks,
		conversations: conversations,
		logger:        logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Run starts the MCP server on the given transport. Blocking.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

func (s *Server) registerTools() error {
	registrations := []struct {
		name string
		fn   func() error
	}{
		{"createSessionNotebook", s.registerCreateSessionNotebook},
		{"saveContent", s.registerSaveContent},
		{"listPendingFollowups", s.registerListPendingFollowups},
		{"respondToFollowup", s.registerRespondToFollowup},
		{"registerWebhook", s.registerRegisterWebhook},
	}
	for _, r := range registrations {
		if err := r.fn(); err != nil {
			return fmt.Errorf("failed to register %s: %w", r.name, err)
		}
	}
	return nil
}

// errorResult builds an IsError tool result for an agent-actionable failure.
func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// jsonResult marshals v into a single text content block.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

// activeSession resolves a session id string to this owner's active session.
// The second return value is a non-nil tool error result when the agent sent
// a bad id, someone else's session, or a terminal one.
func (s *Server) activeSession(ctx context.Context, rawID string) (*session.Session, *mcp.CallToolResult, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, errorResult("Error [validation]: sessionId %q is not a valid UUID", rawID), nil
	}

	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, errorResult("Error [not_found]: session %s does not exist", id), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("system error: %w", err)
	}
	if sess.OwnerID != s.ownerID {
		// Do not leak whether the id exists for another user.
		return nil, errorResult("Error [not_found]: session %s does not exist", id), nil
	}
	if sess.Status.Terminal() {
		return nil, errorResult("Error [auth]: session %s is %s; call createSessionNotebook to reconnect", id, sess.Status), nil
	}
	return sess, nil, nil
}

// CreateSessionNotebookInput defines the input schema for createSessionNotebook.
type CreateSessionNotebookInput struct {
	AgentName   string `json:"agentName" jsonschema:"Human-readable name of the agent"`
	AgentKey    string `json:"agentKey" jsonschema:"Stable identifier of the agent type; one session slot exists per agent key"`
	Title       string `json:"title,omitempty" jsonschema:"Notebook title; defaults to the agent name"`
	Description string `json:"description,omitempty" jsonschema:"Notebook description"`
	WebhookURL  string `json:"webhookUrl,omitempty" jsonschema:"Optional webhook endpoint; can also be registered later via registerWebhook"`
}

func (s *Server) registerCreateSessionNotebook() error {
	inputSchema, err := jsonschema.For[CreateSessionNotebookInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create input schema: %w", err)
	}

	tool := &mcp.Tool{
		Name: "createSessionNotebook",
		Description: "Connect the agent: create (or reactivate) the agent session and its dedicated notebook. " +
			"Idempotent per agent key. Returns the session id, notebook id and the webhook signing secret — " +
			"the secret is only returned here and by registerWebhook, store it.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in CreateSessionNotebookInput) (*mcp.CallToolResult, any, error) {
		if in.AgentName == "" || in.AgentKey == "" {
			return errorResult("Error [validation]: agentName and agentKey are required"), nil, nil
		}

		sess, err := s.sessions.Create(ctx, s.ownerID, session.AgentConfig{
			Name:       in.AgentName,
			AgentKey:   in.AgentKey,
			WebhookURL: in.WebhookURL,
		})
		if errors.Is(err, session.ErrInvalidWebhookURL) {
			return errorResult("Error [validation]: %v", err), nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("system error: %w", err)
		}

		title := in.Title
		if title == "" {
			title = in.AgentName
		}
		nb, err := s.notebooks.CreateOrGet(ctx, s.ownerID, sess.ID, title, in.Description)
		if err != nil {
			return nil, nil, fmt.Errorf("system error: %w", err)
		}
		if err := s.sessions.BindNotebook(ctx, sess.ID, nb.ID); err != nil {
			return nil, nil, fmt.Errorf("system error: %w", err)
		}

		result, err := jsonResult(map[string]any{
			"sessionId":     sess.ID,
			"notebookId":    nb.ID,
			"webhookSecret": sess.WebhookSecret,
			"status":        sess.Status,
		})
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	})
	return nil
}

// SaveContentInput defines the input schema for saveContent.
type SaveContentInput struct {
	SessionID string `json:"sessionId" jsonschema:"Session returned by createSessionNotebook"`
	SourceID  string `json:"sourceId" jsonschema:"Stable identifier of the content being saved; follow-ups reference it"`
	Title     string `json:"title" jsonschema:"Display title of the content"`
	Code      string `json:"code" jsonschema:"The content body (source code or text)"`
	Language  string `json:"language,omitempty" jsonschema:"Language of the content, e.g. go, python, text"`
}

func (s *Server) registerSaveContent() error {
	inputSchema, err := jsonschema.For[SaveContentInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create input schema: %w", err)
	}

	tool := &mcp.Tool{
		Name: "saveContent",
		Description: "Save content into the session's notebook and open its conversation thread. " +
			"Saving the same sourceId again refreshes the stored content.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in SaveContentInput) (*mcp.CallToolResult, any, error) {
		if in.SourceID == "" || in.Title == "" {
			return errorResult("Error [validation]: sourceId and title are required"), nil, nil
		}

		sess, toolErr, err := s.activeSession(ctx, in.SessionID)
		if err != nil || toolErr != nil {
			return toolErr, nil, err
		}

		conv, err := s.conversations.BindSource(ctx, in.SourceID, sess.ID, in.Title, in.Code, in.Language)
		if errors.Is(err, conversation.ErrSourceBound) {
			return errorResult("Error [conflict]: source %q belongs to another session", in.SourceID), nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("system error: %w", err)
		}

		if err := s.sessions.Touch(ctx, sess.ID); err != nil {
			s.logger.Warn("touch failed", "session_id", sess.ID, "error", err)
		}

		result, err := jsonResult(map[string]any{
			"conversationId": conv.ID,
			"sourceId":       conv.SourceID,
			"notebookId":     sess.NotebookID,
		})
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	})
	return nil
}

// ListPendingFollowupsInput defines the input schema for listPendingFollowups.
type ListPendingFollowupsInput struct {
	SessionID string `json:"sessionId" jsonschema:"Session returned by createSessionNotebook"`
}

func (s *Server) registerListPendingFollowups() error {
	inputSchema, err := jsonschema.For[ListPendingFollowupsInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create input schema: %w", err)
	}

	tool := &mcp.Tool{
		Name: "listPendingFollowups",
		Description: "List the user's follow-up messages that have not been answered yet, across all of the " +
			"session's saved content. Pull-based fallback for agents that cannot receive webhooks; both paths " +
			"read the same conversation store.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in ListPendingFollowupsInput) (*mcp.CallToolResult, any, error) {
		sess, toolErr, err := s.activeSession(ctx, in.SessionID)
		if err != nil || toolErr != nil {
			return toolErr, nil, err
		}

		pending, err := s.conversations.PendingUserMessages(ctx, sess.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("system error: %w", err)
		}

		if err := s.sessions.Touch(ctx, sess.ID); err != nil {
			s.logger.Warn("touch failed", "session_id", sess.ID, "error", err)
		}

		items := make([]map[string]any, 0, len(pending))
		for _, p := range pending {
			items = append(items, map[string]any{
				"messageId":   p.ID,
				"sourceId":    p.SourceID,
				"sourceTitle": p.SourceTitle,
				"message":     p.Content,
				"createdAt":   p.CreatedAt.UTC().Format(time.RFC3339),
			})
		}

		result, err := jsonResult(map[string]any{"pending": items})
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	})
	return nil
}

// RespondToFollowupInput defines the input schema for respondToFollowup.
type RespondToFollowupInput struct {
	SessionID   string `json:"sessionId" jsonschema:"Session returned by createSessionNotebook"`
	MessageID   string `json:"messageId" jsonschema:"The follow-up message being answered"`
	Response    string `json:"response" jsonschema:"The agent's answer text"`
	Code        string `json:"code,omitempty" jsonschema:"Optional revised code to attach to the answer"`
	Description string `json:"description,omitempty" jsonschema:"Description of the code revision"`
}

func (s *Server) registerRespondToFollowup() error {
	inputSchema, err := jsonschema.For[RespondToFollowupInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create input schema: %w", err)
	}

	tool := &mcp.Tool{
		Name: "respondToFollowup",
		Description: "Answer a pending follow-up asynchronously. A follow-up already answered (for example " +
			"synchronously in a webhook response) is rejected as a duplicate; the first answer wins.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in RespondToFollowupInput) (*mcp.CallToolResult, any, error) {
		if in.Response == "" && in.Code == "" {
			return errorResult("Error [validation]: response or code is required"), nil, nil
		}

		sess, toolErr, err := s.activeSession(ctx, in.SessionID)
		if err != nil || toolErr != nil {
			return toolErr, nil, err
		}

		messageID, err := uuid.Parse(in.MessageID)
		if err != nil {
			return errorResult("Error [validation]: messageId %q is not a valid UUID", in.MessageID), nil, nil
		}

		conv, msg, err := s.conversations.MessageContext(ctx, messageID)
		if errors.Is(err, conversation.ErrMessageNotFound) {
			return errorResult("Error [not_found]: message %s does not exist", messageID), nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("system error: %w", err)
		}
		if conv.SessionID != sess.ID || msg.Role != conversation.RoleUser {
			return errorResult("Error [not_found]: message %s is not a follow-up of this session", messageID), nil, nil
		}

		err = s.conversations.Resolve(ctx, messageID, conversation.ResolvedAsync)
		if errors.Is(err, conversation.ErrAlreadyResolved) {
			return errorResult("Error [conflict]: follow-up %s was already answered", messageID), nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("system error: %w", err)
		}

		var metadata map[string]any
		if in.Code != "" {
			metadata = map[string]any{"codeUpdate": &conversation.CodeUpdate{
				Code:        in.Code,
				Description: in.Description,
			}}
		}
		reply, err := s.conversations.AddMessage(ctx, conv.SourceID, conversation.RoleAgent, in.Response, metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("system error: %w", err)
		}

		if err := s.sessions.Touch(ctx, sess.ID); err != nil {
			s.logger.Warn("touch failed", "session_id", sess.ID, "error", err)
		}

		result, err := jsonResult(map[string]any{
			"messageId": reply.ID,
			"sourceId":  conv.SourceID,
			"sequence":  reply.Sequence,
		})
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	})
	return nil
}

// RegisterWebhookInput defines the input schema for registerWebhook.
type RegisterWebhookInput struct {
	SessionID string `json:"sessionId" jsonschema:"Session returned by createSessionNotebook"`
	URL       string `json:"url" jsonschema:"Public http(s) endpoint to receive signed follow-up deliveries"`
}

func (s *Server) registerRegisterWebhook() error {
	inputSchema, err := jsonschema.For[RegisterWebhookInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create input schema: %w", err)
	}

	tool := &mcp.Tool{
		Name: "registerWebhook",
		Description: "Register (or replace) the session's webhook endpoint. Private-network and metadata " +
			"addresses are rejected. Rotates and returns the signing secret.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in RegisterWebhookInput) (*mcp.CallToolResult, any, error) {
		if in.URL == "" {
			return errorResult("Error [validation]: url is required"), nil, nil
		}

		sess, toolErr, err := s.activeSession(ctx, in.SessionID)
		if err != nil || toolErr != nil {
			return toolErr, nil, err
		}

		updated, err := s.sessions.RegisterWebhook(ctx, sess.ID, in.URL)
		if errors.Is(err, session.ErrInvalidWebhookURL) {
			return errorResult("Error [validation]: %v", err), nil, nil
		}
		if errors.Is(err, session.ErrTerminal) {
			return errorResult("Error [auth]: session %s is no longer active", sess.ID), nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("system error: %w", err)
		}

		result, err := jsonResult(map[string]any{
			"sessionId":     updated.ID,
			"webhookUrl":    updated.WebhookURL,
			"webhookSecret": updated.WebhookSecret,
		})
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	})
	return nil
}
