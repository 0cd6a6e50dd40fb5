package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/koopa0/agentlink/internal/config"
	"github.com/koopa0/agentlink/internal/conversation"
	"github.com/koopa0/agentlink/internal/security"
	"github.com/koopa0/agentlink/internal/session"
	"github.com/koopa0/agentlink/internal/signature"
)

// maxResponseBytes bounds how much of a webhook response body is read.
const maxResponseBytes = 1 << 20

// payloadType is the type discriminator in every outbound webhook body.
const payloadType = "followup_message"

// payload is the signed JSON body POSTed to the agent's webhook. All fields
// are always present.
type payload struct {
	Type           string         `json:"type"`
	SourceID       string         `json:"sourceId"`
	SourceTitle    string         `json:"sourceTitle"`
	SourceCode     string         `json:"sourceCode"`
	SourceLanguage string         `json:"sourceLanguage"`
	Message        string         `json:"message"`
	History        []historyEntry `json:"conversationHistory"`
	UserID         string         `json:"userId"`
	Timestamp      string         `json:"timestamp"`
}

type historyEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// response is the body an agent may return synchronously from its webhook.
type response struct {
	Success    bool                     `json:"success"`
	Response   string                   `json:"response,omitempty"`
	CodeUpdate *conversation.CodeUpdate `json:"codeUpdate,omitempty"`
}

// Dispatcher drains the delivery queue with a pool of workers. Each worker
// claims one attempt at a time; the queue's claim semantics keep concurrency
// strictly across sessions, so one slow agent never sees its messages
// reordered and never blocks another agent's deliveries.
type Dispatcher struct {
	queue         *Queue
	sessions      *session.Store
	conversations *conversation.Store
	client        *http.Client
	cfg           config.WebhookConfig
	logger        *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil client gets the SSRF-safe
// default built from urls; tests inject their own client to reach loopback
// endpoints. A nil logger falls back to slog.Default().
func NewDispatcher(queue *Queue, sessions *session.Store, conversations *conversation.Store,
	urls *security.URL, cfg config.WebhookConfig, client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{
			Transport:     urls.SafeTransport(),
			CheckRedirect: urls.ValidateRedirect,
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:         queue,
		sessions:      sessions,
		conversations: conversations,
		client:        client,
		cfg:           cfg,
		logger:        logger,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained. A worker mid-delivery finishes its attempt before
// exiting; the claim it holds is settled, never abandoned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	logger := d.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}

		att, err := d.queue.Claim(ctx)
		if errors.Is(err, ErrNoWork) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}

		// Settle the claim with a fresh context: a shutdown must not strand
		// the attempt in_flight.
		d.deliver(context.WithoutCancel(ctx), logger, att)
	}
}

// deliver executes one claimed attempt end to end: build, sign, POST,
// classify, settle.
func (d *Dispatcher) deliver(ctx context.Context, logger *slog.Logger, att *Attempt) {
	sess, err := d.sessions.Get(ctx, att.SessionID)
	if err != nil {
		d.fail(ctx, logger, att, "", 0, fmt.Sprintf("loading session: %v", err))
		return
	}
	if sess.Status.Terminal() {
		d.fail(ctx, logger, att, "", 0, "session terminated before delivery")
		return
	}
	if sess.WebhookURL == "" {
		d.fail(ctx, logger, att, "", 0, "no webhook registered")
		return
	}

	conv, msg, err := d.conversations.MessageContext(ctx, att.MessageID)
	if err != nil {
		d.fail(ctx, logger, att, "", 0, fmt.Sprintf("loading message: %v", err))
		return
	}

	body, err := d.buildPayload(ctx, sess, conv, msg)
	if err != nil {
		d.fail(ctx, logger, att, conv.SourceID, 0, fmt.Sprintf("building payload: %v", err))
		return
	}

	status, respBody, err := d.post(ctx, sess, body)
	if err != nil {
		// Network error or per-attempt timeout: transient.
		d.retryOrFail(ctx, logger, att, conv.SourceID, 0, err.Error())
		return
	}

	switch classify(status) {
	case classDelivered:
		d.succeed(ctx, logger, att, conv, msg, status, respBody)
	case classTransient:
		d.retryOrFail(ctx, logger, att, conv.SourceID, status, fmt.Sprintf("HTTP %d", status))
	case classPermanent:
		d.fail(ctx, logger, att, conv.SourceID, status, fmt.Sprintf("HTTP %d", status))
	}
}

// buildPayload assembles and marshals the webhook body. The returned bytes
// are exactly what gets signed and sent.
func (d *Dispatcher) buildPayload(ctx context.Context, sess *session.Session, conv *conversation.Conversation, msg *conversation.Message) ([]byte, error) {
	msgs, err := d.conversations.History(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	history := make([]historyEntry, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, historyEntry{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	return json.Marshal(payload{
		Type:           payloadType,
		SourceID:       conv.SourceID,
		SourceTitle:    conv.SourceTitle,
		SourceCode:     conv.SourceCode,
		SourceLanguage: conv.SourceLanguage,
		Message:        msg.Content,
		History:        history,
		UserID:         sess.OwnerID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

// post sends the signed payload with the per-attempt timeout. Returns the
// HTTP status and response body, or an error for network-level failures.
func (d *Dispatcher) post(ctx context.Context, sess *session.Session, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sess.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderSignature, signature.Sign(body, []byte(sess.WebhookSecret)))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("delivering webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("reading webhook response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// succeed settles a 2xx delivery: mark the attempt and message delivered,
// then apply any synchronous reply carried in the response body.
func (d *Dispatcher) succeed(ctx context.Context, logger *slog.Logger, att *Attempt,
	conv *conversation.Conversation, msg *conversation.Message, status int, respBody []byte) {

	if err := d.queue.MarkDelivered(ctx, att.ID, status); err != nil {
		logger.Error("marking attempt delivered", "attempt_id", att.ID, "error", err)
		return
	}
	if err := d.conversations.MarkDelivered(ctx, att.MessageID); err != nil {
		logger.Error("marking message delivered", "message_id", att.MessageID, "error", err)
	}
	logger.Info("webhook delivered",
		"attempt_id", att.ID, "message_id", att.MessageID, "attempts", att.AttemptNumber)

	var reply response
	if err := json.Unmarshal(respBody, &reply); err != nil {
		// A 2xx with an unparseable body still counts as delivered; the
		// agent just gave no synchronous answer.
		logger.Warn("unparseable webhook response body", "attempt_id", att.ID, "error", err)
		return
	}
	if !reply.Success {
		// The agent acknowledged receipt but declined to answer inline.
		// Anything else in the body is not a reply; the message stays open
		// for the asynchronous respond path.
		return
	}
	if reply.Response == "" && reply.CodeUpdate == nil {
		return
	}

	// Synchronous reply path. First writer wins against a concurrent async
	// respond-to-followup: if the message is already resolved, this reply is
	// a duplicate and is dropped without appending.
	err := d.conversations.Resolve(ctx, msg.ID, conversation.ResolvedSync)
	if errors.Is(err, conversation.ErrAlreadyResolved) {
		logger.Info("sync reply dropped, already resolved", "message_id", msg.ID)
		return
	}
	if err != nil {
		logger.Error("resolving message", "message_id", msg.ID, "error", err)
		return
	}

	var metadata map[string]any
	if reply.CodeUpdate != nil {
		metadata = map[string]any{"codeUpdate": reply.CodeUpdate}
	}
	if _, err := d.conversations.AddMessage(ctx, conv.SourceID, conversation.RoleAgent, reply.Response, metadata); err != nil {
		logger.Error("appending sync reply", "source_id", conv.SourceID, "error", err)
	}
}

// retryOrFail settles a transient failure: schedule the next try, or give up
// once the attempt cap is reached.
func (d *Dispatcher) retryOrFail(ctx context.Context, logger *slog.Logger, att *Attempt,
	sourceID string, status int, cause string) {

	if att.AttemptNumber >= d.cfg.MaxAttempts {
		d.failExhausted(ctx, logger, att, sourceID, status, cause)
		return
	}

	delay := d.backoff(att.AttemptNumber)
	if err := d.queue.MarkRetrying(ctx, att.ID, status, cause, time.Now().Add(delay)); err != nil {
		logger.Error("marking attempt retrying", "attempt_id", att.ID, "error", err)
		return
	}
	logger.Warn("webhook delivery failed, will retry",
		"attempt_id", att.ID, "attempt_number", att.AttemptNumber, "delay", delay, "cause", cause)
}

// backoff returns the delay after the n-th try: initial, doubled each
// further try, capped at MaxBackoff.
func (d *Dispatcher) backoff(attemptNumber int) time.Duration {
	delay := d.cfg.InitialBackoff
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}

// failExhausted is terminal failure after the full retry schedule.
func (d *Dispatcher) failExhausted(ctx context.Context, logger *slog.Logger, att *Attempt,
	sourceID string, status int, cause string) {

	cause = fmt.Sprintf("retries exhausted after %d attempts: %s", att.AttemptNumber, cause)
	d.settleFailed(ctx, logger, att, sourceID, status, cause,
		"Your follow-up could not be delivered to the agent after repeated attempts. The agent may be offline; try again later.")
}

// fail is terminal failure without retry (permanent 4xx, dead session,
// unloadable message).
func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, att *Attempt,
	sourceID string, status int, cause string) {

	d.settleFailed(ctx, logger, att, sourceID, status, cause,
		"Your follow-up could not be delivered to the agent: the agent's endpoint rejected it.")
}

func (d *Dispatcher) settleFailed(ctx context.Context, logger *slog.Logger, att *Attempt,
	sourceID string, status int, cause, notice string) {

	if err := d.queue.MarkFailed(ctx, att.ID, status, cause); err != nil {
		logger.Error("marking attempt failed", "attempt_id", att.ID, "error", err)
		return
	}
	if err := d.conversations.MarkFailed(ctx, att.MessageID); err != nil {
		logger.Error("marking message failed", "message_id", att.MessageID, "error", err)
	}
	logger.Error("webhook delivery failed permanently",
		"attempt_id", att.ID, "message_id", att.MessageID, "status", status, "cause", cause)

	// Surface the failure in the conversation so the user sees it where
	// they asked the question.
	if sourceID == "" {
		return
	}
	metadata := map[string]any{"type": "delivery_failure", "cause": cause}
	if _, err := d.conversations.AddMessage(ctx, sourceID, conversation.RoleAgent, notice, metadata); err != nil {
		logger.Error("appending failure notice", "source_id", sourceID, "error", err)
	}
}

// EnqueueFollowup appends a user follow-up to the source's conversation and
// enqueues its delivery in one call; the API handler's single entry point.
// The message is persisted even when the session refuses new deliveries, so
// the conversation log never loses what the user said.
func (d *Dispatcher) EnqueueFollowup(ctx context.Context, sourceID, content string) (*conversation.Message, *Attempt, error) {
	conv, _, err := d.conversations.Get(ctx, sourceID)
	if err != nil {
		return nil, nil, err
	}

	msg, err := d.conversations.AddMessage(ctx, sourceID, conversation.RoleUser, content, nil)
	if err != nil {
		return nil, nil, err
	}

	att, err := d.queue.Enqueue(ctx, conv.SessionID, msg.ID)
	if errors.Is(err, ErrSessionInactive) {
		if markErr := d.conversations.MarkFailed(ctx, msg.ID); markErr != nil {
			d.logger.Error("marking message failed", "message_id", msg.ID, "error", markErr)
		}
		return msg, nil, err
	}
	if err != nil {
		return nil, nil, err
	}
	return msg, att, nil
}
