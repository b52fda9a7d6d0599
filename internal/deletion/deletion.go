// Package deletion removes chats and messages from the remote tree with one atomic
// multi-path write per user action.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/relaysync/internal/model"
	"github.com/agentworkforce/relaysync/internal/owner"
	"github.com/agentworkforce/relaysync/internal/remote"
)

var ErrInvalidInput = errors.New("invalid input")

type Scope string

const (
	// ScopeCascade removes the chat, its roster and the caller's membership link.
	ScopeCascade Scope = "cascade"
	// ScopePartial removes only the caller's membership link and roster entry.
	ScopePartial Scope = "partial"
	ScopeMessage Scope = "message"
)

// Plan is the set of paths one deletion removes. It is computed before any I/O.
type Plan struct {
	Scope   Scope
	ChatID  string
	Updates remote.Updates
}

// Paths returns the removed paths in sorted order.
func (p Plan) Paths() []string {
	return p.Updates.Paths()
}

// PlanChatDeletion removes the acting user from chat. The chat record and roster go too
// only when the acting user is the roster's sole member. A roster that does not list the
// acting user (including an empty one) is rejected.
func PlanChatDeletion(chat model.Chat, chatters []model.Chatter, actingUserID string) (Plan, error) {
	actingUserID = strings.TrimSpace(actingUserID)
	if err := model.ValidateID("chat", chat.ID); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := model.ValidateID("user", actingUserID); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	member := false
	remaining := 0
	for _, c := range chatters {
		switch id := strings.TrimSpace(c.ID); {
		case id == actingUserID:
			member = true
		case id != "":
			remaining++
		}
	}
	if !member {
		return Plan{}, fmt.Errorf("%w: user %s is not in the roster of chat %s", ErrInvalidInput, actingUserID, chat.ID)
	}

	plan := Plan{ChatID: chat.ID, Updates: remote.Updates{}}
	plan.Updates.Remove(model.UserChatPath(actingUserID, chat.ID))
	if remaining == 0 {
		plan.Scope = ScopeCascade
		plan.Updates.Remove(model.ChatPath(chat.ID))
		plan.Updates.Remove(model.ChattersPath(chat.ID))
	} else {
		plan.Scope = ScopePartial
		plan.Updates.Remove(model.ChatterPath(chat.ID, actingUserID))
	}
	return plan, nil
}

// PlanMessageDeletion removes exactly one message. The chat argument wins over the
// message's own ChatID when both are set.
func PlanMessageDeletion(message model.Message, chat model.Chat) (Plan, error) {
	chatID := chat.ID
	if chatID == "" {
		chatID = message.ChatID
	}
	if err := model.ValidateID("chat", chatID); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := model.ValidateID("message", message.ID); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	plan := Plan{Scope: ScopeMessage, ChatID: chatID, Updates: remote.Updates{}}
	plan.Updates.Remove(model.MessagePath(chatID, message.ID))
	return plan, nil
}

type Option func(*Coordinator)

// WithExecutor delivers completions on exec.
func WithExecutor(exec owner.Executor) Option {
	return func(c *Coordinator) {
		if exec != nil {
			c.exec = exec
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Coordinator submits deletion plans. It keeps no per-request state and never retries;
// local collections learn about a deletion from the next remote event.
type Coordinator struct {
	updater remote.Updater
	exec    owner.Executor
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New(updater remote.Updater, opts ...Option) *Coordinator {
	c := &Coordinator{
		updater: updater,
		exec:    owner.Inline{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("relaysync/deletion"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit writes plan as one atomic update.
func (c *Coordinator) Submit(ctx context.Context, plan Plan) error {
	if len(plan.Updates) == 0 {
		return fmt.Errorf("%w: empty deletion plan", ErrInvalidInput)
	}
	ctx, span := c.tracer.Start(ctx, "deletion.submit", trace.WithAttributes(
		attribute.String("deletion.scope", string(plan.Scope)),
		attribute.String("chat.id", plan.ChatID),
		attribute.Int("deletion.paths", len(plan.Updates)),
	))
	defer span.End()

	if err := c.updater.Update(ctx, plan.Updates); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		c.logger.WarnContext(ctx, "deletion - submit - failed", "scope", plan.Scope, "chat", plan.ChatID, "error", err)
		return err
	}
	c.logger.InfoContext(ctx, "deletion - submit - done", "scope", plan.Scope, "chat", plan.ChatID, "paths", len(plan.Updates))
	return nil
}

// DeleteChat plans and submits the acting user's departure from chat. done receives nil
// on success or the failure, on the executor.
func (c *Coordinator) DeleteChat(ctx context.Context, chat model.Chat, chatters []model.Chatter, actingUserID string, done func(error)) {
	plan, err := PlanChatDeletion(chat, chatters, actingUserID)
	c.run(ctx, plan, err, done)
}

// DeleteMessage plans and submits the removal of message.
func (c *Coordinator) DeleteMessage(ctx context.Context, message model.Message, chat model.Chat, done func(error)) {
	plan, err := PlanMessageDeletion(message, chat)
	c.run(ctx, plan, err, done)
}

func (c *Coordinator) run(ctx context.Context, plan Plan, planErr error, done func(error)) {
	go func() {
		err := planErr
		if err == nil {
			err = c.Submit(ctx, plan)
		}
		if done == nil {
			return
		}
		c.exec.Post(func() {
			done(err)
		})
	}()
}
