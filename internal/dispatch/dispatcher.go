// Package dispatch performs the actions of a triggered rule against the upstream API.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"inbound-automation/internal/graph"
	"inbound-automation/internal/logger"
	"inbound-automation/internal/models"
	"inbound-automation/internal/scheduler"
)

// Upstream is the subset of the API client the dispatcher calls.
type Upstream interface {
	PostCommentReply(ctx context.Context, auth graph.Auth, commentID, text string) (string, error)
	SendDirectMessage(ctx context.Context, auth graph.Auth, recipientID, text string) (string, error)
	ResolveMessagingID(ctx context.Context, auth graph.Auth, authorID string) (string, error)
}

// Step names one side effect of a dispatch.
type Step string

const (
	StepReply Step = "reply"
	StepDM    Step = "dm"
)

// Picker chooses one response from a non-empty list.
type Picker func(options []string) string

// RandomPick draws uniformly.
func RandomPick(options []string) string {
	return options[rand.Intn(len(options))]
}

type Option func(*Dispatcher)

// WithPicker replaces RandomPick.
func WithPicker(p Picker) Option {
	return func(d *Dispatcher) { d.pick = p }
}

// WithLedger records completed steps so a retried dispatch skips them.
func WithLedger(l Ledger) Option {
	return func(d *Dispatcher) { d.ledger = l }
}

// Dispatcher runs inside a scheduled job; it holds no per-event state.
type Dispatcher struct {
	upstream Upstream
	ledger   Ledger
	pick     Picker
	now      func() time.Time
}

func New(upstream Upstream, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		upstream: upstream,
		ledger:   noopLedger{},
		pick:     RandomPick,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Key identifies one rule firing for one event.
func Key(event models.InboundEvent, ruleID string) string {
	return event.PlatformAccountID + ":" + event.EventID() + ":" + ruleID
}

// Dispatch performs the comment reply, then the direct message, as the rule type asks.
// The steps are independent: a failed reply does not stop the DM. A failed
// messaging-id lookup only skips the DM. The returned error joins every
// failed step and is marked permanent only when no failure is worth retrying.
func (d *Dispatcher) Dispatch(ctx context.Context, tr models.TriggeredRule, event models.InboundEvent, binding models.WorkspaceAccountBinding) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		WorkspaceID:       binding.WorkspaceID,
		PlatformAccountID: event.PlatformAccountID,
		Component:         "dispatch",
	})
	sc := logger.StartSpan(ctx, "dispatch.rule")
	defer sc.End()
	ctx = sc.Context()

	cred := binding.Credential
	if cred.AccessToken == "" || cred.Expired(d.now()) {
		err := fmt.Errorf("%w: binding %s has no usable credential", graph.ErrUnauthorized, binding.ID)
		sc.RecordError(err)
		return err
	}
	auth := graph.Auth{AccountID: binding.PlatformAccountID(), Credential: cred}
	key := Key(event, tr.Rule.ID)

	var errs []error
	if event.Type == models.EventComment && tr.Rule.Type.RepliesToComment() && len(tr.CommentResponses) > 0 {
		if err := d.step(ctx, key, StepReply, tr.Rule.ID, func() (string, error) {
			return d.upstream.PostCommentReply(ctx, auth, event.CommentID, d.pick(tr.CommentResponses))
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if tr.Rule.Type.SendsDM() && len(tr.DMResponses) > 0 {
		if err := d.step(ctx, key, StepDM, tr.Rule.ID, func() (string, error) {
			recipient, err := d.recipient(ctx, auth, event)
			if err != nil {
				return "", err
			}
			return d.upstream.SendDirectMessage(ctx, auth, recipient, d.pick(tr.DMResponses))
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	sc.RecordError(err)
	for _, e := range errs {
		if !permanent(e) {
			return err
		}
	}
	return scheduler.Permanent(err)
}

// recipient returns the id a DM must be addressed to. Message senders already
// carry one; comment authors need a lookup.
func (d *Dispatcher) recipient(ctx context.Context, auth graph.Auth, event models.InboundEvent) (string, error) {
	if event.Type == models.EventMessage {
		return event.SenderID, nil
	}
	return d.upstream.ResolveMessagingID(ctx, auth, event.AuthorID)
}

func (d *Dispatcher) step(ctx context.Context, key string, step Step, ruleID string, run func() (string, error)) error {
	done, err := d.ledger.Done(ctx, key, step)
	if err != nil {
		slog.WarnContext(ctx, "step ledger unavailable, running step", "step", step, "rule_id", ruleID, "error", err)
	}
	if done {
		slog.InfoContext(ctx, "step already completed, skipping", "step", step, "rule_id", ruleID)
		return nil
	}

	id, err := run()
	if err != nil {
		slog.WarnContext(ctx, "dispatch step failed", "step", step, "rule_id", ruleID, "error", err)
		return fmt.Errorf("%s: %w", step, err)
	}
	slog.InfoContext(ctx, "dispatch step completed", "step", step, "rule_id", ruleID, "upstream_id", id)
	if err := d.ledger.Mark(ctx, key, step); err != nil {
		slog.WarnContext(ctx, "record step completion", "step", step, "rule_id", ruleID, "error", err)
	}
	return nil
}

func permanent(err error) bool {
	return graph.IsPermanent(err) || errors.Is(err, graph.ErrNoMessagingID)
}
