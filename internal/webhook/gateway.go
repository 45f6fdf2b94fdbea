// Package webhook receives platform deliveries: the GET verification
// handshake and signed POST event batches.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"inbound-automation/internal/jobs"
	"inbound-automation/internal/logger"
	"inbound-automation/internal/matcher"
	"inbound-automation/internal/models"
	"inbound-automation/internal/scheduler"
	"inbound-automation/internal/signature"
	"inbound-automation/internal/store"
	"inbound-automation/internal/telemetry"
)

type Verifier interface {
	Verify(rawBody []byte, header string) bool
}

type Resolver interface {
	Resolve(ctx context.Context, platformAccountID string) (models.WorkspaceAccountBinding, error)
}

type RuleSource interface {
	RulesForWorkspace(ctx context.Context, workspaceID string) ([]models.AutomationRule, error)
}

// Deduper claims event ids. Claim returns true on error so events are not lost.
type Deduper interface {
	Claim(ctx context.Context, account, eventID string) (bool, error)
	Release(ctx context.Context, account, eventID string) error
}

type Enqueuer interface {
	Enqueue(job scheduler.Job) scheduler.JobID
}

// Deps wires a Gateway. Dedup may be nil.
type Deps struct {
	VerifyToken  string
	Verifier     Verifier
	Resolver     Resolver
	Rules        RuleSource
	Dedup        Deduper
	Enqueuer     Enqueuer
	Archive      bool
	MaxBodyBytes int64
	// Timeout bounds resolution and matching for one delivery.
	Timeout time.Duration
}

const releaseTimeout = 2 * time.Second

type Gateway struct {
	deps Deps
}

func New(deps Deps) *Gateway {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 5 * time.Second
	}
	return &Gateway{deps: deps}
}

// Routes serves GET and POST on the mount point.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", g.HandleVerify)
	r.Post("/", g.HandleDelivery)
	return r
}

// HandleVerify answers the subscription handshake.
func (g *Gateway) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	if q.Get("hub.mode") != "subscribe" || g.deps.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(g.deps.VerifyToken)) != 1 {
		slog.WarnContext(r.Context(), "webhook verification rejected", "mode", q.Get("hub.mode"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// HandleDelivery verifies, parses, and routes a delivery. Once the signature
// checks out the response is 200 whatever happens downstream; failures are
// visible in logs and metrics only.
func (g *Gateway) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	received := time.Now()
	corrID := uuid.NewString()
	ctx := logger.WithLogFields(r.Context(), logger.LogFields{CorrelationID: corrID, Component: "webhook"})
	sc := logger.StartSpan(ctx, "webhook.delivery")
	defer sc.End()
	ctx = sc.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.deps.MaxBodyBytes))
	if err != nil {
		telemetry.WebhookDeliveries.WithLabelValues("malformed").Inc()
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if !g.deps.Verifier.Verify(body, r.Header.Get(signature.HeaderName)) {
		telemetry.WebhookDeliveries.WithLabelValues("rejected").Inc()
		slog.WarnContext(ctx, "webhook signature rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var payload deliveryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		telemetry.WebhookDeliveries.WithLabelValues("malformed").Inc()
		slog.WarnContext(ctx, "webhook payload malformed", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	telemetry.WebhookDeliveries.WithLabelValues("accepted").Inc()

	if g.deps.Archive {
		g.deps.Enqueuer.Enqueue(jobs.NewArchiveJob(corrID, received, body))
	}

	procCtx, cancel := context.WithTimeout(ctx, g.deps.Timeout)
	defer cancel()
	events := payload.events()
	enqueued := 0
	for _, event := range events {
		enqueued += g.process(procCtx, event, corrID)
	}

	slog.InfoContext(ctx, "webhook processed",
		"object", payload.Object,
		"entries", len(payload.Entry),
		"events", len(events),
		"enqueued", enqueued,
		"duration_ms", time.Since(received).Milliseconds())

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// process resolves, matches, and enqueues one event. It returns the number of jobs enqueued.
func (g *Gateway) process(ctx context.Context, event models.InboundEvent, corrID string) int {
	ctx = logger.WithLogFields(ctx, logger.LogFields{PlatformAccountID: event.PlatformAccountID})
	log := slog.With("event_type", event.Type, "event_id", event.EventID())

	if reason := skipReason(event); reason != "" {
		skip(ctx, log, reason)
		return 0
	}

	if g.deps.Dedup != nil {
		fresh, err := g.deps.Dedup.Claim(ctx, event.PlatformAccountID, event.EventID())
		if err != nil {
			log.WarnContext(ctx, "dedup unavailable, processing event", "error", err)
		}
		if !fresh {
			skip(ctx, log, "duplicate")
			return 0
		}
	}

	n, err := g.route(ctx, event, corrID)
	if err != nil {
		log.ErrorContext(ctx, "event dropped after internal error", "error", err)
		if g.deps.Dedup != nil {
			// The delivery deadline may already have passed.
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := g.deps.Dedup.Release(relCtx, event.PlatformAccountID, event.EventID()); err != nil {
				log.WarnContext(ctx, "release dedup claim", "error", err)
			}
		}
		return 0
	}
	return n
}

func (g *Gateway) route(ctx context.Context, event models.InboundEvent, corrID string) (int, error) {
	log := slog.With("event_type", event.Type, "event_id", event.EventID())

	binding, err := g.deps.Resolver.Resolve(ctx, event.PlatformAccountID)
	if store.IsNotFound(err) {
		skip(ctx, log, "unbound")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{WorkspaceID: binding.WorkspaceID})

	rules, err := g.deps.Rules.RulesForWorkspace(ctx, binding.WorkspaceID)
	if err != nil {
		return 0, err
	}
	triggered := matcher.Match(event, rules)
	if len(triggered) == 0 {
		skip(ctx, log, "no_match")
		return 0, nil
	}

	for _, tr := range triggered {
		id := g.deps.Enqueuer.Enqueue(jobs.NewDispatchJob(event, tr, corrID))
		telemetry.RulesTriggered.Inc()
		log.InfoContext(ctx, "rule triggered", "rule_id", tr.Rule.ID, "rule_type", tr.Rule.Type, "job_id", int64(id))
	}
	return len(triggered), nil
}

// skipReason filters the account's own echoes and comments.
func skipReason(event models.InboundEvent) string {
	switch event.Type {
	case models.EventMessage:
		if event.IsEcho || event.SenderID == event.PlatformAccountID {
			return "echo"
		}
	case models.EventComment:
		if event.AuthorID != "" && event.AuthorID == event.PlatformAccountID {
			return "self"
		}
	default:
		return "unsupported"
	}
	if event.EventID() == "" {
		return "unsupported"
	}
	return ""
}

func skip(ctx context.Context, log *slog.Logger, reason string) {
	telemetry.EventsSkipped.WithLabelValues(reason).Inc()
	log.DebugContext(ctx, "event skipped", "reason", reason)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Validate reports missing required dependencies.
func (d Deps) Validate() error {
	if d.Verifier == nil || d.Resolver == nil || d.Rules == nil || d.Enqueuer == nil {
		return errors.New("webhook: verifier, resolver, rules and enqueuer are required")
	}
	return nil
}
