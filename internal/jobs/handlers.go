package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"inbound-automation/internal/archive"
	"inbound-automation/internal/graph"
	"inbound-automation/internal/logger"
	"inbound-automation/internal/models"
	"inbound-automation/internal/scheduler"
	"inbound-automation/internal/store"
)

type Resolver interface {
	Resolve(ctx context.Context, platformAccountID string) (models.WorkspaceAccountBinding, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, tr models.TriggeredRule, event models.InboundEvent, binding models.WorkspaceAccountBinding) error
}

// API is the part of the upstream client used by background jobs.
type API interface {
	RecentMedia(ctx context.Context, auth graph.Auth, limit int) ([]string, error)
	FetchMetrics(ctx context.Context, auth graph.Auth, objectIDs, fields []string) (map[string]map[string]int64, error)
	RefreshToken(ctx context.Context, auth graph.Auth) (models.Credential, error)
}

type SnapshotStore interface {
	SaveSnapshots(ctx context.Context, snaps []models.MetricSnapshot) error
}

type CredentialStore interface {
	SaveCredential(ctx context.Context, bindingID string, cred models.Credential) error
}

// Registrar is satisfied by *scheduler.Scheduler.
type Registrar interface {
	RegisterHandler(jobType string, handler scheduler.Handler)
	RegisterBatchHandler(jobType string, handler scheduler.BatchHandler)
}

// Deps wires Handlers. Archive may be nil to disable delivery archiving.
type Deps struct {
	Resolver      Resolver
	Dispatcher    Dispatcher
	API           API
	Snapshots     SnapshotStore
	Credentials   CredentialStore
	Archive       archive.Sink
	RefreshWindow time.Duration
	MediaLimit    int
	Now           func() time.Time
}

type Handlers struct {
	deps Deps
}

func NewHandlers(deps Deps) *Handlers {
	if deps.RefreshWindow <= 0 {
		deps.RefreshWindow = 7 * 24 * time.Hour
	}
	if deps.MediaLimit <= 0 {
		deps.MediaLimit = 25
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handlers{deps: deps}
}

// Register binds every job type to the scheduler.
func (h *Handlers) Register(r Registrar) {
	r.RegisterHandler(TypeDispatch, scheduler.Handle(h.Dispatch))
	r.RegisterBatchHandler(TypeMetricsPoll, scheduler.HandleBatch(h.PollMetrics))
	r.RegisterHandler(TypeTokenRefresh, scheduler.Handle(h.RefreshToken))
	if h.deps.Archive != nil {
		r.RegisterHandler(TypeArchive, scheduler.Handle(h.Archive))
	}
}

// Dispatch re-resolves the binding at execution time so a concurrently
// refreshed credential is picked up on retry.
func (h *Handlers) Dispatch(ctx context.Context, p DispatchPayload) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{PlatformAccountID: p.Event.PlatformAccountID})
	binding, err := h.deps.Resolver.Resolve(ctx, p.Event.PlatformAccountID)
	if store.IsNotFound(err) {
		return scheduler.Permanent(fmt.Errorf("binding removed before dispatch: %w", err))
	}
	if err != nil {
		return fmt.Errorf("resolve binding: %w", err)
	}
	return h.deps.Dispatcher.Dispatch(ctx, p.Trigger, p.Event, binding)
}

type pollGroup struct {
	account string
	class   MetricClass
	recent  bool
	ids     []string
	seen    map[string]bool
}

func (g *pollGroup) add(ids ...string) {
	for _, id := range ids {
		if id != "" && !g.seen[id] {
			g.seen[id] = true
			g.ids = append(g.ids, id)
		}
	}
}

// PollMetrics coalesces payloads per account and class so each group costs one
// multi-id read. The batch fails as a unit if any group fails.
func (h *Handlers) PollMetrics(ctx context.Context, payloads []MetricsPollPayload) error {
	var (
		order  []*pollGroup
		groups = make(map[string]*pollGroup)
	)
	for _, p := range payloads {
		k := p.PlatformAccountID + "|" + string(p.Class)
		g, ok := groups[k]
		if !ok {
			g = &pollGroup{account: p.PlatformAccountID, class: p.Class, seen: make(map[string]bool)}
			groups[k] = g
			order = append(order, g)
		}
		if len(p.ObjectIDs) == 0 && p.Class != MetricsStable {
			g.recent = true
		}
		g.add(p.ObjectIDs...)
	}

	var (
		snaps []models.MetricSnapshot
		errs  []error
	)
	for _, g := range order {
		got, err := h.pollGroup(ctx, g)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snaps = append(snaps, got...)
	}
	if err := h.deps.Snapshots.SaveSnapshots(ctx, snaps); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Handlers) pollGroup(ctx context.Context, g *pollGroup) ([]models.MetricSnapshot, error) {
	binding, err := h.deps.Resolver.Resolve(ctx, g.account)
	if store.IsNotFound(err) {
		slog.InfoContext(ctx, "metrics poll skipped, account no longer bound", "platform_account_id", g.account)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", g.account, err)
	}
	auth := graph.Auth{AccountID: binding.PlatformAccountID(), Credential: binding.Credential}

	if g.recent {
		media, err := h.deps.API.RecentMedia(ctx, auth, h.deps.MediaLimit)
		if err != nil {
			return nil, err
		}
		g.add(media...)
	}
	if g.class == MetricsStable && len(g.ids) == 0 {
		g.add(auth.AccountID)
	}
	if len(g.ids) == 0 {
		return nil, nil
	}

	values, err := h.deps.API.FetchMetrics(ctx, auth, g.ids, g.class.fields())
	if err != nil {
		return nil, err
	}
	now := h.deps.Now()
	snaps := make([]models.MetricSnapshot, 0, len(g.ids))
	for _, id := range g.ids {
		v, ok := values[id]
		if !ok {
			continue
		}
		snaps = append(snaps, models.MetricSnapshot{
			WorkspaceID:       binding.WorkspaceID,
			PlatformAccountID: auth.AccountID,
			ObjectID:          id,
			Class:             string(g.class),
			Values:            v,
			CollectedAt:       now,
		})
	}
	slog.DebugContext(ctx, "metrics polled", "platform_account_id", auth.AccountID, "class", g.class, "objects", len(snaps))
	return snaps, nil
}

// RefreshToken renews a credential close to expiry, or any credential when forced.
func (h *Handlers) RefreshToken(ctx context.Context, p TokenRefreshPayload) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{PlatformAccountID: p.PlatformAccountID})
	binding, err := h.deps.Resolver.Resolve(ctx, p.PlatformAccountID)
	if store.IsNotFound(err) {
		return scheduler.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("resolve binding: %w", err)
	}
	cred := binding.Credential
	if cred.AccessToken == "" {
		return scheduler.Permanent(fmt.Errorf("binding %s has no token to refresh", binding.ID))
	}
	if !p.Force && !dueForRefresh(cred, h.deps.Now(), h.deps.RefreshWindow) {
		slog.DebugContext(ctx, "token not due for refresh", "expires_at", cred.ExpiresAt)
		return nil
	}

	fresh, err := h.deps.API.RefreshToken(ctx, graph.Auth{AccountID: binding.PlatformAccountID(), Credential: cred})
	if err != nil {
		if graph.IsPermanent(err) {
			return scheduler.Permanent(err)
		}
		return err
	}
	if err := h.deps.Credentials.SaveCredential(ctx, binding.ID, fresh); err != nil {
		return fmt.Errorf("save refreshed token: %w", err)
	}
	slog.InfoContext(ctx, "access token refreshed", "binding_id", binding.ID, "expires_at", fresh.ExpiresAt)
	return nil
}

// dueForRefresh is true when the token expires within window. Tokens without
// an expiry are never due.
func dueForRefresh(cred models.Credential, now time.Time, window time.Duration) bool {
	return !cred.ExpiresAt.IsZero() && cred.ExpiresAt.Sub(now) <= window
}

func (h *Handlers) Archive(ctx context.Context, p ArchivePayload) error {
	loc, err := h.deps.Archive.Put(ctx, archive.Key(p.ReceivedAt, p.CorrelationID), p.Body, "application/json")
	if err != nil {
		if errors.Is(err, archive.ErrInvalidKey) {
			return scheduler.Permanent(err)
		}
		return err
	}
	slog.DebugContext(ctx, "delivery archived", "location", loc)
	return nil
}
