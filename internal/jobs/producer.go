package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"inbound-automation/internal/logger"
	"inbound-automation/internal/models"
	"inbound-automation/internal/scheduler"
)

type BindingLister interface {
	ActiveBindings(ctx context.Context) ([]models.WorkspaceAccountBinding, error)
}

type Enqueuer interface {
	Enqueue(job scheduler.Job) scheduler.JobID
}

// Schedule holds cron specs. An empty spec disables that producer.
type Schedule struct {
	DynamicMetrics string
	StableMetrics  string
	TokenRefresh   string
	RefreshWindow  time.Duration
}

// Producer enqueues recurring background jobs for every active binding.
type Producer struct {
	cron     *cron.Cron
	bindings BindingLister
	enqueuer Enqueuer
	schedule Schedule
	now      func() time.Time
}

func NewProducer(bindings BindingLister, enqueuer Enqueuer, schedule Schedule) *Producer {
	if schedule.RefreshWindow <= 0 {
		schedule.RefreshWindow = 7 * 24 * time.Hour
	}
	return &Producer{
		cron:     cron.New(),
		bindings: bindings,
		enqueuer: enqueuer,
		schedule: schedule,
		now:      time.Now,
	}
}

// Start registers the cron entries and starts the cron runner.
func (p *Producer) Start() error {
	entries := []struct {
		name string
		spec string
		run  func(context.Context) (int, error)
	}{
		{"metrics.dynamic", p.schedule.DynamicMetrics, func(ctx context.Context) (int, error) { return p.EnqueueMetrics(ctx, MetricsDynamic) }},
		{"metrics.stable", p.schedule.StableMetrics, func(ctx context.Context) (int, error) { return p.EnqueueMetrics(ctx, MetricsStable) }},
		{"token.refresh", p.schedule.TokenRefresh, p.EnqueueTokenRefresh},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		e := e
		if _, err := p.cron.AddFunc(e.spec, func() { p.tick(e.name, e.run) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", e.name, e.spec, err)
		}
		slog.Info("producer scheduled", "producer", e.name, "spec", e.spec)
	}
	p.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for a running tick to finish.
func (p *Producer) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Producer) tick(name string, run func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "producer"})
	n, err := run(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "producer tick failed", "producer", name, "error", err)
		return
	}
	slog.InfoContext(ctx, "producer tick", "producer", name, "enqueued", n)
}

// EnqueueMetrics enqueues one metrics poll per active binding.
func (p *Producer) EnqueueMetrics(ctx context.Context, class MetricClass) (int, error) {
	bindings, err := p.bindings.ActiveBindings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bindings: %w", err)
	}
	corr := uuid.NewString()
	for _, b := range bindings {
		p.enqueuer.Enqueue(NewMetricsJob(b, class, corr))
	}
	return len(bindings), nil
}

// EnqueueTokenRefresh enqueues refreshes for credentials expiring within the window.
func (p *Producer) EnqueueTokenRefresh(ctx context.Context) (int, error) {
	bindings, err := p.bindings.ActiveBindings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bindings: %w", err)
	}
	corr := uuid.NewString()
	now := p.now()
	n := 0
	for _, b := range bindings {
		if b.Credential.AccessToken == "" || !dueForRefresh(b.Credential, now, p.schedule.RefreshWindow) {
			continue
		}
		p.enqueuer.Enqueue(NewTokenRefreshJob(b.PlatformAccountID(), false, corr))
		n++
	}
	return n, nil
}
