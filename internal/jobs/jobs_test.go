package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"inbound-automation/internal/archive"
	"inbound-automation/internal/graph"
	"inbound-automation/internal/models"
	"inbound-automation/internal/scheduler"
	"inbound-automation/internal/store"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fakeResolver map[string]models.WorkspaceAccountBinding

func (f fakeResolver) Resolve(_ context.Context, id string) (models.WorkspaceAccountBinding, error) {
	b, ok := f[id]
	if !ok {
		return models.WorkspaceAccountBinding{}, &store.NotFoundError{Kind: "account binding", Key: id}
	}
	return b, nil
}

func (f fakeResolver) ActiveBindings(context.Context) ([]models.WorkspaceAccountBinding, error) {
	var out []models.WorkspaceAccountBinding
	for _, b := range f {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeAPI struct {
	mu        sync.Mutex
	fetches   [][]string
	recent    []string
	refreshed []string
	fresh     models.Credential
	err       error
}

func (f *fakeAPI) RecentMedia(context.Context, graph.Auth, int) ([]string, error) {
	return f.recent, f.err
}

func (f *fakeAPI) FetchMetrics(_ context.Context, _ graph.Auth, ids, fields []string) (map[string]map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, append([]string(nil), ids...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]map[string]int64)
	for i, id := range ids {
		out[id] = map[string]int64{fields[0]: int64(i + 1)}
	}
	return out, nil
}

func (f *fakeAPI) RefreshToken(_ context.Context, auth graph.Auth) (models.Credential, error) {
	f.refreshed = append(f.refreshed, auth.AccountID)
	return f.fresh, f.err
}

type fakeSink struct {
	snaps []models.MetricSnapshot
	creds map[string]models.Credential
}

func (f *fakeSink) SaveSnapshots(_ context.Context, snaps []models.MetricSnapshot) error {
	f.snaps = append(f.snaps, snaps...)
	return nil
}

func (f *fakeSink) SaveCredential(_ context.Context, bindingID string, cred models.Credential) error {
	if f.creds == nil {
		f.creds = map[string]models.Credential{}
	}
	f.creds[bindingID] = cred
	return nil
}

type fakeDispatcher struct {
	got []models.WorkspaceAccountBinding
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ models.TriggeredRule, _ models.InboundEvent, b models.WorkspaceAccountBinding) error {
	f.got = append(f.got, b)
	return nil
}

func bindingFor(id, workspace string, expires time.Time) models.WorkspaceAccountBinding {
	return models.WorkspaceAccountBinding{
		ID:                "b-" + id,
		WorkspaceID:       workspace,
		BusinessAccountID: id,
		IsActive:          true,
		Credential:        models.Credential{AccessToken: "tok-" + id, ExpiresAt: expires},
	}
}

func TestDispatchResolvesAtExecution(t *testing.T) {
	d := &fakeDispatcher{}
	h := NewHandlers(Deps{Resolver: fakeResolver{"17841": bindingFor("17841", "ws1", time.Time{})}, Dispatcher: d})

	err := h.Dispatch(context.Background(), DispatchPayload{Event: models.InboundEvent{PlatformAccountID: "17841"}})
	if err != nil || len(d.got) != 1 || d.got[0].WorkspaceID != "ws1" {
		t.Fatalf("dispatch = %v, bindings %v", err, d.got)
	}

	err = h.Dispatch(context.Background(), DispatchPayload{Event: models.InboundEvent{PlatformAccountID: "gone"}})
	if !scheduler.IsPermanent(err) || !store.IsNotFound(err) {
		t.Fatalf("err = %v, want permanent not-found", err)
	}
}

func TestPollMetricsCoalescesPerAccount(t *testing.T) {
	api := &fakeAPI{recent: []string{"m3"}}
	sink := &fakeSink{}
	h := NewHandlers(Deps{
		Resolver:  fakeResolver{"a": bindingFor("a", "ws1", time.Time{}), "b": bindingFor("b", "ws2", time.Time{})},
		API:       api,
		Snapshots: sink,
		Now:       func() time.Time { return now },
	})

	err := h.PollMetrics(context.Background(), []MetricsPollPayload{
		{PlatformAccountID: "a", Class: MetricsDynamic, ObjectIDs: []string{"m1"}},
		{PlatformAccountID: "a", Class: MetricsDynamic, ObjectIDs: []string{"m2", "m1"}},
		{PlatformAccountID: "b", Class: MetricsStable},
		{PlatformAccountID: "unbound", Class: MetricsStable},
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if want := [][]string{{"m1", "m2"}, {"b"}}; !reflect.DeepEqual(api.fetches, want) {
		t.Fatalf("fetches = %v, want %v", api.fetches, want)
	}
	if len(sink.snaps) != 3 {
		t.Fatalf("snapshots = %+v", sink.snaps)
	}
	last := sink.snaps[2]
	if last.ObjectID != "b" || last.Class != "stable" || last.WorkspaceID != "ws2" || last.Values["followers_count"] != 1 || !last.CollectedAt.Equal(now) {
		t.Fatalf("stable snapshot = %+v", last)
	}
}

func TestPollMetricsUsesRecentMediaWhenUnspecified(t *testing.T) {
	api := &fakeAPI{recent: []string{"m9", "m8"}}
	h := NewHandlers(Deps{Resolver: fakeResolver{"a": bindingFor("a", "ws1", time.Time{})}, API: api, Snapshots: &fakeSink{}})

	if err := h.PollMetrics(context.Background(), []MetricsPollPayload{{PlatformAccountID: "a", Class: MetricsDynamic}}); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if want := [][]string{{"m9", "m8"}}; !reflect.DeepEqual(api.fetches, want) {
		t.Fatalf("fetches = %v", api.fetches)
	}
}

func TestPollMetricsFailsAsUnit(t *testing.T) {
	api := &fakeAPI{err: &graph.APIError{Status: 503}}
	h := NewHandlers(Deps{Resolver: fakeResolver{"a": bindingFor("a", "ws1", time.Time{})}, API: api, Snapshots: &fakeSink{}})
	err := h.PollMetrics(context.Background(), []MetricsPollPayload{{PlatformAccountID: "a", Class: MetricsStable}})
	var apiErr *graph.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
}

func TestRefreshToken(t *testing.T) {
	soon := bindingFor("soon", "ws", now.Add(24*time.Hour))
	later := bindingFor("later", "ws", now.Add(30*24*time.Hour))
	fresh := models.Credential{AccessToken: "new", ExpiresAt: now.Add(60 * 24 * time.Hour)}

	api := &fakeAPI{fresh: fresh}
	sink := &fakeSink{}
	h := NewHandlers(Deps{
		Resolver:      fakeResolver{"soon": soon, "later": later},
		API:           api,
		Credentials:   sink,
		RefreshWindow: 7 * 24 * time.Hour,
		Now:           func() time.Time { return now },
	})

	for _, p := range []TokenRefreshPayload{{PlatformAccountID: "soon"}, {PlatformAccountID: "later"}} {
		if err := h.RefreshToken(context.Background(), p); err != nil {
			t.Fatalf("refresh %s: %v", p.PlatformAccountID, err)
		}
	}
	if !reflect.DeepEqual(api.refreshed, []string{"soon"}) {
		t.Fatalf("refreshed = %v", api.refreshed)
	}
	if sink.creds["b-soon"] != fresh {
		t.Fatalf("saved = %+v", sink.creds)
	}

	if err := h.RefreshToken(context.Background(), TokenRefreshPayload{PlatformAccountID: "later", Force: true}); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if len(api.refreshed) != 2 {
		t.Fatal("forced refresh ignored")
	}
	if err := h.RefreshToken(context.Background(), TokenRefreshPayload{PlatformAccountID: "missing"}); !scheduler.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestArchiveWritesDelivery(t *testing.T) {
	dir := t.TempDir()
	h := NewHandlers(Deps{Archive: archive.NewLocalSink(dir)})
	p := ArchivePayload{CorrelationID: "corr-1", ReceivedAt: now, Body: []byte(`{"object":"instagram"}`)}

	if err := h.Archive(context.Background(), p); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "2026", "10", "18", "corr-1.json"))
	if err != nil || string(got) != string(p.Body) {
		t.Fatalf("archived = %q, %v", got, err)
	}
}

type recordingEnqueuer struct {
	jobs []scheduler.Job
}

func (r *recordingEnqueuer) Enqueue(job scheduler.Job) scheduler.JobID {
	r.jobs = append(r.jobs, job)
	return scheduler.JobID(len(r.jobs))
}

func TestProducerEnqueuesPerBinding(t *testing.T) {
	bindings := fakeResolver{
		"a": bindingFor("a", "ws1", now.Add(time.Hour)),
		"b": bindingFor("b", "ws2", time.Time{}),
	}
	enq := &recordingEnqueuer{}
	p := NewProducer(bindings, enq, Schedule{RefreshWindow: 24 * time.Hour})
	p.now = func() time.Time { return now }

	n, err := p.EnqueueMetrics(context.Background(), MetricsStable)
	if err != nil || n != 2 {
		t.Fatalf("metrics = %d, %v", n, err)
	}
	for _, j := range enq.jobs {
		if j.Priority != scheduler.PriorityStablePoll || j.Payload.JobType() != TypeMetricsPoll {
			t.Fatalf("unexpected job %+v", j)
		}
	}
	if enq.jobs[0].CorrelationID == "" || enq.jobs[0].CorrelationID != enq.jobs[1].CorrelationID {
		t.Fatal("jobs from one tick should share a correlation id")
	}

	enq.jobs = nil
	n, err = p.EnqueueTokenRefresh(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("refresh = %d, %v", n, err)
	}
	got := enq.jobs[0].Payload.(TokenRefreshPayload)
	if got.PlatformAccountID != "a" || got.Force || enq.jobs[0].Priority != scheduler.PriorityMaintenance {
		t.Fatalf("refresh job = %+v", enq.jobs[0])
	}
}

func TestProducerRejectsBadSpec(t *testing.T) {
	p := NewProducer(fakeResolver{}, &recordingEnqueuer{}, Schedule{DynamicMetrics: "not a cron spec"})
	if err := p.Start(); err == nil {
		p.Stop()
		t.Fatal("expected invalid spec error")
	}
}

func TestHandlersRunOnScheduler(t *testing.T) {
	s, err := scheduler.New(scheduler.Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	d := &fakeDispatcher{}
	NewHandlers(Deps{Resolver: fakeResolver{"a": bindingFor("a", "ws1", time.Time{})}, Dispatcher: d}).Register(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	id := s.Enqueue(NewDispatchJob(models.InboundEvent{PlatformAccountID: "a", CommentID: "c1"}, models.TriggeredRule{}, "corr"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, _ := s.Lookup(id); job.State == scheduler.StateCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dispatch job did not complete")
}
