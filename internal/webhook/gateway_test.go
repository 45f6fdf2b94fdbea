package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"inbound-automation/internal/dedup"
	"inbound-automation/internal/dispatch"
	"inbound-automation/internal/graph"
	"inbound-automation/internal/jobs"
	"inbound-automation/internal/models"
	"inbound-automation/internal/scheduler"
	"inbound-automation/internal/signature"
	"inbound-automation/internal/store"
)

const (
	secret  = "app-secret"
	account = "17841"
)

var binding = models.WorkspaceAccountBinding{
	ID:                "b1",
	WorkspaceID:       "ws1",
	Platform:          "instagram",
	BusinessAccountID: account,
	IsActive:          true,
	Credential:        models.Credential{AccessToken: "tok"},
}

type fakeResolver struct {
	err error
}

func (f fakeResolver) Resolve(_ context.Context, id string) (models.WorkspaceAccountBinding, error) {
	if f.err != nil {
		return models.WorkspaceAccountBinding{}, f.err
	}
	if id != account {
		return models.WorkspaceAccountBinding{}, &store.NotFoundError{Kind: "account binding", Key: id}
	}
	return binding, nil
}

type fakeRules []models.AutomationRule

func (f fakeRules) RulesForWorkspace(_ context.Context, workspaceID string) ([]models.AutomationRule, error) {
	if workspaceID != binding.WorkspaceID {
		return nil, nil
	}
	return f, nil
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []scheduler.Job
}

func (r *recordingEnqueuer) Enqueue(job scheduler.Job) scheduler.JobID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return scheduler.JobID(len(r.jobs))
}

func (r *recordingEnqueuer) dispatches() []jobs.DispatchPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []jobs.DispatchPayload
	for _, j := range r.jobs {
		if p, ok := j.Payload.(jobs.DispatchPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func rule(id string, typ models.RuleType, keyword string) models.AutomationRule {
	return models.AutomationRule{
		ID:               id,
		WorkspaceID:      binding.WorkspaceID,
		Type:             typ,
		IsActive:         true,
		Keywords:         []string{keyword},
		CommentResponses: []string{"Thanks!"},
		DMResponses:      []string{"Check your inbox"},
	}
}

func commentBody(commentID, text string) string {
	return `{"object":"instagram","entry":[{"id":"` + account + `","time":1700000000,"changes":[{"field":"comments","value":{"from":{"id":"u1","username":"fan"},"media":{"id":"m1"},"id":"` + commentID + `","text":"` + text + `","created_time":1700000000}}]}]}`
}

func post(t *testing.T, h http.Handler, body, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if sig != "" {
		req.Header.Set(signature.HeaderName, sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newGateway(rules fakeRules, enq *recordingEnqueuer, opts ...func(*Deps)) http.Handler {
	deps := Deps{
		VerifyToken: "verify-me",
		Verifier:    signature.NewVerifier(secret, false),
		Resolver:    fakeResolver{},
		Rules:       rules,
		Enqueuer:    enq,
	}
	for _, o := range opts {
		o(&deps)
	}
	return New(deps).Routes()
}

func TestHandleVerify(t *testing.T) {
	h := newGateway(nil, &recordingEnqueuer{})
	tests := []struct {
		name  string
		query string
		code  int
		body  string
	}{
		{"matching token", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil))
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestDeliveryMatchingComment(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := newGateway(fakeRules{rule("r1", models.RuleCommentThenDM, "deal")}, enq)

	body := commentBody("c1", "Interested! #deal")
	rec := post(t, h, body, signature.Sign([]byte(body), secret))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	got := enq.dispatches()
	if len(got) != 1 {
		t.Fatalf("dispatch jobs = %d, want 1", len(got))
	}
	if !reflect.DeepEqual(got[0].Trigger.CommentResponses, []string{"Thanks!"}) {
		t.Fatalf("comment responses = %v", got[0].Trigger.CommentResponses)
	}
	if got[0].Event.CommentID != "c1" || got[0].Event.MediaID != "m1" || got[0].Event.AuthorID != "u1" {
		t.Fatalf("event = %+v", got[0].Event)
	}
	if !got[0].Event.CreatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("created_at = %v", got[0].Event.CreatedAt)
	}
}

func TestDeliveryNoMatch(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := newGateway(fakeRules{rule("r1", models.RuleCommentOnly, "deal")}, enq)

	body := commentBody("c1", "hello")
	rec := post(t, h, body, signature.Sign([]byte(body), secret))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(enq.jobs))
	}
}

func TestDeliveryRejectsBadSignature(t *testing.T) {
	body := commentBody("c1", "I want the deal")
	for name, sig := range map[string]string{
		"wrong secret": signature.Sign([]byte(body), "other"),
		"missing":      "",
		"garbage":      "sha256=zz",
	} {
		t.Run(name, func(t *testing.T) {
			enq := &recordingEnqueuer{}
			h := newGateway(fakeRules{rule("r1", models.RuleCommentOnly, "deal")}, enq)
			rec := post(t, h, body, sig)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("code = %d, want 403", rec.Code)
			}
			if len(enq.jobs) != 0 {
				t.Fatalf("jobs = %d, want 0", len(enq.jobs))
			}
		})
	}
}

func TestDeliveryMultipleRules(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := newGateway(fakeRules{
		rule("r1", models.RuleCommentOnly, "deal"),
		rule("r2", models.RuleCommentThenDM, "deal"),
	}, enq)

	body := commentBody("c1", "DEAL please")
	post(t, h, body, signature.Sign([]byte(body), secret))

	got := enq.dispatches()
	if len(got) != 2 {
		t.Fatalf("dispatch jobs = %d, want 2", len(got))
	}
	if got[0].Trigger.Rule.ID != "r1" || got[1].Trigger.Rule.ID != "r2" {
		t.Fatalf("rule order = %s, %s", got[0].Trigger.Rule.ID, got[1].Trigger.Rule.ID)
	}
}

func TestDeliveryMalformed(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := newGateway(nil, enq)
	body := `{"entry":[`
	rec := post(t, h, body, signature.Sign([]byte(body), secret))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestDeliveryUnboundAccount(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := newGateway(fakeRules{rule("r1", models.RuleCommentOnly, "deal")}, enq)
	body := strings.ReplaceAll(commentBody("c1", "deal"), account, "999")
	rec := post(t, h, body, signature.Sign([]byte(body), secret))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(enq.jobs))
	}
}

func TestDeliveryMessages(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := newGateway(fakeRules{
		rule("r1", models.RuleDMOnly, "price"),
		rule("r2", models.RuleCommentOnly, "price"),
	}, enq)

	body := `{"object":"instagram","entry":[{"id":"` + account + `","time":1700000000,"messaging":[` +
		`{"sender":{"id":"u9"},"recipient":{"id":"` + account + `"},"timestamp":1700000000000,"message":{"mid":"mid.1","text":"price?"}},` +
		`{"sender":{"id":"` + account + `"},"recipient":{"id":"u9"},"timestamp":1700000000001,"message":{"mid":"mid.2","text":"price is 5","is_echo":true}}` +
		`]}]}`
	post(t, h, body, signature.Sign([]byte(body), secret))

	got := enq.dispatches()
	if len(got) != 1 {
		t.Fatalf("dispatch jobs = %d, want 1", len(got))
	}
	if got[0].Trigger.Rule.ID != "r1" || got[0].Event.SenderID != "u9" || got[0].Event.MessageID != "mid.1" {
		t.Fatalf("dispatch = %+v", got[0])
	}
}

func TestDeliveryOwnCommentIgnored(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := newGateway(fakeRules{rule("r1", models.RuleCommentOnly, "deal")}, enq)
	body := strings.Replace(commentBody("c1", "deal"), `"id":"u1"`, `"id":"`+account+`"`, 1)
	post(t, h, body, signature.Sign([]byte(body), secret))
	if len(enq.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(enq.jobs))
	}
}

func TestDeliveryDedup(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	enq := &recordingEnqueuer{}
	resolver := &toggleResolver{err: errors.New("connection refused")}
	h := newGateway(fakeRules{rule("r1", models.RuleCommentOnly, "deal")}, enq, func(d *Deps) {
		d.Dedup = dedup.New(client, time.Hour)
		d.Resolver = resolver
	})
	body := commentBody("c1", "deal")
	sig := signature.Sign([]byte(body), secret)

	// An internal failure still answers 200 and releases the claim.
	if rec := post(t, h, body, sig); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("jobs after failure = %d", len(enq.jobs))
	}

	resolver.set(nil)
	post(t, h, body, sig)
	post(t, h, body, sig)
	if got := len(enq.dispatches()); got != 1 {
		t.Fatalf("dispatch jobs = %d, want 1", got)
	}
}

type toggleResolver struct {
	mu  sync.Mutex
	err error
}

func (r *toggleResolver) set(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *toggleResolver) Resolve(ctx context.Context, id string) (models.WorkspaceAccountBinding, error) {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	return fakeResolver{err: err}.Resolve(ctx, id)
}

func TestDeliveryArchives(t *testing.T) {
	enq := &recordingEnqueuer{}
	h := newGateway(nil, enq, func(d *Deps) { d.Archive = true })
	body := commentBody("c1", "hello")
	post(t, h, body, signature.Sign([]byte(body), secret))

	if len(enq.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(enq.jobs))
	}
	p, ok := enq.jobs[0].Payload.(jobs.ArchivePayload)
	if !ok {
		t.Fatalf("payload = %T", enq.jobs[0].Payload)
	}
	if string(p.Body) != body || p.CorrelationID == "" {
		t.Fatalf("archive payload = %+v", p)
	}
}

type blockingResolver struct{}

func (blockingResolver) Resolve(ctx context.Context, _ string) (models.WorkspaceAccountBinding, error) {
	select {
	case <-ctx.Done():
		return models.WorkspaceAccountBinding{}, ctx.Err()
	case <-time.After(5 * time.Second):
		return binding, nil
	}
}

func TestDeliveryBoundedBySlowResolver(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	enq := &recordingEnqueuer{}
	h := newGateway(fakeRules{rule("r1", models.RuleCommentOnly, "deal")}, enq, func(d *Deps) {
		d.Resolver = blockingResolver{}
		d.Dedup = dedup.New(client, time.Hour)
		d.Timeout = 50 * time.Millisecond
	})

	body := commentBody("c1", "deal")
	start := time.Now()
	rec := post(t, h, body, signature.Sign([]byte(body), secret))
	elapsed := time.Since(start)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if elapsed > time.Second {
		t.Fatalf("delivery took %s", elapsed)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(enq.jobs))
	}
	if mr.Exists("dedup:" + account + ":c1") {
		t.Fatal("dedup claim was not released after the timeout")
	}
}

type fakeUpstream struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeUpstream) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeUpstream) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeUpstream) PostCommentReply(_ context.Context, _ graph.Auth, commentID, text string) (string, error) {
	f.record("reply " + commentID + " " + text)
	return "reply-1", nil
}

func (f *fakeUpstream) SendDirectMessage(_ context.Context, _ graph.Auth, recipientID, text string) (string, error) {
	f.record("dm " + recipientID + " " + text)
	return "dm-1", nil
}

func (f *fakeUpstream) ResolveMessagingID(_ context.Context, _ graph.Auth, authorID string) (string, error) {
	return "psid-" + authorID, nil
}

func TestDeliveryEndToEnd(t *testing.T) {
	s, err := scheduler.New(scheduler.Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	upstream := &fakeUpstream{}
	jobs.NewHandlers(jobs.Deps{
		Resolver:   fakeResolver{},
		Dispatcher: dispatch.New(upstream),
	}).Register(s)

	promo := models.AutomationRule{
		ID:               "r1",
		WorkspaceID:      binding.WorkspaceID,
		Type:             models.RuleCommentThenDM,
		IsActive:         true,
		Keywords:         []string{"deal"},
		CommentResponses: []string{"Thanks!"},
		DMResponses:      []string{"Here's the link"},
	}
	interest := models.AutomationRule{
		ID:               "r2",
		WorkspaceID:      binding.WorkspaceID,
		Type:             models.RuleCommentOnly,
		IsActive:         true,
		Keywords:         []string{"interested"},
		CommentResponses: []string{"We'll be in touch"},
	}
	h := New(Deps{
		Verifier: signature.NewVerifier(secret, false),
		Resolver: fakeResolver{},
		Rules:    fakeRules{promo, interest},
		Enqueuer: s,
	}).Routes()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	body := commentBody("c1", "Interested! #deal")
	if rec := post(t, h, body, signature.Sign([]byte(body), secret)); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Completed < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if st := s.Stats(); st.Completed != 2 || st.FailedPermanently != 0 {
		t.Fatalf("stats = %+v, want two completed dispatches", st)
	}

	want := []string{
		"reply c1 Thanks!",
		"dm psid-u1 Here's the link",
		"reply c1 We'll be in touch",
	}
	if got := upstream.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}
