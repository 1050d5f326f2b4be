package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/narvanalabs/deployctl/internal/api/handlers"
	"github.com/narvanalabs/deployctl/internal/dispatch"
	"github.com/narvanalabs/deployctl/internal/integrations/github"
	"github.com/narvanalabs/deployctl/internal/metrics"
)

const testSecret = "topsecret"

type fakeDispatcher struct {
	mu     sync.Mutex
	jobs   []dispatch.Job
	closed bool
}

func (f *fakeDispatcher) Dispatch(job dispatch.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", dispatch.ErrClosed
	}
	f.jobs = append(f.jobs, job)
	return "run-1", nil
}

func (f *fakeDispatcher) Active() []dispatch.RunInfo {
	return []dispatch.RunInfo{{RunID: "run-1", Key: "acme/app@refs/heads/develop"}}
}

func newTestServer(t *testing.T) (*Server, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{}
	matches := func(ref string) bool { return ref != "refs/heads/scratch" }
	cfg := &Config{
		WebhookSecret: testSecret,
		Repository:    "acme/app",
		Component:     "api",
		ServerURL:     "https://github.com",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, d, matches, nil, metrics.NewRecorder().Registry(), logger), d
}

func deliver(t *testing.T, s *Server, event, body string, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	if signed {
		req.Header.Set(github.SignatureHeader, "sha256="+github.Sign([]byte(body), []byte(testSecret)))
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) handlers.WebhookResponse {
	t.Helper()
	var resp handlers.WebhookResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func wantCode(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, code, rr.Body.String())
	}
}

const pushBody = `{"ref":"refs/heads/develop","after":"0123456789abcdef0123456789abcdef01234567",
"repository":{"full_name":"acme/app","clone_url":"https://github.com/acme/app.git"}}`

func TestWebhookDispatchesPush(t *testing.T) {
	s, d := newTestServer(t)

	rr := deliver(t, s, "push", pushBody, true)
	wantCode(t, rr, http.StatusAccepted)
	if got := decode(t, rr).RunID; got != "run-1" {
		t.Errorf("run id = %q, want run-1", got)
	}

	if len(d.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(d.jobs))
	}
	job := d.jobs[0]
	want := dispatch.Job{CloneURL: "https://github.com/acme/app.git"}
	want.Trigger.Repository = "acme/app"
	want.Trigger.Ref = "refs/heads/develop"
	want.Trigger.SHA = "0123456789abcdef0123456789abcdef01234567"
	want.Trigger.Component = "api"
	if job != want {
		t.Errorf("job = %+v, want %+v", job, want)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s, d := newTestServer(t)

	wantCode(t, deliver(t, s, "push", pushBody, false), http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(pushBody))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set(github.SignatureHeader, "sha256=deadbeef")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	wantCode(t, rr, http.StatusUnauthorized)

	if len(d.jobs) != 0 {
		t.Errorf("jobs = %v, want none", d.jobs)
	}
}

func pullRequestBody(action, headRepo, headRef string) string {
	repo := "null"
	if headRepo != "" {
		repo = `{"full_name":"` + headRepo + `"}`
	}
	return `{"action":"` + action + `","number":42,
"pull_request":{"head":{"ref":"` + headRef + `","sha":"abc","repo":` + repo + `}},
"repository":{"full_name":"acme/app"}}`
}

func TestWebhookPullRequestIsReportOnly(t *testing.T) {
	s, d := newTestServer(t)

	rr := deliver(t, s, "pull_request", pullRequestBody("synchronize", "acme/app", "develop"), true)
	wantCode(t, rr, http.StatusAccepted)

	if len(d.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(d.jobs))
	}
	pr := d.jobs[0]
	if pr.Trigger.PullRequest != 42 || pr.Trigger.SHA != "abc" {
		t.Errorf("trigger = %+v, want pull request 42 at abc", pr.Trigger)
	}
	if pr.Trigger.Ref != "refs/pull/42/head" {
		t.Errorf("ref = %q, a pull request must never run as its head branch", pr.Trigger.Ref)
	}
	if pr.CloneURL != "https://github.com/acme/app.git" {
		t.Errorf("clone url = %q", pr.CloneURL)
	}

	// A push to the same branch must not cancel or be cancelled by the
	// pull request run.
	wantCode(t, deliver(t, s, "push", pushBody, true), http.StatusAccepted)
	if dispatch.Key(pr.Trigger) == dispatch.Key(d.jobs[1].Trigger) {
		t.Errorf("pull request and push share dispatch key %q", dispatch.Key(pr.Trigger))
	}
}

func TestWebhookIgnoresForkPullRequest(t *testing.T) {
	for name, headRepo := range map[string]string{
		"fork":         "mallory/app",
		"deleted fork": "",
	} {
		t.Run(name, func(t *testing.T) {
			s, d := newTestServer(t)

			rr := deliver(t, s, "pull_request", pullRequestBody("opened", headRepo, "develop"), true)
			wantCode(t, rr, http.StatusOK)
			resp := decode(t, rr)
			if resp.Status != handlers.StatusIgnored || resp.Reason != "pull request from fork" {
				t.Errorf("response = %+v, want ignored as fork", resp)
			}
			if len(d.jobs) != 0 {
				t.Errorf("dispatched %+v for a fork", d.jobs)
			}
		})
	}
}

func TestWebhookIgnoresEvents(t *testing.T) {
	tests := []struct {
		name   string
		event  string
		body   string
		status string
		reason string
	}{
		{"ping", "ping", `{"zen":"hi"}`, "pong", ""},
		{"unsupported", "issues", `{}`, "ignored", "unsupported event"},
		{"deleted branch", "push", `{"ref":"refs/heads/develop","deleted":true,"repository":{"full_name":"acme/app"}}`, "ignored", "ref deleted"},
		{"tag", "push", `{"ref":"refs/tags/v1","after":"abc","repository":{"full_name":"acme/app"}}`, "ignored", "not a branch"},
		{"other repository", "push", `{"ref":"refs/heads/develop","after":"abc","repository":{"full_name":"acme/other"}}`, "ignored", "repository not configured"},
		{"unmatched ref", "push", `{"ref":"refs/heads/scratch","after":"abc","repository":{"full_name":"acme/app"}}`, "ignored", "no deployment for refs/heads/scratch"},
		{"closed pull request", "pull_request", `{"action":"closed","number":1,"repository":{"full_name":"acme/app"}}`, "ignored", "pull request closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, d := newTestServer(t)
			rr := deliver(t, s, tt.event, tt.body, true)
			wantCode(t, rr, http.StatusOK)
			resp := decode(t, rr)
			if resp.Status != tt.status || resp.Reason != tt.reason {
				t.Errorf("response = %+v, want %s %q", resp, tt.status, tt.reason)
			}
			if len(d.jobs) != 0 {
				t.Errorf("jobs = %v, want none", d.jobs)
			}
		})
	}
}

func TestWebhookInvalidPayload(t *testing.T) {
	s, _ := newTestServer(t)
	wantCode(t, deliver(t, s, "push", `{not json`, true), http.StatusBadRequest)
}

func TestWebhookWhileShuttingDown(t *testing.T) {
	s, d := newTestServer(t)
	d.closed = true
	wantCode(t, deliver(t, s, "push", pushBody, true), http.StatusServiceUnavailable)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	for path, want := range map[string]string{
		"/health":  `"active_runs":1`,
		"/metrics": "deployctl_last_run_timestamp_seconds",
		"/runs":    "run-1",
	} {
		rr := httptest.NewRecorder()
		s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rr.Code)
			continue
		}
		if !strings.Contains(rr.Body.String(), want) {
			t.Errorf("GET %s body missing %q", path, want)
		}
	}
}
