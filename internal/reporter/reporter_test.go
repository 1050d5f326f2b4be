package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/deployctl/internal/integrations/github"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/store/memory"
)

// fakeGitHub serves the issue comment endpoints for a single repository.
type fakeGitHub struct {
	mu       sync.Mutex
	nextID   int64
	comments map[int64]github.Comment
	requests []string
	failAll  bool
	// onPatch runs before an update is applied; returning true deletes the
	// comment first, as a user removing it mid-publish would.
	onPatch func(id int64) bool
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{nextID: 100, comments: make(map[int64]github.Comment)}
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	if f.failAll {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"upstream down"}`))
		return
	}

	var payload struct {
		Body string `json:"body"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/app/issues/7/comments":
		list := make([]github.Comment, 0, len(f.comments))
		for _, c := range f.comments {
			list = append(list, c)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		_ = json.NewEncoder(w).Encode(list)
	case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/app/issues/7/comments":
		f.nextID++
		c := github.Comment{ID: f.nextID, Body: payload.Body}
		f.comments[c.ID] = c
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(c)
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/repos/acme/app/issues/comments/"):
		var id int64
		_, _ = fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/repos/acme/app/issues/comments/"), "%d", &id)
		if f.onPatch != nil && f.onPatch(id) {
			delete(f.comments, id)
		}
		c, ok := f.comments[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		c.Body = payload.Body
		f.comments[id] = c
		_ = json.NewEncoder(w).Encode(c)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGitHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

func (f *fakeGitHub) delete(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.comments, id)
}

func (f *fakeGitHub) add(body string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.comments[f.nextID] = github.Comment{ID: f.nextID, Body: body}
	return f.nextID
}

// markerComments returns the comments carrying marker.
func (f *fakeGitHub) markerComments(marker string) []github.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []github.Comment
	for _, c := range f.comments {
		if strings.Contains(c.Body, marker) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeGitHub) body(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[id].Body
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func prTrigger() models.Trigger {
	return models.Trigger{
		Repository:  "acme/app",
		Ref:         "refs/heads/develop",
		SHA:         "0123456789abcdef",
		PullRequest: 7,
		RunURL:      "https://github.com/acme/app/actions/runs/1",
		Component:   "app",
	}
}

func passedReport() *models.RunReport {
	return &models.RunReport{
		RunID:          "run-1",
		Status:         models.RunStatusPassed,
		Classification: models.ClassificationNode,
		Environment:    "develop",
		Artifact: &models.Artifact{
			Name: "app-develop.zip",
			Hash: "sha256-47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=",
			Size: 3 * 1024 * 1024,
		},
		Stages: []models.StageOutcome{
			{Stage: models.StageInspect, Status: models.StageStatusPassed, Message: "NodeRuntime (npm)", Duration: 12 * time.Millisecond},
			{Stage: models.StageBuild, Status: models.StageStatusPassed, Message: "app-develop.zip", Duration: 4 * time.Second},
			{Stage: models.StageResolve, Status: models.StageStatusPassed, Message: "develop"},
			{Stage: models.StageDeploy, Status: models.StageStatusPassed, Message: "app-develop updated"},
		},
	}
}

func setup(t *testing.T) (*fakeGitHub, *Reporter, *memory.Store) {
	t.Helper()
	fake := newFakeGitHub()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	st := memory.New()
	client := github.NewClient(github.WithBaseURL(srv.URL), github.WithToken("t"))
	return fake, New(client, st.Statuses(), discardLogger()), st
}

func TestRender(t *testing.T) {
	report := passedReport()
	report.Trigger = prTrigger()
	body := Render(report)

	if !strings.HasPrefix(body, "<!-- deployctl:acme/app#7/app -->") {
		t.Errorf("body does not start with its marker:\n%s", body)
	}
	for _, want := range []string{
		"Passed, NodeRuntime, deployed to develop",
		"| build | passed | 4s | app-develop.zip |",
		"`app-develop.zip`",
		"3.0 MiB",
		"`0123456`",
		"[Run log](https://github.com/acme/app/actions/runs/1)",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestHeadline(t *testing.T) {
	tests := []struct {
		name   string
		report models.RunReport
		want   string
	}{
		{
			name:   "blocked",
			report: models.RunReport{Status: models.RunStatusBlocked, Classification: models.ClassificationPython, Environment: "production"},
			want:   "Blocked, PythonRuntime, promotion to production blocked",
		},
		{
			name: "failed build",
			report: models.RunReport{Status: models.RunStatusFailed, Classification: models.ClassificationNode, Stages: []models.StageOutcome{
				{Stage: models.StageInspect, Status: models.StageStatusPassed},
				{Stage: models.StageBuild, Status: models.StageStatusFailed},
			}},
			want: "Failed, NodeRuntime, build failed",
		},
		{
			name: "no matching environment",
			report: models.RunReport{Status: models.RunStatusSkipped, Classification: models.ClassificationUnknown, Stages: []models.StageOutcome{
				{Stage: models.StageDeploy, Status: models.StageStatusSkipped, Message: "no deployment for refs/heads/feature"},
			}},
			want: "Skipped, Unknown, no deployment for refs/heads/feature",
		},
		{
			name: "reused",
			report: models.RunReport{Status: models.RunStatusPassed, Classification: models.ClassificationNode, Environment: "develop",
				Attempt: &models.DeploymentAttempt{Reused: true}},
			want: "Passed, NodeRuntime, already deployed to develop",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Headline(&tt.report); got != tt.want {
				t.Errorf("Headline() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderEscapesTableCells(t *testing.T) {
	report := passedReport()
	report.Stages[1].Message = "npm ERR! a|b\nnext"
	if body := Render(report); !strings.Contains(body, `npm ERR! a\|b next`) {
		t.Errorf("cell not escaped:\n%s", body)
	}
}

func mustPublish(t *testing.T, rep *Reporter, trigger models.Trigger, report *models.RunReport) *models.StatusRecord {
	t.Helper()
	record, err := rep.Publish(context.Background(), trigger, report)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if record == nil {
		t.Fatal("Publish() returned no record")
	}
	return record
}

func TestPublishCreatesThenUpdates(t *testing.T) {
	fake, rep, st := setup(t)

	first := mustPublish(t, rep, prTrigger(), passedReport())
	if n := fake.count(); n != 1 {
		t.Fatalf("comments = %d, want 1", n)
	}

	failed := passedReport()
	failed.Status = models.RunStatusFailed
	failed.Stages[3].Status = models.StageStatusFailed
	second := mustPublish(t, rep, prTrigger(), failed)

	if n := fake.count(); n != 1 {
		t.Errorf("comments = %d, second publish must update, not add", n)
	}
	if second.CommentID != first.CommentID {
		t.Errorf("comment id = %d, want %d", second.CommentID, first.CommentID)
	}
	if body := fake.body(second.CommentID); !strings.Contains(body, "Failed, NodeRuntime, deploy failed") {
		t.Errorf("comment body = %q", body)
	}

	record, err := st.Statuses().Get(context.Background(), "acme/app#7/app")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if record.CommentID != second.CommentID || !slices.Contains(record.Stages, "deploy:failed") {
		t.Errorf("record = %+v", record)
	}
}

func TestPublishFindsExistingCommentByMarker(t *testing.T) {
	fake, rep, _ := setup(t)
	fake.add("unrelated comment")
	id := fake.add(Marker("acme/app#7/app") + "\nold summary")

	record := mustPublish(t, rep, prTrigger(), passedReport())

	if record.CommentID != id || fake.count() != 2 {
		t.Errorf("comment id = %d of %d comments, want %d of 2", record.CommentID, fake.count(), id)
	}
	if body := fake.body(id); !strings.Contains(body, "deployed to develop") {
		t.Errorf("comment body = %q", body)
	}
}

func TestPublishRecreatesDeletedComment(t *testing.T) {
	fake, rep, _ := setup(t)

	first := mustPublish(t, rep, prTrigger(), passedReport())
	fake.delete(first.CommentID)
	second := mustPublish(t, rep, prTrigger(), passedReport())

	if second.CommentID == first.CommentID || fake.count() != 1 {
		t.Errorf("second = %d, comments = %d; want a fresh single comment", second.CommentID, fake.count())
	}
}

func TestPublishSeparatesComponents(t *testing.T) {
	fake, rep, _ := setup(t)

	api := prTrigger()
	api.Component = "api"
	mustPublish(t, rep, prTrigger(), passedReport())
	mustPublish(t, rep, api, passedReport())

	if n := fake.count(); n != 2 {
		t.Errorf("comments = %d, want one per component", n)
	}
}

func TestPublishConcurrentlyKeepsOneComment(t *testing.T) {
	fake, rep, st := setup(t)
	var patches int
	fake.onPatch = func(id int64) bool {
		patches++
		return patches%2 == 1
	}

	const publishers = 8
	bodies := make(map[string]bool)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < publishers; i++ {
		report := passedReport()
		report.Stages[3].Message = fmt.Sprintf("app-develop updated by run %d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := rep.Publish(context.Background(), prTrigger(), report)
			if err != nil {
				t.Errorf("Publish() error = %v", err)
				return
			}
			mu.Lock()
			bodies[record.Body] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	marked := fake.markerComments(Marker("acme/app#7/app"))
	if len(marked) != 1 {
		t.Fatalf("marker comments = %d, want exactly 1", len(marked))
	}
	if !bodies[marked[0].Body] {
		t.Errorf("comment body was never published:\n%s", marked[0].Body)
	}

	record, err := st.Statuses().Get(context.Background(), "acme/app#7/app")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if record.CommentID != marked[0].ID || record.Body != marked[0].Body {
		t.Errorf("stored record (%d) and comment (%d) disagree on the last publish", record.CommentID, marked[0].ID)
	}
}

func TestPublishGitHubFailureIsWarning(t *testing.T) {
	fake, rep, _ := setup(t)
	fake.failAll = true

	record, err := rep.Publish(context.Background(), prTrigger(), passedReport())
	if record != nil {
		t.Errorf("record = %+v, want nil", record)
	}
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
	}
}

func TestPublishWithoutPullRequestWritesStepSummary(t *testing.T) {
	fake := newFakeGitHub()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	summary := filepath.Join(t.TempDir(), "summary.md")
	rep := New(github.NewClient(github.WithBaseURL(srv.URL)), nil, discardLogger(), WithStepSummary(summary))

	trigger := prTrigger()
	trigger.PullRequest = 0
	record, err := rep.Publish(context.Background(), trigger, passedReport())
	if err != nil || record != nil {
		t.Fatalf("Publish() = %+v, %v; want no record and no error", record, err)
	}
	if len(fake.requests) != 0 {
		t.Errorf("GitHub requests = %v, want none", fake.requests)
	}

	data, err := os.ReadFile(summary)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Passed, NodeRuntime, deployed to develop", Marker("acme/app@develop/app")} {
		if !strings.Contains(string(data), want) {
			t.Errorf("step summary missing %q", want)
		}
	}
}

func TestRenderMarkerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genTrigger := gopter.CombineGens(
		gen.Identifier(),
		gen.IntRange(0, 500),
		gen.Identifier(),
	).Map(func(values []interface{}) models.Trigger {
		return models.Trigger{
			Repository:  "acme/" + values[0].(string),
			Ref:         "refs/heads/develop",
			PullRequest: values[1].(int),
			Component:   values[2].(string),
		}
	})

	properties.Property("rendered body starts with its own marker", prop.ForAll(
		func(tr models.Trigger) bool {
			report := passedReport()
			report.Trigger = tr
			return strings.HasPrefix(Render(report), Marker(tr.StatusKey()))
		},
		genTrigger,
	))

	properties.Property("a body never carries the marker of another pull request", prop.ForAll(
		func(tr models.Trigger, other int) bool {
			if !tr.HasPullRequest() || other == tr.PullRequest || other == 0 {
				return true
			}
			report := passedReport()
			report.Trigger = tr
			o := tr
			o.PullRequest = other
			return !strings.Contains(Render(report), Marker(o.StatusKey()))
		},
		genTrigger, gen.IntRange(1, 500),
	))

	properties.TestingRun(t)
}
