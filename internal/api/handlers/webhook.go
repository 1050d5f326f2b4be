package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/narvanalabs/deployctl/internal/dispatch"
	"github.com/narvanalabs/deployctl/internal/integrations/github"
	"github.com/narvanalabs/deployctl/internal/models"
)

const zeroSHA = "0000000000000000000000000000000000000000"

// Dispatcher starts background runs.
type Dispatcher interface {
	Dispatch(job dispatch.Job) (string, error)
	Active() []dispatch.RunInfo
}

// RefMatcher reports whether a ref has a deployment environment.
type RefMatcher func(ref string) bool

// WebhookHandler turns GitHub push and pull_request events into runs.
// Only pushes deploy. A pull request from the configured repository gets a
// report-only run on its refs/pull/<n>/head ref; pull requests from forks
// are ignored.
type WebhookHandler struct {
	dispatcher Dispatcher
	matches    RefMatcher
	repository string
	component  string
	serverURL  string
	logger     *slog.Logger
}

// NewWebhookHandler creates a handler. An empty repository accepts events
// from any repository; matches may be nil to dispatch every ref.
func NewWebhookHandler(d Dispatcher, matches RefMatcher, repository, component, serverURL string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		dispatcher: d,
		matches:    matches,
		repository: repository,
		component:  component,
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		logger:     logger,
	}
}

// Handle processes one webhook delivery. The signature has already been verified.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	logger := h.logger.With("event", event, "delivery", delivery)

	var (
		job    dispatch.Job
		reason string
		err    error
	)
	switch event {
	case "ping":
		WriteJSON(w, http.StatusOK, WebhookResponse{Status: StatusPong})
		return
	case "push":
		job, reason, err = h.fromPush(r)
	case "pull_request":
		job, reason, err = h.fromPullRequest(r)
	default:
		reason = "unsupported event"
	}
	if err != nil {
		logger.Warn("invalid webhook payload", "error", err)
		WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if reason == "" && h.repository != "" && !strings.EqualFold(job.Trigger.Repository, h.repository) {
		reason = "repository not configured"
	}
	if reason == "" && job.Trigger.PullRequest == 0 && h.matches != nil && !h.matches(job.Trigger.Ref) {
		reason = "no deployment for " + job.Trigger.Ref
	}
	if reason != "" {
		logger.Debug("webhook ignored", "reason", reason)
		WriteJSON(w, http.StatusOK, WebhookResponse{Status: StatusIgnored, Reason: reason})
		return
	}

	runID, err := h.dispatcher.Dispatch(job)
	if errors.Is(err, dispatch.ErrClosed) {
		WriteError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if err != nil {
		logger.Error("failed to dispatch run", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to dispatch run")
		return
	}

	logger.Info("run dispatched", "run_id", runID, "ref", job.Trigger.Ref, "sha", job.Trigger.SHA)
	WriteJSON(w, http.StatusAccepted, WebhookResponse{Status: StatusAccepted, RunID: runID})
}

// Runs lists in-flight runs.
func (h *WebhookHandler) Runs(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.dispatcher.Active())
}

func (h *WebhookHandler) fromPush(r *http.Request) (dispatch.Job, string, error) {
	var event github.PushEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		return dispatch.Job{}, "", err
	}
	if event.Deleted || event.After == zeroSHA {
		return dispatch.Job{}, "ref deleted", nil
	}
	if !strings.HasPrefix(event.Ref, "refs/heads/") {
		return dispatch.Job{}, "not a branch", nil
	}
	return h.job(event.Repository, event.Ref, event.After, 0), "", nil
}

func (h *WebhookHandler) fromPullRequest(r *http.Request) (dispatch.Job, string, error) {
	var event github.PullRequestEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		return dispatch.Job{}, "", err
	}
	switch event.Action {
	case "opened", "synchronize", "reopened":
	default:
		return dispatch.Job{}, "pull request " + event.Action, nil
	}
	if event.PullRequest.FromFork(event.Repository.FullName) {
		return dispatch.Job{}, "pull request from fork", nil
	}
	return h.job(event.Repository, github.HeadRef(event.Number), event.PullRequest.Head.SHA, event.Number), "", nil
}

func (h *WebhookHandler) job(repo github.Repository, ref, sha string, pr int) dispatch.Job {
	cloneURL := repo.CloneURL
	if cloneURL == "" && h.serverURL != "" {
		cloneURL = h.serverURL + "/" + repo.FullName + ".git"
	}
	return dispatch.Job{
		Trigger: models.Trigger{
			Repository:  repo.FullName,
			Ref:         ref,
			SHA:         sha,
			PullRequest: pr,
			Component:   h.component,
		},
		CloneURL: cloneURL,
	}
}
