// Package reporter publishes the consolidated run summary as a single,
// upserted pull request comment.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/narvanalabs/deployctl/internal/integrations/github"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/store"
)

// CommentAPI is the subset of the GitHub API the reporter needs.
type CommentAPI interface {
	ListIssueComments(ctx context.Context, repo string, number int) ([]github.Comment, error)
	CreateIssueComment(ctx context.Context, repo string, number int, body string) (*github.Comment, error)
	UpdateIssueComment(ctx context.Context, repo string, id int64, body string) (*github.Comment, error)
}

// Reporter renders run reports and upserts them as pull request comments.
type Reporter struct {
	comments    CommentAPI
	statuses    store.StatusStore
	stepSummary string
	logger      *slog.Logger
	now         func() time.Time

	// locks holds one *sync.Mutex per status key.
	locks sync.Map
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithStepSummary appends summaries to the given GITHUB_STEP_SUMMARY file.
func WithStepSummary(path string) Option {
	return func(r *Reporter) {
		r.stepSummary = path
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

// New creates a Reporter. comments and statuses may be nil, in which case
// summaries only go to the log and the step summary.
func New(comments CommentAPI, statuses store.StatusStore, logger *slog.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		comments: comments,
		statuses: statuses,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish renders report and upserts it for trigger.
//
// With a pull request the cached comment ID is tried first, then a comment
// carrying the signature marker, and a new comment is created otherwise.
// Publishes for the same status key are serialized within a Reporter, so
// the comment and the stored record end with the last publish's body.
// Runs in other processes still race with last-writer-wins.
// Failures are logged and returned wrapped in ErrPublishFailed; they are
// warnings for the run, never fatal.
func (r *Reporter) Publish(ctx context.Context, trigger models.Trigger, report *models.RunReport) (*models.StatusRecord, error) {
	rendered := *report
	rendered.Trigger = trigger
	report = &rendered
	key := trigger.StatusKey()
	body := Render(report)
	logger := r.logger.With("status_key", key)

	var errs []error
	if err := r.writeStepSummary(body); err != nil {
		logger.Warn("failed to write step summary", "error", err)
		errs = append(errs, err)
	}

	if !trigger.HasPullRequest() || r.comments == nil {
		logger.Info("run summary", "summary", Headline(report))
		return nil, wrapPublish(errs)
	}

	unlock := r.lock(key)
	defer unlock()

	comment, err := r.upsert(ctx, logger, trigger, key, body)
	if err != nil {
		logger.Warn("failed to publish status comment", "pull_request", trigger.PullRequest, "error", err)
		return nil, wrapPublish(append(errs, err))
	}

	record := &models.StatusRecord{
		Key:       key,
		CommentID: comment.ID,
		Body:      body,
		Stages:    stageSummaries(report),
		UpdatedAt: r.now().UTC(),
	}
	if r.statuses != nil {
		if err := r.statuses.Upsert(ctx, record); err != nil {
			logger.Warn("failed to store status record", "error", err)
			errs = append(errs, err)
		}
	}
	logger.Info("status comment published", "comment_id", comment.ID, "summary", Headline(report))
	return record, wrapPublish(errs)
}

func (r *Reporter) upsert(ctx context.Context, logger *slog.Logger, trigger models.Trigger, key, body string) (*github.Comment, error) {
	var stale int64
	if cached := r.cachedCommentID(ctx, key); cached != 0 {
		comment, err := r.comments.UpdateIssueComment(ctx, trigger.Repository, cached, body)
		if err == nil {
			return comment, nil
		}
		if !errors.Is(err, github.ErrNotFound) {
			return nil, fmt.Errorf("updating comment %d: %w", cached, err)
		}
		logger.Debug("cached status comment is gone", "comment_id", cached)
		stale = cached
	}

	existing, err := r.findComment(ctx, trigger, key, stale)
	if err != nil {
		return nil, err
	}
	if existing != 0 {
		comment, err := r.comments.UpdateIssueComment(ctx, trigger.Repository, existing, body)
		if err == nil {
			return comment, nil
		}
		if !errors.Is(err, github.ErrNotFound) {
			return nil, fmt.Errorf("updating comment %d: %w", existing, err)
		}
		logger.Debug("status comment deleted concurrently, creating a new one", "comment_id", existing)
	}

	comment, err := r.comments.CreateIssueComment(ctx, trigger.Repository, trigger.PullRequest, body)
	if err != nil {
		return nil, fmt.Errorf("creating comment: %w", err)
	}
	return comment, nil
}

func (r *Reporter) lock(key string) func() {
	v, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Reporter) cachedCommentID(ctx context.Context, key string) int64 {
	if r.statuses == nil {
		return 0
	}
	record, err := r.statuses.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("failed to read status record", "status_key", key, "error", err)
		}
		return 0
	}
	return record.CommentID
}

// findComment returns the newest comment carrying the marker for key.
func (r *Reporter) findComment(ctx context.Context, trigger models.Trigger, key string, skip int64) (int64, error) {
	comments, err := r.comments.ListIssueComments(ctx, trigger.Repository, trigger.PullRequest)
	if err != nil {
		return 0, fmt.Errorf("listing comments: %w", err)
	}
	marker := Marker(key)
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if c.ID != skip && strings.Contains(c.Body, marker) {
			return c.ID, nil
		}
	}
	return 0, nil
}

func (r *Reporter) writeStepSummary(body string) error {
	if r.stepSummary == "" {
		return nil
	}
	f, err := os.OpenFile(r.stepSummary, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening step summary: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(body + "\n"); err != nil {
		return fmt.Errorf("writing step summary: %w", err)
	}
	return nil
}

func stageSummaries(report *models.RunReport) []string {
	out := make([]string, 0, len(report.Stages))
	for _, o := range report.Stages {
		out = append(out, fmt.Sprintf("%s:%s", o.Stage, o.Status))
	}
	return out
}

func wrapPublish(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPublishFailed, errors.Join(errs...))
}
