package models

import (
	"fmt"
	"strings"
)

// Trigger is the source-control event that started a run.
type Trigger struct {
	Repository  string `json:"repository"`
	Ref         string `json:"ref"`
	SHA         string `json:"sha,omitempty"`
	PullRequest int    `json:"pull_request,omitempty"`
	RunURL      string `json:"run_url,omitempty"`
	Component   string `json:"component"`
}

// HasPullRequest returns true if the trigger is tied to a pull request.
func (t *Trigger) HasPullRequest() bool {
	return t.PullRequest > 0
}

// StatusKey returns the signature that identifies this pipeline's status record.
// It is never empty, so unrelated runs never share a record.
func (t *Trigger) StatusKey() string {
	repo := t.Repository
	if repo == "" {
		repo = "local"
	}
	if t.HasPullRequest() {
		return fmt.Sprintf("%s#%d/%s", repo, t.PullRequest, t.Component)
	}
	return fmt.Sprintf("%s@%s/%s", repo, strings.TrimPrefix(t.Ref, "refs/heads/"), t.Component)
}
