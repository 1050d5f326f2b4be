package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Webhook signature errors.
var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SignatureHeader carries the HMAC-SHA256 of the payload.
const SignatureHeader = "X-Hub-Signature-256"

// ValidateSignature checks an X-Hub-Signature-256 value ("sha256=<hex>") for payload.
func ValidateSignature(payload, secret []byte, provided string) error {
	if provided == "" {
		return ErrMissingSignature
	}
	provided = strings.TrimPrefix(provided, "sha256=")
	expected := Sign(payload, secret)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload, secret []byte) string {
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

// PushEvent is the subset of a push webhook payload deployctl uses.
type PushEvent struct {
	Ref        string     `json:"ref"`
	After      string     `json:"after"`
	Deleted    bool       `json:"deleted"`
	Repository Repository `json:"repository"`
}

// PullRequestEvent is the subset of a pull_request webhook payload deployctl uses.
type PullRequestEvent struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	PullRequest PullRequest `json:"pull_request"`
	Repository  Repository  `json:"repository"`
}

// PullRequest identifies the head of a pull request.
type PullRequest struct {
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
		// Repo is the repository the head branch lives in. It differs from
		// the event repository for pull requests opened from a fork and is
		// null when the fork was deleted.
		Repo *Repository `json:"repo"`
	} `json:"head"`
}

// FromFork reports whether the head branch lives outside repository.
func (pr *PullRequest) FromFork(repository string) bool {
	return pr.Head.Repo == nil || !strings.EqualFold(pr.Head.Repo.FullName, repository)
}

// HeadRef is the read-only ref GitHub maintains in the base repository for
// pull request number. It is never a branch, so it cannot select a branch
// environment.
func HeadRef(number int) string {
	return "refs/pull/" + strconv.Itoa(number) + "/head"
}

// Repository identifies a repository in an event payload.
type Repository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

// PullRequestNumber extracts the pull request number from an Actions event
// payload file (GITHUB_EVENT_PATH). It returns 0 for events without one.
func PullRequestNumber(payload []byte) int {
	var event struct {
		Number      int `json:"number"`
		PullRequest struct {
			Number int `json:"number"`
		} `json:"pull_request"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return 0
	}
	if event.PullRequest.Number > 0 {
		return event.PullRequest.Number
	}
	return event.Number
}
