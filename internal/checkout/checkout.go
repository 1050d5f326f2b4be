// Package checkout fetches a single commit of a repository into a working
// directory for webhook-triggered runs.
package checkout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Error is a failed git invocation.
type Error struct {
	// Op is the git subcommand that failed.
	Op string
	// Ref is the ref or commit being fetched.
	Ref string
	// Stderr contains the git stderr output, with credentials redacted.
	Stderr   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s %s failed (exit %d): %s", e.Op, e.Ref, e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("git %s %s failed: %v", e.Op, e.Ref, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrNoRevision is returned when neither a SHA nor a ref is given.
var ErrNoRevision = errors.New("checkout requires a commit SHA or ref")

// Request describes what to check out.
type Request struct {
	// CloneURL is the HTTPS clone URL of the repository.
	CloneURL string
	// Token authenticates the fetch as x-access-token when set.
	Token string
	// SHA is the exact commit. Preferred over Ref when set.
	SHA string
	// Ref is fetched when SHA is empty.
	Ref string
}

// Checkout shallow-fetches one commit into dest, which must not exist or be empty.
// It returns the checked out commit SHA.
func Checkout(ctx context.Context, req Request, dest string) (string, error) {
	revision := req.SHA
	if revision == "" {
		revision = req.Ref
	}
	if revision == "" {
		return "", ErrNoRevision
	}
	remote, err := authenticatedURL(req.CloneURL, req.Token)
	if err != nil {
		return "", &Error{Op: "remote", Ref: revision, Err: err}
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", &Error{Op: "init", Ref: revision, Err: fmt.Errorf("creating %s: %w", filepath.Base(dest), err)}
	}

	steps := [][]string{
		{"init", "--quiet"},
		{"remote", "add", "origin", remote},
		{"fetch", "--quiet", "--depth", "1", "--no-tags", "origin", revision},
		{"checkout", "--quiet", "--detach", "FETCH_HEAD"},
	}
	for _, args := range steps {
		if _, err := git(ctx, dest, revision, req.Token, args...); err != nil {
			return "", err
		}
	}

	out, err := git(ctx, dest, revision, req.Token, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func git(ctx context.Context, dir, revision, token string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &Error{
			Op:       args[0],
			Ref:      revision,
			Stderr:   redact(stderr.String(), token),
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return stdout.String(), nil
}

func authenticatedURL(cloneURL, token string) (string, error) {
	if cloneURL == "" {
		return "", errors.New("clone URL is empty")
	}
	if token == "" {
		return cloneURL, nil
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", fmt.Errorf("parsing clone URL: %w", err)
	}
	if u.Scheme != "https" {
		return cloneURL, nil
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
