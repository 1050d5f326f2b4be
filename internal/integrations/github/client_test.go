package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestListIssueCommentsPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/app/issues/7/comments" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}

		var comments []Comment
		switch r.URL.Query().Get("page") {
		case "1":
			for i := 0; i < 100; i++ {
				comments = append(comments, Comment{ID: int64(i + 1)})
			}
		case "2":
			comments = []Comment{{ID: 101, Body: "last"}}
		}
		_ = json.NewEncoder(w).Encode(comments)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithToken("secret"))
	comments, err := c.ListIssueComments(context.Background(), "acme/app", 7)
	if err != nil {
		t.Fatalf("ListIssueComments() error = %v", err)
	}
	if len(comments) != 101 || comments[100].Body != "last" {
		t.Errorf("comments = %d, last = %+v", len(comments), comments[len(comments)-1])
	}
}

func TestCreateAndUpdateComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/app/issues/7/comments":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Comment{ID: 42, Body: body["body"]})
		case r.Method == http.MethodPatch && r.URL.Path == "/repos/acme/app/issues/comments/42":
			_ = json.NewEncoder(w).Encode(Comment{ID: 42, Body: body["body"]})
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(WithBaseURL(srv.URL))
	created, err := c.CreateIssueComment(ctx, "acme/app", 7, "hello")
	if err != nil || created.ID != 42 {
		t.Fatalf("CreateIssueComment() = %+v, %v", created, err)
	}

	updated, err := c.UpdateIssueComment(ctx, "acme/app", 42, "updated")
	if err != nil || updated.Body != "updated" {
		t.Fatalf("UpdateIssueComment() = %+v, %v", updated, err)
	}

	_, err = c.UpdateIssueComment(ctx, "acme/app", 99, "gone")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateIssueComment(missing) error = %v, want ErrNotFound", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Not Found" {
		t.Errorf("error = %#v, want APIError with the GitHub message", err)
	}
}

func TestFetchIDToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Header.Get("Authorization") != "Bearer runner-token" || q.Get("audience") != "sts.amazonaws.com" || q.Get("existing") != "1" {
			t.Errorf("unexpected token request %s %v", r.URL, r.Header)
		}
		_, _ = w.Write([]byte(`{"value":"id-token"}`))
	}))
	defer srv.Close()

	c := NewClient()
	token, err := c.FetchIDToken(context.Background(), srv.URL+"/token?existing=1", "runner-token", "sts.amazonaws.com")
	if err != nil || token != "id-token" {
		t.Fatalf("FetchIDToken() = %q, %v", token, err)
	}

	if _, err := c.FetchIDToken(context.Background(), "", "", "sts.amazonaws.com"); err == nil {
		t.Error("FetchIDToken() without a request URL succeeded")
	}
}

func TestInstallationTokenIsCached(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	var mints atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/app/installations/") {
			mints.Add(1)
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			parsed, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil })
			if err != nil {
				t.Errorf("app JWT: %v", err)
			} else if iss, _ := parsed.Claims.GetIssuer(); iss != "12" {
				t.Errorf("issuer = %q, want the app ID", iss)
			}

			w.WriteHeader(http.StatusCreated)
			_, _ = fmt.Fprintf(w, `{"token":"inst-token","expires_at":%q}`, time.Now().Add(time.Hour).Format(time.RFC3339))
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer inst-token" {
			t.Errorf("Authorization = %q, want the installation token", got)
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithInstallation(12, pemKey, 34))
	for i := 0; i < 3; i++ {
		if _, err := c.ListIssueComments(context.Background(), "acme/app", 1); err != nil {
			t.Fatalf("ListIssueComments() error = %v", err)
		}
	}
	if n := mints.Load(); n != 1 {
		t.Errorf("installation tokens minted = %d, want 1", n)
	}
}

func TestValidateSignature(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/develop"}`)
	secret := []byte("s3cret")

	if err := ValidateSignature(payload, secret, "sha256="+Sign(payload, secret)); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := ValidateSignature(payload, secret, ""); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("empty signature error = %v", err)
	}
	if err := ValidateSignature(payload, secret, "sha256=deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("garbage signature error = %v", err)
	}
	if err := ValidateSignature(payload, []byte("other"), "sha256="+Sign(payload, secret)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("wrong secret error = %v", err)
	}
}

func TestSignatureProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a signature only validates its own payload", prop.ForAll(
		func(payload, other string) bool {
			secret := []byte("s3cret")
			sig := "sha256=" + Sign([]byte(payload), secret)
			if ValidateSignature([]byte(payload), secret, sig) != nil {
				return false
			}
			return payload == other || errors.Is(ValidateSignature([]byte(other), secret, sig), ErrInvalidSignature)
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestPullRequestNumber(t *testing.T) {
	tests := map[string]int{
		`{"number":12,"pull_request":{"number":12}}`: 12,
		`{"pull_request":{"number":5}}`:              5,
		`{"ref":"refs/heads/develop"}`:               0,
		`not json`:                                   0,
	}
	for payload, want := range tests {
		if got := PullRequestNumber([]byte(payload)); got != want {
			t.Errorf("PullRequestNumber(%s) = %d, want %d", payload, got, want)
		}
	}
}

func TestPullRequestFromFork(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
	}{
		{`{"pull_request":{"head":{"ref":"develop","repo":{"full_name":"acme/app"}}}}`, false},
		{`{"pull_request":{"head":{"ref":"develop","repo":{"full_name":"Acme/App"}}}}`, false},
		{`{"pull_request":{"head":{"ref":"develop","repo":{"full_name":"mallory/app"}}}}`, true},
		{`{"pull_request":{"head":{"ref":"develop","repo":null}}}`, true},
		{`{"pull_request":{"head":{"ref":"develop"}}}`, true},
	}
	for _, tt := range tests {
		var event PullRequestEvent
		if err := json.Unmarshal([]byte(tt.payload), &event); err != nil {
			t.Fatalf("decoding %s: %v", tt.payload, err)
		}
		if got := event.PullRequest.FromFork("acme/app"); got != tt.want {
			t.Errorf("FromFork(%s) = %v, want %v", tt.payload, got, tt.want)
		}
	}
}

func TestHeadRef(t *testing.T) {
	if got := HeadRef(42); got != "refs/pull/42/head" {
		t.Errorf("HeadRef(42) = %q", got)
	}
	if strings.HasPrefix(HeadRef(1), "refs/heads/") {
		t.Error("pull request refs must not look like branches")
	}
}
