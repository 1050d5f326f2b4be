package credentials

import "fmt"

// SourceConfig selects where web identity tokens come from.
type SourceConfig struct {
	OIDCRequestURL   string
	OIDCRequestToken string
	Audience         string
	TokenFile        string
}

// NewTokenSource prefers the Actions OIDC endpoint and falls back to a token file.
func NewTokenSource(cfg SourceConfig, fetcher TokenFetcher) (TokenSource, error) {
	switch {
	case cfg.OIDCRequestURL != "" && cfg.OIDCRequestToken != "":
		if fetcher == nil {
			return nil, fmt.Errorf("%w: no OIDC fetcher", ErrNoTokenSource)
		}
		return &ActionsTokenSource{
			Fetcher:      fetcher,
			RequestURL:   cfg.OIDCRequestURL,
			RequestToken: cfg.OIDCRequestToken,
			Audience:     cfg.Audience,
		}, nil
	case cfg.TokenFile != "":
		return &FileTokenSource{Path: cfg.TokenFile}, nil
	default:
		return nil, ErrNoTokenSource
	}
}
