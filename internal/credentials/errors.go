package credentials

import "errors"

// Credential errors.
var (
	// ErrNoTokenSource is returned when neither the Actions OIDC endpoint nor a token file is configured.
	ErrNoTokenSource = errors.New("no web identity token source configured")

	// ErrTokenExpired is returned when the web identity token is expired or about to expire.
	ErrTokenExpired = errors.New("web identity token expired")

	// ErrMalformedToken is returned when the web identity token is not a JWT.
	ErrMalformedToken = errors.New("malformed web identity token")

	// ErrStaticCredentials is returned when static keys are used without opting in.
	ErrStaticCredentials = errors.New("static credentials are not accepted")

	// ErrRoleRequired is returned for an environment without a role ARN.
	ErrRoleRequired = errors.New("environment has no role_arn")
)
