// Package config provides environment-based configuration for deployctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/narvanalabs/deployctl/internal/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a deployctl run.
type Config struct {
	// Component is the deployable unit name used in artifact names.
	Component string

	// EnvironmentsFile is the YAML file describing deployment environments.
	EnvironmentsFile string
	// Environments are the configured targets, in match order.
	Environments []models.Environment

	// OutputDir is where artifacts are written.
	OutputDir string

	// Logging
	LogLevel string
	LogJSON  bool

	// DatabaseDSN selects the PostgreSQL attempt log. Empty uses the in-memory store.
	DatabaseDSN string
	// RedisURL selects the Redis supersession tracker. Empty uses the in-memory tracker.
	RedisURL string

	// UnknownIsFatal turns an unknown classification into exit code 4.
	UnknownIsFatal bool

	// PushgatewayURL, when set, receives run metrics on completion.
	PushgatewayURL string

	GitHub      GitHubConfig
	Credentials CredentialsConfig
	Executor    ExecutorConfig
	Builder     BuilderConfig
	Server      ServerConfig
}

// GitHubConfig holds GitHub API and Actions runner settings.
type GitHubConfig struct {
	Token       string
	APIURL      string
	ServerURL   string
	Repository  string
	Ref         string
	SHA         string
	RunID       string
	EventPath   string
	StepSummary string

	// AppID, AppPrivateKey and InstallationID authenticate as a GitHub App
	// instead of Token.
	AppID          int64
	AppPrivateKey  string
	InstallationID int64
}

// HasAppCredentials reports whether GitHub App authentication is configured.
func (g GitHubConfig) HasAppCredentials() bool {
	return g.AppID != 0 && g.InstallationID != 0 && g.AppPrivateKey != ""
}

// CanComment reports whether the API client can write issue comments.
func (g GitHubConfig) CanComment() bool {
	return g.Token != "" || g.HasAppCredentials()
}

// RunURL returns the link to the Actions run log, if known.
func (g GitHubConfig) RunURL() string {
	if g.RunID == "" || g.Repository == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/actions/runs/%s", g.ServerURL, g.Repository, g.RunID)
}

// CredentialsConfig holds federated identity settings.
type CredentialsConfig struct {
	// OIDCRequestURL and OIDCRequestToken are provided by the Actions runner.
	OIDCRequestURL   string
	OIDCRequestToken string
	// TokenFile is a web identity token file, used outside Actions.
	TokenFile string
	// Audience is the OIDC audience requested for STS.
	Audience string
	// SessionDuration bounds the lifetime of assumed role credentials.
	SessionDuration time.Duration
	// AllowStatic permits static AWS keys in the environment, for local development only.
	AllowStatic bool
	// StaticKeyPresent records whether AWS_ACCESS_KEY_ID was set.
	StaticKeyPresent bool
	// Static keys, only used when AllowStatic is set.
	StaticAccessKeyID     string
	StaticSecretAccessKey string
	StaticSessionToken    string
	// SessionName is the role session name recorded in CloudTrail.
	SessionName string
}

// ExecutorConfig holds deployment executor settings.
type ExecutorConfig struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	PollInterval    time.Duration
	DeployTimeout   time.Duration
	UploadTimeout   time.Duration
}

// BuilderConfig holds package builder settings.
type BuilderConfig struct {
	VendorTimeout time.Duration
	NPMPath       string
	PipPath       string
	PoetryPath    string
	PipenvPath    string
}

// ServerConfig holds webhook server settings.
type ServerConfig struct {
	Host            string
	Port            int
	WebhookSecret   string
	ShutdownTimeout time.Duration
	WorkDir         string
}

// Load reads configuration from environment variables and the environments file.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()

	if cfg.EnvironmentsFile != "" {
		file, err := LoadEnvironmentsFile(cfg.EnvironmentsFile)
		if err != nil {
			return nil, err
		}
		cfg.Environments = file.Environments
		if file.Component != "" && os.Getenv("DEPLOYCTL_COMPONENT") == "" {
			cfg.Component = file.Component
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration from the environment without reading
// the environments file or validating, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		Component:        getEnv("DEPLOYCTL_COMPONENT", "app"),
		EnvironmentsFile: getEnv("DEPLOYCTL_ENVIRONMENTS", "deploy/environments.yaml"),
		OutputDir:        getEnv("DEPLOYCTL_OUTPUT_DIR", "dist"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogJSON:          getBoolEnv("LOG_JSON", true),
		DatabaseDSN:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		UnknownIsFatal:   getBoolEnv("UNKNOWN_IS_FATAL", false),
		PushgatewayURL:   getEnv("PUSHGATEWAY_URL", ""),
		GitHub: GitHubConfig{
			Token:       getEnv("GITHUB_TOKEN", ""),
			APIURL:      getEnv("GITHUB_API_URL", "https://api.github.com"),
			ServerURL:   getEnv("GITHUB_SERVER_URL", "https://github.com"),
			Repository:  getEnv("GITHUB_REPOSITORY", ""),
			Ref:         getEnv("GITHUB_REF", ""),
			SHA:         getEnv("GITHUB_SHA", ""),
			RunID:       getEnv("GITHUB_RUN_ID", ""),
			EventPath:   getEnv("GITHUB_EVENT_PATH", ""),
			StepSummary: getEnv("GITHUB_STEP_SUMMARY", ""),

			AppID:          int64(getIntEnv("GITHUB_APP_ID", 0)),
			AppPrivateKey:  getEnv("GITHUB_APP_PRIVATE_KEY", ""),
			InstallationID: int64(getIntEnv("GITHUB_APP_INSTALLATION_ID", 0)),
		},
		Credentials: CredentialsConfig{
			OIDCRequestURL:        getEnv("ACTIONS_ID_TOKEN_REQUEST_URL", ""),
			OIDCRequestToken:      getEnv("ACTIONS_ID_TOKEN_REQUEST_TOKEN", ""),
			TokenFile:             getEnv("AWS_WEB_IDENTITY_TOKEN_FILE", ""),
			Audience:              getEnv("OIDC_AUDIENCE", "sts.amazonaws.com"),
			SessionDuration:       getDurationEnv("ROLE_SESSION_DURATION", 15*time.Minute),
			AllowStatic:           getBoolEnv("ALLOW_STATIC_CREDENTIALS", false),
			StaticKeyPresent:      os.Getenv("AWS_ACCESS_KEY_ID") != "",
			StaticAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			StaticSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			StaticSessionToken:    getEnv("AWS_SESSION_TOKEN", ""),
			SessionName:           getEnv("ROLE_SESSION_NAME", "deployctl"),
		},
		Executor: ExecutorConfig{
			MaxRetries:      getIntEnv("DEPLOY_MAX_RETRIES", 3),
			RetryBackoff:    getDurationEnv("DEPLOY_RETRY_BACKOFF", 2*time.Second),
			RetryMaxBackoff: getDurationEnv("DEPLOY_RETRY_MAX_BACKOFF", 30*time.Second),
			PollInterval:    getDurationEnv("DEPLOY_POLL_INTERVAL", 5*time.Second),
			DeployTimeout:   getDurationEnv("DEPLOY_TIMEOUT", 10*time.Minute),
			UploadTimeout:   getDurationEnv("UPLOAD_TIMEOUT", 5*time.Minute),
		},
		Builder: BuilderConfig{
			VendorTimeout: getDurationEnv("VENDOR_TIMEOUT", 10*time.Minute),
			NPMPath:       getEnv("NPM_PATH", "npm"),
			PipPath:       getEnv("PIP_PATH", "pip"),
			PoetryPath:    getEnv("POETRY_PATH", "poetry"),
			PipenvPath:    getEnv("PIPENV_PATH", "pipenv"),
		},
		Server: ServerConfig{
			Host:            getEnv("API_HOST", "0.0.0.0"),
			Port:            getIntEnv("API_PORT", 8080),
			WebhookSecret:   getEnv("WEBHOOK_SECRET", ""),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
			WorkDir:         getEnv("WORKER_WORKDIR", "/tmp/deployctl"),
		},
	}
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Component == "" {
		return fmt.Errorf("DEPLOYCTL_COMPONENT is required")
	}
	if c.Credentials.StaticKeyPresent && !c.Credentials.AllowStatic {
		return fmt.Errorf("static AWS_ACCESS_KEY_ID is not accepted; use federated credentials or set ALLOW_STATIC_CREDENTIALS=true for local development")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("DEPLOY_MAX_RETRIES must not be negative")
	}
	if c.Executor.PollInterval <= 0 {
		return fmt.Errorf("DEPLOY_POLL_INTERVAL must be positive")
	}
	if c.Executor.DeployTimeout <= 0 {
		return fmt.Errorf("DEPLOY_TIMEOUT must be positive")
	}
	return nil
}

// EnvironmentsFile is the on-disk shape of the environments configuration.
type EnvironmentsFile struct {
	Component    string               `yaml:"component"`
	Environments []models.Environment `yaml:"environments"`
}

// LoadEnvironmentsFile parses the environments YAML file.
func LoadEnvironmentsFile(path string) (*EnvironmentsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading environments file: %w", err)
	}
	return ParseEnvironments(data)
}

// ParseEnvironments parses environments YAML.
func ParseEnvironments(data []byte) (*EnvironmentsFile, error) {
	var file EnvironmentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing environments file: %w", err)
	}
	if len(file.Environments) == 0 {
		return nil, fmt.Errorf("environments file defines no environments")
	}
	return &file, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
