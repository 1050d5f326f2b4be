// Package deps installs production dependencies into a staging directory.
package deps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/narvanalabs/deployctl/internal/models"
)

var (
	// ErrUnsupportedManager is returned for a package manager with no install recipe.
	ErrUnsupportedManager = errors.New("unsupported package manager")

	// ErrNoManifest is returned for a Python project with nothing pip can install from.
	ErrNoManifest = errors.New("no installable python dependency manifest")

	// ErrUnpinnedPackage is returned for a Pipfile.lock entry pip cannot install as-is.
	ErrUnpinnedPackage = errors.New("unpinned package in Pipfile.lock")
)

// CommandError represents a failed dependency installation command.
type CommandError struct {
	// Command is the command line that was run.
	Command string

	// Stderr contains the command's stderr output
	Stderr string

	// ExitCode is the exit code of the command
	ExitCode int

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed (exit %d): %s", e.Command, e.ExitCode, lastLines(e.Stderr, 5))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s failed with exit code %d", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Runner executes an external command in a directory.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns a *CommandError on failure.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return &CommandError{
			Command:  strings.TrimSpace(name + " " + strings.Join(args, " ")),
			Stderr:   stderr.String(),
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return nil
}

// Config holds vendoring configuration.
type Config struct {
	Timeout    time.Duration
	NPMPath    string
	PipPath    string
	PoetryPath string
	PipenvPath string
}

// DefaultConfig returns a Config with the standard tool names.
func DefaultConfig() *Config {
	return &Config{
		Timeout:    10 * time.Minute,
		NPMPath:    "npm",
		PipPath:    "pip",
		PoetryPath: "poetry",
		PipenvPath: "pipenv",
	}
}

// Vendorer installs production dependencies according to an inspection result.
type Vendorer struct {
	runner Runner
	cfg    *Config
	logger *slog.Logger
}

// NewVendorer creates a Vendorer. A nil runner uses ExecRunner.
func NewVendorer(cfg *Config, runner Runner, logger *slog.Logger) *Vendorer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vendorer{runner: runner, cfg: cfg, logger: logger}
}

// Vendor installs production dependencies into dir, which must be a
// staging copy of the source tree. Unknown classifications are a no-op.
func (v *Vendorer) Vendor(ctx context.Context, dir string, inspection *models.InspectionResult) error {
	if v.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()
	}

	switch inspection.Classification {
	case models.ClassificationNode:
		return v.vendorNode(ctx, dir, inspection)
	case models.ClassificationPython:
		return v.vendorPython(ctx, dir, inspection)
	default:
		return nil
	}
}

func (v *Vendorer) vendorNode(ctx context.Context, dir string, inspection *models.InspectionResult) error {
	cmd, err := v.nodeCommand(inspection)
	if err != nil {
		return err
	}
	v.logger.Info("installing node dependencies", "command", strings.Join(cmd, " "))
	return v.runner.Run(ctx, dir, cmd[0], cmd[1:]...)
}

func (v *Vendorer) nodeCommand(inspection *models.InspectionResult) ([]string, error) {
	switch inspection.PackageManager {
	case "", "npm":
		if inspection.HasLockFile {
			return []string{v.cfg.NPMPath, "ci", "--omit=dev", "--ignore-scripts", "--no-audit", "--no-fund"}, nil
		}
		return []string{v.cfg.NPMPath, "install", "--omit=dev", "--ignore-scripts", "--no-audit", "--no-fund", "--no-package-lock"}, nil
	case "yarn":
		return []string{"yarn", "install", "--production", "--frozen-lockfile", "--ignore-scripts"}, nil
	case "pnpm":
		return []string{"pnpm", "install", "--prod", "--frozen-lockfile", "--ignore-scripts"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedManager, inspection.PackageManager)
	}
}

func (v *Vendorer) vendorPython(ctx context.Context, dir string, inspection *models.InspectionResult) error {
	if inspection.DependencyManager == "pipenv" {
		if err := v.lockPipenv(ctx, dir, inspection); err != nil {
			return err
		}
	}

	cmds, err := v.pythonCommands(dir, inspection)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		v.logger.Info("installing python dependencies", "command", strings.Join(cmd, " "))
		if err := v.runner.Run(ctx, dir, cmd[0], cmd[1:]...); err != nil {
			return err
		}
	}
	return nil
}

// exportedRequirements is the file poetry and pipenv projects are exported to
// before pip installs it. It is removed from the staging tree after installation.
const exportedRequirements = ".deployctl-requirements.txt"

// pythonCommands picks the install recipe from the manifest present in dir.
// A Python project with no installable manifest is an error: the archive
// would deploy without its dependencies.
func (v *Vendorer) pythonCommands(dir string, inspection *models.InspectionResult) ([][]string, error) {
	pip := func(args ...string) []string {
		base := []string{v.cfg.PipPath, "install", "--no-cache-dir", "--disable-pip-version-check"}
		return append(append(base, args...), "-t", dir)
	}

	switch inspection.DependencyManager {
	case "poetry":
		return [][]string{
			{v.cfg.PoetryPath, "export", "-f", "requirements.txt", "--without-hashes", "--only", "main", "-o", exportedRequirements},
			pip("-r", exportedRequirements),
		}, nil
	case "pipenv":
		return [][]string{pip("-r", exportedRequirements)}, nil
	}

	switch {
	case fileExists(filepath.Join(dir, "requirements.txt")):
		return [][]string{pip("-r", "requirements.txt")}, nil
	case fileExists(filepath.Join(dir, "pyproject.toml")), fileExists(filepath.Join(dir, "setup.py")):
		// Installs the project with its declared dependencies; --upgrade lets
		// the installed package replace the staged source of the same name.
		return [][]string{pip("--upgrade", ".")}, nil
	default:
		return nil, ErrNoManifest
	}
}

// lockPipenv writes the default (production) section of Pipfile.lock as a
// requirements file, running pipenv lock first when the project has no lock.
func (v *Vendorer) lockPipenv(ctx context.Context, dir string, inspection *models.InspectionResult) error {
	lockPath := filepath.Join(dir, "Pipfile.lock")
	if !fileExists(lockPath) {
		cmd := []string{v.cfg.PipenvPath, "lock"}
		v.logger.Info("locking pipenv dependencies", "command", strings.Join(cmd, " "))
		if err := v.runner.Run(ctx, dir, cmd[0], cmd[1:]...); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoManifest, err)
	}
	reqs, err := PipfileRequirements(data)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, exportedRequirements), []byte(reqs), 0644)
}

// pipfileLock is the part of Pipfile.lock needed to pin production packages.
type pipfileLock struct {
	Default map[string]struct {
		Version string   `json:"version"`
		Extras  []string `json:"extras"`
		Markers string   `json:"markers"`
		Git     string   `json:"git"`
		Ref     string   `json:"ref"`
	} `json:"default"`
}

// PipfileRequirements converts the default section of a Pipfile.lock into
// requirements.txt lines, sorted by package name.
func PipfileRequirements(lock []byte) (string, error) {
	var parsed pipfileLock
	if err := json.Unmarshal(lock, &parsed); err != nil {
		return "", fmt.Errorf("parsing Pipfile.lock: %w", err)
	}

	names := make([]string, 0, len(parsed.Default))
	for name := range parsed.Default {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		pkg := parsed.Default[name]
		req := name
		if len(pkg.Extras) > 0 {
			req += "[" + strings.Join(pkg.Extras, ",") + "]"
		}
		switch {
		case pkg.Version != "":
			req += pkg.Version
		case pkg.Git != "":
			req += " @ git+" + pkg.Git
			if pkg.Ref != "" {
				req += "@" + pkg.Ref
			}
		default:
			return "", fmt.Errorf("%w: %s has no pinned version", ErrUnpinnedPackage, name)
		}
		if pkg.Markers != "" {
			req += "; " + pkg.Markers
		}
		b.WriteString(req)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Cleanup removes vendoring byproducts from the staging tree.
func Cleanup(dir string) error {
	err := os.Remove(filepath.Join(dir, exportedRequirements))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// lastLines returns the final n non-empty lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
