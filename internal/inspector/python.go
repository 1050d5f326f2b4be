package inspector

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/narvanalabs/deployctl/internal/models"
)

// Python version regex patterns.
var (
	pythonVersionRegex     = regexp.MustCompile(`^(\d+\.\d+(?:\.\d+)?)`)
	pyprojectVersionRegex  = regexp.MustCompile(`(?m)^python\s*=\s*["'][\^~>=<]*(\d+\.\d+)`)
	pyprojectRequiresRegex = regexp.MustCompile(`(?m)^requires-python\s*=\s*["']>=?(\d+\.\d+)`)
	poetrySectionRegex     = regexp.MustCompile(`(?m)^\[tool\.poetry\]`)
)

// inspectPython fills Python-specific details.
func inspectPython(root string, result *models.InspectionResult) {
	pyproject := ""
	if data, err := os.ReadFile(filepath.Join(root, MarkerPyProject)); err == nil {
		pyproject = string(data)
	}

	switch {
	case fileExists(filepath.Join(root, "poetry.lock")):
		result.DependencyManager = "poetry"
		result.HasLockFile = true
	case poetrySectionRegex.MatchString(pyproject):
		result.DependencyManager = "poetry"
	case fileExists(filepath.Join(root, MarkerPipfile)):
		result.DependencyManager = "pipenv"
		result.HasLockFile = fileExists(filepath.Join(root, "Pipfile.lock"))
	default:
		result.DependencyManager = "pip"
		result.HasLockFile = fileExists(filepath.Join(root, MarkerRequirements))
	}

	result.RuntimeVersion = detectPythonVersion(root, pyproject)
}

// detectPythonVersion determines the Python version from various sources.
func detectPythonVersion(root, pyproject string) string {
	// Priority 1: .python-version file
	if data, err := os.ReadFile(filepath.Join(root, ".python-version")); err == nil {
		if matches := pythonVersionRegex.FindStringSubmatch(strings.TrimSpace(string(data))); len(matches) > 1 {
			return matches[1]
		}
	}

	// Priority 2: pyproject.toml
	if matches := pyprojectRequiresRegex.FindStringSubmatch(pyproject); len(matches) > 1 {
		return matches[1]
	}
	if matches := pyprojectVersionRegex.FindStringSubmatch(pyproject); len(matches) > 1 {
		return matches[1]
	}

	// Priority 3: runtime.txt
	if data, err := os.ReadFile(filepath.Join(root, "runtime.txt")); err == nil {
		content := strings.TrimSpace(string(data))
		if strings.HasPrefix(content, "python-") {
			if matches := pythonVersionRegex.FindStringSubmatch(strings.TrimPrefix(content, "python-")); len(matches) > 1 {
				return matches[1]
			}
		}
	}

	return ""
}
