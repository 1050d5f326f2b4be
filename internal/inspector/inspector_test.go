package inspector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/narvanalabs/deployctl/internal/models"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func inspect(t *testing.T, root string) *models.InspectionResult {
	t.Helper()
	result, err := NewInspector().Inspect(context.Background(), root)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	return result
}

func TestInspectNodeProject(t *testing.T) {
	result := inspect(t, writeTree(t, map[string]string{
		"package.json":      `{"name":"app","engines":{"node":">=18.2"}}`,
		"package-lock.json": `{}`,
		"index.js":          "exports.handler = async () => {}",
	}))

	if result.Classification != models.ClassificationNode {
		t.Errorf("Classification = %s, want %s", result.Classification, models.ClassificationNode)
	}
	if result.PackageManager != "npm" {
		t.Errorf("PackageManager = %q, want npm", result.PackageManager)
	}
	if !result.HasLockFile {
		t.Error("HasLockFile = false, want true")
	}
	if result.RuntimeVersion != "18.2" {
		t.Errorf("RuntimeVersion = %q, want 18.2", result.RuntimeVersion)
	}
	if result.Ambiguous || len(result.Warnings) != 0 {
		t.Errorf("Ambiguous = %v, Warnings = %v, want a clean result", result.Ambiguous, result.Warnings)
	}
}

func TestInspectNodeWithNvmrcAndYarn(t *testing.T) {
	result := inspect(t, writeTree(t, map[string]string{
		"package.json": `{"name":"app","packageManager":"yarn@4.1.0"}`,
		"yarn.lock":    "",
		".nvmrc":       "v20.11.1\n",
	}))

	if result.PackageManager != "yarn" {
		t.Errorf("PackageManager = %q, want yarn", result.PackageManager)
	}
	if !result.HasLockFile {
		t.Error("HasLockFile = false, want true")
	}
	if result.RuntimeVersion != "20.11" {
		t.Errorf("RuntimeVersion = %q, want 20.11", result.RuntimeVersion)
	}
}

func TestInspectAmbiguousPrefersNode(t *testing.T) {
	result := inspect(t, writeTree(t, map[string]string{
		"package.json":     `{"name":"app"}`,
		"requirements.txt": "requests==2.31.0\n",
	}))

	if result.Classification != models.ClassificationNode {
		t.Errorf("Classification = %s, want %s", result.Classification, models.ClassificationNode)
	}
	if !result.Ambiguous {
		t.Error("Ambiguous = false, want true")
	}
	if len(result.Warnings) != 1 {
		t.Errorf("Warnings = %v, want exactly one", result.Warnings)
	}
	markers := slices.Clone(result.Markers)
	slices.Sort(markers)
	if want := []string{"package.json", "requirements.txt"}; !slices.Equal(markers, want) {
		t.Errorf("Markers = %v, want %v", result.Markers, want)
	}
}

func TestInspectInvalidPackageJSONIsWarning(t *testing.T) {
	result := inspect(t, writeTree(t, map[string]string{"package.json": "{not json"}))

	if result.Classification != models.ClassificationNode {
		t.Errorf("Classification = %s, want %s", result.Classification, models.ClassificationNode)
	}
	if len(result.Warnings) == 0 || !strings.Contains(result.Warnings[0], "failed to parse package.json") {
		t.Errorf("Warnings = %v, want a package.json parse warning", result.Warnings)
	}
}

func TestInspectPythonManagers(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		manager string
		locked  bool
		version string
	}{
		{
			name: "poetry",
			files: map[string]string{
				"pyproject.toml": "[tool.poetry]\nname = \"svc\"\n\n[tool.poetry.dependencies]\npython = \"^3.12\"\n",
				"poetry.lock":    "",
			},
			manager: "poetry",
			locked:  true,
			version: "3.12",
		},
		{
			name: "pip",
			files: map[string]string{
				"requirements.txt": "boto3\n",
				".python-version":  "3.11.7\n",
			},
			manager: "pip",
			locked:  true,
			version: "3.11.7",
		},
		{
			name: "pipenv",
			files: map[string]string{
				"Pipfile":      "[packages]\nrequests = \"*\"\n",
				"Pipfile.lock": "{}",
			},
			manager: "pipenv",
			locked:  true,
		},
		{
			name: "pep 621",
			files: map[string]string{
				"pyproject.toml": "[project]\nname = \"svc\"\nrequires-python = \">=3.10\"\ndependencies = [\"httpx\"]\n",
			},
			manager: "pip",
			version: "3.10",
		},
		{
			name:    "setup.py",
			files:   map[string]string{"setup.py": "from setuptools import setup\nsetup(name=\"svc\")\n"},
			manager: "pip",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := inspect(t, writeTree(t, tt.files))
			if result.Classification != models.ClassificationPython {
				t.Fatalf("Classification = %s, want %s", result.Classification, models.ClassificationPython)
			}
			if result.DependencyManager != tt.manager {
				t.Errorf("DependencyManager = %q, want %q", result.DependencyManager, tt.manager)
			}
			if result.HasLockFile != tt.locked {
				t.Errorf("HasLockFile = %v, want %v", result.HasLockFile, tt.locked)
			}
			if tt.version != "" && result.RuntimeVersion != tt.version {
				t.Errorf("RuntimeVersion = %q, want %q", result.RuntimeVersion, tt.version)
			}
			if len(result.Warnings) != 0 {
				t.Errorf("Warnings = %v, want none", result.Warnings)
			}
		})
	}
}

func TestInspectUnknownIsNotAnError(t *testing.T) {
	result := inspect(t, writeTree(t, map[string]string{
		"main.sh":        "#!/bin/sh",
		"lib/setup.py":   "",
		"docs/README.md": "",
	}))

	if result.Classification != models.ClassificationUnknown {
		t.Errorf("Classification = %s, want %s", result.Classification, models.ClassificationUnknown)
	}
	if len(result.Warnings) == 0 {
		t.Error("Warnings is empty, want an unknown runtime warning")
	}
}

func TestInspectMissingRoot(t *testing.T) {
	_, err := NewInspector().Inspect(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrRootUnreadable) {
		t.Errorf("Inspect() error = %v, want ErrRootUnreadable", err)
	}
}
