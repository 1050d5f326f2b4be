// Package models provides data models for deployctl runs.
package models

// Classification is the runtime detected for a source tree.
// It is derived once per run and never changes for the run's duration.
type Classification string

const (
	// ClassificationNode indicates a package.json is present.
	ClassificationNode Classification = "node"
	// ClassificationPython indicates a Python manifest is present.
	ClassificationPython Classification = "python"
	// ClassificationUnknown indicates no known marker was found.
	// It is a valid result, not an error.
	ClassificationUnknown Classification = "unknown"
)

// String returns the string representation of the classification.
func (c Classification) String() string {
	return string(c)
}

// DisplayName returns the human-readable runtime name used in status summaries.
func (c Classification) DisplayName() string {
	switch c {
	case ClassificationNode:
		return "NodeRuntime"
	case ClassificationPython:
		return "PythonRuntime"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the classification is a known value.
func (c Classification) IsValid() bool {
	switch c {
	case ClassificationNode, ClassificationPython, ClassificationUnknown:
		return true
	default:
		return false
	}
}

// HasDependencyManifest reports whether the runtime vendors dependencies into the artifact.
func (c Classification) HasDependencyManifest() bool {
	return c == ClassificationNode || c == ClassificationPython
}

// InspectionResult holds everything the inspector learned about a source tree.
type InspectionResult struct {
	Classification Classification `json:"classification"`

	// PackageManager is npm, yarn or pnpm for Node projects.
	PackageManager string `json:"package_manager,omitempty"`

	// DependencyManager is pip, poetry or pipenv for Python projects.
	DependencyManager string `json:"dependency_manager,omitempty"`

	// RuntimeVersion is the version hint found in the tree (e.g. "20", "3.12").
	RuntimeVersion string `json:"runtime_version,omitempty"`

	// HasLockFile is true when a dependency lock file was found.
	HasLockFile bool `json:"has_lock_file"`

	// Markers lists the marker files that were seen at the root.
	Markers []string `json:"markers,omitempty"`

	// Ambiguous is true when markers for more than one runtime were present.
	Ambiguous bool `json:"ambiguous,omitempty"`

	// Warnings are non-fatal findings such as ambiguous markers.
	Warnings []string `json:"warnings,omitempty"`
}
