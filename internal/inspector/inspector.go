// Package inspector classifies a source tree by runtime.
package inspector

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/narvanalabs/deployctl/internal/models"
)

// Marker files, checked at the project root only.
const (
	MarkerPackageJSON  = "package.json"
	MarkerRequirements = "requirements.txt"
	MarkerPyProject    = "pyproject.toml"
	MarkerSetupPy      = "setup.py"
	MarkerPipfile      = "Pipfile"
)

var pythonMarkers = []string{MarkerRequirements, MarkerPyProject, MarkerSetupPy, MarkerPipfile}

// Inspector analyzes a source tree to determine how it is packaged.
type Inspector interface {
	// Inspect classifies the tree rooted at root and collects packaging details.
	Inspect(ctx context.Context, root string) (*models.InspectionResult, error)
}

// DefaultInspector is the default implementation of the Inspector interface.
type DefaultInspector struct{}

// NewInspector creates a new DefaultInspector.
func NewInspector() *DefaultInspector {
	return &DefaultInspector{}
}

// Classify returns exactly one classification for a file listing.
// Only root-level entries are considered markers. A Node marker takes
// priority over Python markers when both are present.
func Classify(files []string) models.Classification {
	hasNode, hasPython := scanMarkers(files)
	switch {
	case hasNode:
		return models.ClassificationNode
	case hasPython:
		return models.ClassificationPython
	default:
		return models.ClassificationUnknown
	}
}

// scanMarkers reports which runtime markers appear at the root of the listing.
func scanMarkers(files []string) (hasNode, hasPython bool) {
	for _, f := range files {
		clean := path.Clean(f)
		if path.Dir(clean) != "." {
			continue
		}
		if clean == MarkerPackageJSON {
			hasNode = true
		}
		for _, m := range pythonMarkers {
			if clean == m {
				hasPython = true
			}
		}
	}
	return hasNode, hasPython
}

// Inspect lists the root of the tree, classifies it and enriches the
// result with package manager and version details.
func (i *DefaultInspector) Inspect(ctx context.Context, root string) (*models.InspectionResult, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootUnreadable, err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	result := &models.InspectionResult{
		Classification: Classify(files),
		Markers:        markersIn(files),
	}

	hasNode, hasPython := scanMarkers(files)
	if hasNode && hasPython {
		result.Ambiguous = true
		result.Warnings = append(result.Warnings,
			"both Node and Python markers found; Node takes precedence")
	}

	switch result.Classification {
	case models.ClassificationNode:
		inspectNode(root, result)
	case models.ClassificationPython:
		inspectPython(root, result)
	case models.ClassificationUnknown:
		result.Warnings = append(result.Warnings,
			"no runtime markers found; packaging source files only")
	}

	return result, nil
}

// markersIn returns the marker files present in the listing.
func markersIn(files []string) []string {
	var markers []string
	for _, f := range files {
		if f == MarkerPackageJSON {
			markers = append(markers, f)
			continue
		}
		for _, m := range pythonMarkers {
			if f == m {
				markers = append(markers, f)
			}
		}
	}
	return markers
}

// fileExists checks if a file exists.
func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
