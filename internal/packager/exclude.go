package packager

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
	"github.com/narvanalabs/deployctl/internal/models"
)

// DefaultDirExclusions are directories never shipped in an artifact.
var DefaultDirExclusions = []string{
	".git",
	"**/.git",
	".github",
	"docs",
	".terraform",
	"**/.terraform",
	"terraform",
}

// DefaultFileExclusions are file patterns never shipped in an artifact.
var DefaultFileExclusions = []string{
	"**.md",
	"**.tf",
	"**.tfvars",
}

// runtimeSourceExclusions are dropped when copying the checkout into staging.
// Vendoring recreates them from the manifest.
var runtimeSourceExclusions = map[models.Classification][]string{
	models.ClassificationNode:   {"node_modules"},
	models.ClassificationPython: {".venv", "venv", "__pycache__", "**/__pycache__"},
}

// bytecodeExclusions are removed from the final archive regardless of runtime.
var bytecodeExclusions = []string{"**/__pycache__", "__pycache__"}

// Excluder decides which slash-separated relative paths are left out.
type Excluder struct {
	dirs  []glob.Glob
	files []glob.Glob
}

// NewExcluder compiles directory and file patterns.
// Patterns use '/' as separator: '*' stays within a path segment, '**' crosses them.
func NewExcluder(dirPatterns, filePatterns []string) (*Excluder, error) {
	e := &Excluder{}
	for _, p := range dirPatterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion pattern %q: %w", p, err)
		}
		e.dirs = append(e.dirs, g)
	}
	for _, p := range filePatterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion pattern %q: %w", p, err)
		}
		e.files = append(e.files, g)
	}
	return e, nil
}

// SourceExcluder returns the excluder applied when staging the checkout.
// outputDir is the artifact directory relative to the root, or empty when it
// lies outside the tree.
func SourceExcluder(classification models.Classification, outputDir string) (*Excluder, error) {
	dirs := append([]string{}, DefaultDirExclusions...)
	dirs = append(dirs, runtimeSourceExclusions[classification]...)
	if outputDir != "" && outputDir != "." {
		dirs = append(dirs, glob.QuoteMeta(path.Clean(outputDir)))
	}
	files := append([]string{}, DefaultFileExclusions...)
	if classification == models.ClassificationPython {
		files = append(files, "**.pyc")
	}
	return NewExcluder(dirs, files)
}

// ArchiveExcluder returns the excluder applied to the vendored staging tree.
func ArchiveExcluder() (*Excluder, error) {
	dirs := append(append([]string{}, DefaultDirExclusions...), bytecodeExclusions...)
	files := append(append([]string{}, DefaultFileExclusions...), "**.pyc")
	return NewExcluder(dirs, files)
}

// ExcludeDir reports whether the directory at rel should be skipped.
func (e *Excluder) ExcludeDir(rel string) bool {
	rel = strings.TrimSuffix(rel, "/")
	for _, g := range e.dirs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// ExcludeFile reports whether the file at rel should be skipped.
func (e *Excluder) ExcludeFile(rel string) bool {
	for _, g := range e.files {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
