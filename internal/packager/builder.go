// Package packager builds deterministic deployment archives.
package packager

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/packager/deps"
	"github.com/narvanalabs/deployctl/internal/packager/hash"
)

// BuildRequest describes one archive to build.
type BuildRequest struct {
	// Root is the project checkout.
	Root string
	// Component names the deployable, e.g. "app".
	Component string
	// Environment is the target environment name used in the archive name.
	Environment string
	// Inspection selects the vendoring strategy.
	Inspection *models.InspectionResult
	// OutputDir receives the archive. Relative paths are resolved against Root.
	OutputDir string
}

// Validate checks that the request has everything Build needs.
func (r *BuildRequest) Validate() error {
	var missing []string
	if r.Root == "" {
		missing = append(missing, "root")
	}
	if r.Component == "" {
		missing = append(missing, "component")
	}
	if r.Environment == "" {
		missing = append(missing, "environment")
	}
	if r.Inspection == nil {
		missing = append(missing, "inspection")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Vendorer installs production dependencies into a staging tree.
type Vendorer interface {
	Vendor(ctx context.Context, dir string, inspection *models.InspectionResult) error
}

// Builder stages, vendors and archives a project.
type Builder struct {
	vendorer Vendorer
	logger   *slog.Logger
	tempDir  string
}

// Option configures a Builder.
type Option func(*Builder)

// WithTempDir sets the parent directory for staging trees.
func WithTempDir(dir string) Option {
	return func(b *Builder) {
		b.tempDir = dir
	}
}

// NewBuilder creates a Builder. A nil vendorer uses deps.NewVendorer defaults.
func NewBuilder(v Vendorer, logger *slog.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = deps.NewVendorer(nil, nil, logger)
	}
	b := &Builder{vendorer: v, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build produces {OutputDir}/{component}-{environment}.zip.
//
// The checkout is never modified: sources are copied to a staging directory,
// dependencies are vendored there, and the archive is written from staging.
// Vendoring failures are DependencyResolutionFailed; everything else is
// ArtifactBuildFailed.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*models.Artifact, error) {
	if err := req.Validate(); err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(err)
	}

	root, err := filepath.Abs(req.Root)
	if err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(fmt.Errorf("%w: %v", ErrSourceUnreadable, err))
	}
	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = "dist"
	}
	if !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(root, outputDir)
	}

	start := time.Now()
	log := b.logger.With("component", req.Component, "environment", req.Environment)

	staging, err := os.MkdirTemp(b.tempDir, "deployctl-stage-*")
	if err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(fmt.Errorf("%w: %v", ErrStagingFailed, err))
	}
	defer os.RemoveAll(staging)

	srcEx, err := SourceExcluder(req.Inspection.Classification, relativeInside(root, outputDir))
	if err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(err)
	}
	if err := copyTree(ctx, root, staging, srcEx); err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(fmt.Errorf("%w: %v", ErrStagingFailed, err))
	}

	if req.Inspection.Classification.HasDependencyManifest() {
		log.Info("vendoring dependencies", "classification", req.Inspection.Classification)
		if err := b.vendorer.Vendor(ctx, staging, req.Inspection); err != nil {
			return nil, pipelineerrors.NewDependencyResolutionError(err)
		}
		if err := deps.Cleanup(staging); err != nil {
			return nil, pipelineerrors.NewArtifactBuildError(err)
		}
	} else {
		log.Warn("no dependency manifest, packaging sources only")
	}

	archiveEx, err := ArchiveExcluder()
	if err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(err)
	}
	entries, err := collectEntries(ctx, staging, archiveEx)
	if err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(fmt.Errorf("%w: %v", ErrSourceUnreadable, err))
	}

	name := models.ArtifactName(req.Component, req.Environment)
	dest := filepath.Join(outputDir, name)
	if err := writeArchiveFile(ctx, dest, entries); err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(fmt.Errorf("%w: %v", ErrArchiveFailed, err))
	}

	sum, err := hash.File(dest)
	if err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, pipelineerrors.NewArtifactBuildError(err)
	}

	files := make([]string, len(entries))
	for i, e := range entries {
		files[i] = e.rel
	}

	log.Info("artifact built",
		"artifact", name,
		"hash", sum,
		"size", info.Size(),
		"files", len(files),
		"duration", time.Since(start),
	)

	return &models.Artifact{
		Name:  name,
		Path:  dest,
		Hash:  sum,
		Size:  info.Size(),
		Files: files,
	}, nil
}

// writeArchiveFile writes the archive to a temp file and renames it into place
// so a failed build never leaves a truncated archive behind.
func writeArchiveFile(ctx context.Context, dest string, entries []archiveEntry) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".deployctl-*.zip")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeArchive(ctx, tmp, entries); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}

// relativeInside returns target relative to root in slash form, or "" when
// target is not inside root.
func relativeInside(root, target string) string {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// copyTree copies regular files from src to dst, skipping excluded paths.
// File symlinks are copied as their targets; other symlinks are dropped.
func copyTree(ctx context.Context, src, dst string, ex *Excluder) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == src {
			return nil
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		slashRel := filepath.ToSlash(rel)
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if ex.ExcludeDir(slashRel) {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0755)
		}
		if ex.ExcludeFile(slashRel) {
			return nil
		}

		info, err := os.Stat(p)
		if err != nil {
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(p, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
