package models

import "fmt"

// Artifact is an immutable deployment archive.
// It is built fresh for every deployment attempt and never mutated after creation.
type Artifact struct {
	// Name is the archive file name, {component}-{environment}.zip.
	Name string `json:"name"`
	// Path is the location of the archive on disk.
	Path string `json:"path"`
	// Hash is the SHA-256 of the archive bytes in SRI form (sha256-<base64>).
	Hash string `json:"hash"`
	// Size is the archive size in bytes.
	Size int64 `json:"size"`
	// Files lists the archive entries in the order they were written.
	Files []string `json:"files,omitempty"`
}

// ArtifactName returns the archive file name for a component and environment.
func ArtifactName(component, environment string) string {
	return fmt.Sprintf("%s-%s.zip", component, environment)
}

// ShortHash returns the first 12 characters of the hash digest for display.
func (a *Artifact) ShortHash() string {
	const prefix = "sha256-"
	h := a.Hash
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		h = h[len(prefix):]
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
