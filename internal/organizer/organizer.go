// Package organizer maps a model onto a deterministic directory layout under
// the configured install root and answers "is this file already here".
package organizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	log "github.com/sirupsen/logrus"
)

// ErrRootMissing is returned when the configured install root does not exist.
// A missing root is a configuration error, not something to create on the fly.
var ErrRootMissing = errors.New("install root does not exist")

// typeFolders maps the API's model type to its folder under the install root.
var typeFolders = map[string]string{
	"Checkpoint":       "checkpoints",
	"LORA":             "lora",
	"LoCon":            "lora",
	"TextualInversion": "embeddings",
	"VAE":              "vae",
	"Controlnet":       "controlnet",
	"ControlNet":       "controlnet",
	"Upscaler":         "upscalers",
}

const defaultTypeFolder = "other"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Sanitize replaces every character outside [A-Za-z0-9_.-] with an underscore.
func Sanitize(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// TypeFolder returns the directory name for a model type, falling back to
// "other" for types without a dedicated folder.
func TypeFolder(modelType string) string {
	if folder, ok := typeFolders[modelType]; ok {
		return folder
	}
	return defaultTypeFolder
}

// Organizer derives destination directories beneath a fixed install root.
type Organizer struct {
	root string
}

// New creates an Organizer for the given install root.
func New(root string) *Organizer {
	return &Organizer{root: root}
}

// Root returns the configured install root.
func (o *Organizer) Root() string {
	return o.root
}

// ResolveDestination builds root/typeFolder/baseModel/name, sanitizing the
// variable path segments, and creates all intermediate directories. It fails
// if the root itself is missing.
func (o *Organizer) ResolveDestination(modelType, baseModel, name string) (string, error) {
	info, err := os.Stat(o.root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrRootMissing, o.root)
		}
		return "", fmt.Errorf("stating install root %s: %w", o.root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrRootMissing, o.root)
	}

	dest := filepath.Join(o.root, TypeFolder(modelType), Sanitize(baseModel), Sanitize(name))
	if err := os.MkdirAll(dest, 0700); err != nil {
		return "", fmt.Errorf("creating destination directory %s: %w", dest, err)
	}

	log.Debugf("Resolved destination for %q (%s / %s): %s", name, modelType, baseModel, dest)
	return dest, nil
}

// FileAlreadyPresent reports whether filename already exists inside destDir.
// Used to skip redundant downloads for both model files and images.
func (o *Organizer) FileAlreadyPresent(destDir, filename string) bool {
	info, err := os.Stat(filepath.Join(destDir, filename))
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// RemoveModelDir deletes a model's resolved directory and everything in it.
// Called when a record is removed from the catalog with its files.
func (o *Organizer) RemoveModelDir(dir string) error {
	if dir == "" {
		return errors.New("refusing to remove empty path")
	}
	// Only remove directories under the configured root.
	absRoot, err := filepath.Abs(o.root)
	if err != nil {
		return fmt.Errorf("resolving install root: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving model directory: %w", err)
	}
	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 2 && rel[:2] == ".." {
		return fmt.Errorf("model directory %s is outside install root %s", dir, o.root)
	}

	log.Infof("Removing model directory %s", absDir)
	return os.RemoveAll(absDir)
}
