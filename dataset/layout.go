// Package dataset manages the on-disk training dataset: the split × class
// directory tree, image listings and counts, readiness validation, and the
// train.Dataset implementations that feed images to the training loop.
package dataset

import (
	"iter"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/monumentar/landmarks"
)

// Split of the dataset. Every registered class has a directory under every
// split, even when empty.
type Split string

const (
	Train      Split = "train"
	Validation Split = "validation"
)

// Splits lists all splits, in the order they are reported.
var Splits = []Split{Train, Validation}

// imageExtensions are the file extensions (lower case) recognized as images.
// Anything else in a class directory is silently ignored.
var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Layout defines the directory structure `root/{split}/{label}/` for all
// registered labels. It only ever creates directories, never deletes; images
// may be added by the ingestor or placed manually.
type Layout struct {
	root     string
	registry *landmarks.Registry
}

// NewLayout returns a Layout rooted at root for the registry's classes.
func NewLayout(root string, registry *landmarks.Registry) *Layout {
	return &Layout{root: root, registry: registry}
}

// Root returns the dataset root directory.
func (l *Layout) Root() string { return l.root }

// Registry returns the label registry this layout was built for.
func (l *Layout) Registry() *landmarks.Registry { return l.registry }

// Dir returns the directory holding the images of (split, label).
func (l *Layout) Dir(split Split, label string) string {
	return path.Join(l.root, string(split), label)
}

// Ensure idempotently creates every split × label directory. Pre-existing
// directories and their contents are left untouched.
func (l *Layout) Ensure() error {
	for _, split := range Splits {
		for _, label := range l.registry.Labels() {
			dir := l.Dir(split, label)
			if err := os.MkdirAll(dir, 0777); err != nil {
				return errors.Wrapf(err, "failed to create dataset directory %q", dir)
			}
		}
	}
	return nil
}

// Images yields the paths of the image files under (split, label), in sorted
// order. The sequence is finite and restartable: it re-reads the directory at
// each iteration, so external edits between runs are observed. A missing
// directory yields nothing.
func (l *Layout) Images(split Split, label string) iter.Seq[string] {
	dir := l.Dir(split, label)
	return func(yield func(string) bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(path.Ext(entry.Name()))
			if !imageExtensions[ext] {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			if !yield(path.Join(dir, name)) {
				return
			}
		}
	}
}

// ListImages materializes Images into a slice.
func (l *Layout) ListImages(split Split, label string) []string {
	var paths []string
	for p := range l.Images(split, label) {
		paths = append(paths, p)
	}
	return paths
}

// Count returns the number of images under (split, label). It is equivalent
// to exhausting Images and is recomputed from disk on every call.
func (l *Layout) Count(split Split, label string) int {
	count := 0
	for range l.Images(split, label) {
		count++
	}
	return count
}
