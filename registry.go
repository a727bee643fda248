// Package landmarks defines the closed, ordered set of classes the pipeline
// recognizes: a fixed list of landmark labels plus the trailing "background"
// class for everything else.
//
// The Registry is the single source of truth for class ordering. Directory
// naming, the model's output layer and the exported artifact's label list all
// derive from it -- components must never hard-code their own copy.
package landmarks

import (
	"regexp"

	"github.com/pkg/errors"
)

// Background is the label of the negative class. It is always the last class
// of a Registry.
const Background = "background"

// Landmark is one target class and the free-text queries used to collect
// training images for it from a remote image-search service.
type Landmark struct {
	// Name identifies the class. It is used as the on-disk directory name, so
	// it is restricted to lowercase letters, digits and underscores.
	Name string

	// SearchTerms are the queries used by the ingestion collector.
	SearchTerms []string
}

// Registry holds the ordered list of class labels: the landmarks in the order
// given at construction, followed by Background. It is read-only after
// construction.
type Registry struct {
	landmarks []Landmark
	labels    []string
	indices   map[string]int
}

var validLabelRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// NewRegistry validates the given landmarks and builds a Registry with
// Background appended as the final class.
//
// It fails if any name is empty, repeated, equal to Background, or contains
// characters outside [a-z0-9_]. A failure here is a configuration error:
// nothing downstream may proceed.
func NewRegistry(landmarks []Landmark) (*Registry, error) {
	if len(landmarks) == 0 {
		return nil, errors.New("registry requires at least one landmark class")
	}
	r := &Registry{
		landmarks: make([]Landmark, len(landmarks)),
		labels:    make([]string, 0, len(landmarks)+1),
		indices:   make(map[string]int, len(landmarks)+1),
	}
	copy(r.landmarks, landmarks)
	for ii, lm := range r.landmarks {
		if lm.Name == Background {
			return nil, errors.Errorf("class #%d: %q is reserved for the negative class and is appended automatically", ii, Background)
		}
		if !validLabelRe.MatchString(lm.Name) {
			return nil, errors.Errorf("class #%d: invalid label %q, must match %s", ii, lm.Name, validLabelRe)
		}
		if _, found := r.indices[lm.Name]; found {
			return nil, errors.Errorf("class #%d: label %q is repeated", ii, lm.Name)
		}
		r.indices[lm.Name] = ii
		r.labels = append(r.labels, lm.Name)
	}
	r.indices[Background] = len(r.labels)
	r.labels = append(r.labels, Background)
	return r, nil
}

// Labels returns a copy of the class labels in registry order, Background
// last.
func (r *Registry) Labels() []string {
	labels := make([]string, len(r.labels))
	copy(labels, r.labels)
	return labels
}

// NumClasses returns the number of classes, landmarks plus one for
// Background.
func (r *Registry) NumClasses() int { return len(r.labels) }

// At returns the label of the i-th class.
func (r *Registry) At(i int) string { return r.labels[i] }

// Index returns the class index for label, and whether the label is
// registered.
func (r *Registry) Index(label string) (int, bool) {
	idx, found := r.indices[label]
	return idx, found
}

// Landmarks returns a copy of the landmark classes (Background excluded).
func (r *Registry) Landmarks() []Landmark {
	landmarks := make([]Landmark, len(r.landmarks))
	copy(landmarks, r.landmarks)
	return landmarks
}

// Montreal returns the registry of Montreal landmarks the project ships with.
func Montreal() *Registry {
	r, err := NewRegistry([]Landmark{
		{
			Name: "notre_dame_basilica",
			SearchTerms: []string{
				"Notre-Dame Basilica Montreal",
				"Basilique Notre-Dame Montreal",
				"Notre Dame Montreal interior",
				"Notre Dame Montreal exterior",
			},
		},
		{
			Name: "olympic_stadium_tower",
			SearchTerms: []string{
				"Olympic Stadium Montreal",
				"Stade Olympique Montreal",
				"Montreal Olympic Tower",
				"Olympic Stadium inclined tower",
			},
		},
		{
			Name: "mount_royal_cross",
			SearchTerms: []string{
				"Mount Royal Cross Montreal",
				"Croix du Mont-Royal",
				"Mount Royal illuminated cross",
				"Montreal cross night",
			},
		},
		{
			Name: "old_port_clock_tower",
			SearchTerms: []string{
				"Old Port Clock Tower Montreal",
				"Tour de l'Horloge Montreal",
				"Montreal Clock Tower",
				"Vieux-Port clock tower",
			},
		},
		{
			Name: "saint_josephs_oratory",
			SearchTerms: []string{
				"Saint Joseph's Oratory Montreal",
				"Oratoire Saint-Joseph Montreal",
				"Saint Joseph Oratory dome",
				"Montreal Oratory",
			},
		},
	})
	if err != nil {
		// The built-in registry is validated by tests; this cannot happen.
		panic(err)
	}
	return r
}
