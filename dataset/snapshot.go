package dataset

import (
	"fmt"
	"io"

	"github.com/monumentar/landmarks"
)

// Snapshot is a read-only aggregate of per-(split, label) image counts, in
// registry order. It is computed on demand from the filesystem and never
// cached across dataset mutations: directories may be edited externally
// between runs.
type Snapshot struct {
	registry *landmarks.Registry

	// counts[split][classIdx], with splits indexed as in Splits.
	counts map[Split][]int
}

// TakeSnapshot counts the images of every split × label pair of the layout.
func TakeSnapshot(layout *Layout) *Snapshot {
	registry := layout.Registry()
	s := &Snapshot{
		registry: registry,
		counts:   make(map[Split][]int, len(Splits)),
	}
	for _, split := range Splits {
		perClass := make([]int, registry.NumClasses())
		for idx, label := range registry.Labels() {
			perClass[idx] = layout.Count(split, label)
		}
		s.counts[split] = perClass
	}
	return s
}

// Count returns the number of images of (split, label). Unregistered labels
// count as zero.
func (s *Snapshot) Count(split Split, label string) int {
	idx, found := s.registry.Index(label)
	if !found {
		return 0
	}
	return s.counts[split][idx]
}

// SplitTotal returns the number of images in one split.
func (s *Snapshot) SplitTotal(split Split) int {
	total := 0
	for _, count := range s.counts[split] {
		total += count
	}
	return total
}

// Total returns the number of images across all splits and labels.
func (s *Snapshot) Total() int {
	total := 0
	for _, split := range Splits {
		total += s.SplitTotal(split)
	}
	return total
}

// ReadinessPolicy configures the advisory thresholds used by Validate.
type ReadinessPolicy struct {
	// MinTrainPerClass is the minimum number of train images per class for
	// the dataset to be considered ready for real training at all.
	MinTrainPerClass int

	// WarnTrainPerClass is the soft threshold below which a class gets a
	// quality warning, even when training can proceed.
	WarnTrainPerClass int
}

// DefaultReadinessPolicy proceeds with any data at all, and warns below 100
// train images per class.
var DefaultReadinessPolicy = ReadinessPolicy{
	MinTrainPerClass:  1,
	WarnTrainPerClass: 100,
}

// Readiness is the advisory result of validating a Snapshot. It never blocks
// execution: the training orchestrator uses it to choose between full
// training and the demo fallback path.
type Readiness struct {
	// Ready is true when every class of the train split meets
	// MinTrainPerClass.
	Ready bool

	// TrainEmpty is true when the train split has no image in any class.
	TrainEmpty bool

	// Warnings carries human-readable advisories: under-threshold classes,
	// empty validation split, and similar.
	Warnings []string
}

// Validate applies the policy to the snapshot. Deficient classes make the
// dataset not Ready; an empty validation split only warns.
func (s *Snapshot) Validate(policy ReadinessPolicy) Readiness {
	r := Readiness{Ready: true, TrainEmpty: s.SplitTotal(Train) == 0}
	for idx, label := range s.registry.Labels() {
		count := s.counts[Train][idx]
		if count < policy.MinTrainPerClass {
			r.Ready = false
			r.Warnings = append(r.Warnings,
				fmt.Sprintf("train/%s has %d images, need at least %d", label, count, policy.MinTrainPerClass))
		} else if count < policy.WarnTrainPerClass {
			r.Warnings = append(r.Warnings,
				fmt.Sprintf("train/%s has only %d images, %d+ recommended for production quality", label, count, policy.WarnTrainPerClass))
		}
	}
	if s.SplitTotal(Validation) == 0 {
		r.Warnings = append(r.Warnings,
			"validation split is empty: training will run without early stopping or learning-rate decay")
	}
	return r
}

// Report writes a per-split, per-class count listing to w, in registry
// order.
func (s *Snapshot) Report(w io.Writer) {
	for _, split := range Splits {
		fmt.Fprintf(w, "%s:\n", split)
		for idx, label := range s.registry.Labels() {
			fmt.Fprintf(w, "  %-24s %6d images\n", label, s.counts[split][idx])
		}
		fmt.Fprintf(w, "  %-24s %6d images\n", "TOTAL", s.SplitTotal(split))
	}
	fmt.Fprintf(w, "dataset total: %d images\n", s.Total())
}
