package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/monumentar/landmarks"
	"github.com/monumentar/landmarks/dataset"
)

// CollectorConfig configures a registry-wide collection sweep.
type CollectorConfig struct {
	// Split receives the collected images.
	Split dataset.Split

	// PerTerm is the maximum number of candidates requested per search term.
	PerTerm int

	// RequestsPerSecond paces both searches and downloads, to stay polite
	// with the image host.
	RequestsPerSecond float64

	// ShowProgress displays a per-landmark progress bar on stdout.
	ShowProgress bool
}

// DefaultCollectorConfig collects into the train split, 50 candidates per
// term, one request per second.
var DefaultCollectorConfig = CollectorConfig{
	Split:             dataset.Train,
	PerTerm:           50,
	RequestsPerSecond: 1,
	ShowProgress:      true,
}

// Summary aggregates the results of a collection sweep.
type Summary struct {
	// Searches is the number of search requests issued.
	Searches int

	// Skipped counts candidates whose target file already existed.
	Skipped int

	// ByOutcome counts fetch results per outcome.
	ByOutcome map[Outcome]int

	// StoredPerLabel counts newly stored images per class label.
	StoredPerLabel map[string]int
}

// Stored returns the number of newly stored images.
func (s Summary) Stored() int { return s.ByOutcome[Stored] }

// Report writes a human-readable summary to w.
func (s Summary) Report(w io.Writer) {
	fmt.Fprintf(w, "searches issued: %d\n", s.Searches)
	fmt.Fprintf(w, "already present: %d\n", s.Skipped)
	for _, outcome := range []Outcome{Stored, RejectedUndersized, FailedNetwork, FailedDecode, FailedWrite} {
		fmt.Fprintf(w, "%-20s %d\n", outcome.String()+":", s.ByOutcome[outcome])
	}
	for _, label := range sortedKeys(s.StoredPerLabel) {
		fmt.Fprintf(w, "  %-24s %d new images\n", label, s.StoredPerLabel[label])
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Collector sweeps every landmark of the registry, searching each of its
// terms and feeding the candidates through the Ingestor. Per-item failures
// are logged and counted, never fatal; only search errors and context
// cancellation abort the sweep.
type Collector struct {
	ingestor *Ingestor
	source   Searcher
	config   CollectorConfig
	limiter  *rate.Limiter
}

// NewCollector creates a Collector with DefaultCollectorConfig.
func NewCollector(ingestor *Ingestor, source Searcher) *Collector {
	return NewCollectorWithConfig(ingestor, source, DefaultCollectorConfig)
}

// NewCollectorWithConfig creates a Collector with an explicit configuration.
func NewCollectorWithConfig(ingestor *Ingestor, source Searcher, config CollectorConfig) *Collector {
	return &Collector{
		ingestor: ingestor,
		source:   source,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}
}

// Run executes the sweep: every landmark of the registry, every search term,
// background excluded. It returns the summary of what happened along with the
// first search error or context cancellation, if any; the summary is valid
// either way.
func (c *Collector) Run(ctx context.Context) (Summary, error) {
	summary := Summary{
		ByOutcome:      make(map[Outcome]int),
		StoredPerLabel: make(map[string]int),
	}
	registry := c.ingestor.layout.Registry()
	for _, landmark := range registry.Landmarks() {
		if err := c.collectLandmark(ctx, landmark, &summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (c *Collector) collectLandmark(ctx context.Context, landmark landmarks.Landmark, summary *Summary) error {
	var bar *progressbar.ProgressBar
	if c.config.ShowProgress {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription(landmark.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer func() {
			_ = bar.Close()
			fmt.Println()
		}()
	}
	for _, term := range landmark.SearchTerms {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "collection interrupted")
		}
		summary.Searches++
		photos, err := c.source.Search(ctx, term, c.config.PerTerm)
		if err != nil {
			return errors.WithMessagef(err, "collecting %q", landmark.Name)
		}
		for _, photo := range photos {
			dest := Destination{
				Split:  c.config.Split,
				Label:  landmark.Name,
				Source: "flickr",
				ID:     photo.ID,
			}
			if fileExists(c.ingestor.TargetPath(dest)) {
				summary.Skipped++
				continue
			}
			if err := c.limiter.Wait(ctx); err != nil {
				return errors.Wrap(err, "collection interrupted")
			}
			result := c.ingestor.Fetch(ctx, photo.URL, dest)
			summary.ByOutcome[result.Outcome]++
			switch result.Outcome {
			case Stored:
				summary.StoredPerLabel[landmark.Name]++
				if bar != nil {
					_ = bar.Add(1)
				}
			default:
				klog.Warningf("collecting %q: %v", landmark.Name, result.Err)
			}
		}
	}
	return nil
}

func fileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}
