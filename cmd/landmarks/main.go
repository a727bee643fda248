// landmarks drives the dataset and training pipeline for the Montreal
// landmark classifier. Run it in stages:
//
//  1. `landmarks --setup`: creates the dataset directory tree.
//  2. `landmarks --collect --flickr_key=...`: searches Flickr for Creative
//     Commons photos of every registered landmark and files them into the
//     train split. Images may also be placed manually under the tree.
//  3. `landmarks --validate`: reports per-class image counts and readiness.
//  4. `landmarks --train`: trains the classifier and exports the portable
//     artifact the app consumes. With an empty dataset it still exports an
//     untrained demo model.
//
// Stages can be combined: `landmarks --setup --collect --train`.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/monumentar/landmarks"
	"github.com/monumentar/landmarks/dataset"
	"github.com/monumentar/landmarks/export"
	"github.com/monumentar/landmarks/ingest"
	"github.com/monumentar/landmarks/model"
	"github.com/monumentar/landmarks/trainer"
)

var (
	flagDataDir = flag.String("data", "~/tmp/landmarks", "Directory holding the dataset, downloaded weights and artifacts.")

	// Stages.
	flagSetup    = flag.Bool("setup", false, "Create the dataset directory tree.")
	flagCollect  = flag.Bool("collect", false, "Search Flickr and download training images. Requires --flickr_key.")
	flagValidate = flag.Bool("validate", false, "Report dataset counts and readiness.")
	flagTrain    = flag.Bool("train", false, "Train the model and export the artifact.")

	// Collection parameters.
	flagFlickrKey = flag.String("flickr_key", os.Getenv("FLICKR_API_KEY"), "Flickr API key. Defaults to $FLICKR_API_KEY.")
	flagPerTerm   = flag.Int("per_term", ingest.DefaultCollectorConfig.PerTerm, "Maximum images to request per search term.")

	// Training hyperparameters.
	flagModelVariant = flag.String("model", string(model.Transfer), `Model variant: "transfer" or "minimal".`)
	flagEpochs       = flag.Int("epochs", trainer.DefaultConfig.Epochs, "Maximum number of training epochs.")
	flagBatchSize    = flag.Int("batch", trainer.DefaultConfig.BatchSize, "Batch size for training.")
	flagLearningRate = flag.Float64("learning_rate", trainer.DefaultConfig.LearningRate, "Initial learning rate.")
	flagPatience     = flag.Int("patience", trainer.DefaultConfig.Patience, "Epochs without validation improvement before stopping early.")
	flagFineTune     = flag.Bool("finetuning", false, "Unfreeze the InceptionV3 base of the transfer variant.")

	flagExportDir = flag.String("export_dir", "", "Directory for exported artifacts. Defaults to <data>/artifacts.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)

	registry := landmarks.Montreal()
	layout := dataset.NewLayout(path.Join(dataDir, "training_data"), registry)

	ranStage := false
	if *flagSetup {
		must.M(layout.Ensure())
		fmt.Printf("dataset tree ready under %s\n", layout.Root())
		ranStage = true
	}
	if *flagCollect {
		collect(layout)
		ranStage = true
	}
	if *flagValidate {
		validate(layout)
		ranStage = true
	}
	if *flagTrain {
		trainAndExport(layout, dataDir)
		ranStage = true
	}
	if !ranStage {
		flag.Usage()
		os.Exit(2)
	}
}

func collect(layout *dataset.Layout) {
	if *flagFlickrKey == "" {
		klog.Exit("--collect requires a Flickr API key (--flickr_key or $FLICKR_API_KEY)")
	}
	must.M(layout.Ensure())
	config := ingest.DefaultCollectorConfig
	config.PerTerm = *flagPerTerm
	collector := ingest.NewCollectorWithConfig(
		ingest.NewIngestor(layout),
		ingest.NewFlickrClient(*flagFlickrKey),
		config)
	summary, err := collector.Run(context.Background())
	summary.Report(os.Stdout)
	must.M(err)
}

func validate(layout *dataset.Layout) {
	snapshot := dataset.TakeSnapshot(layout)
	snapshot.Report(os.Stdout)
	readiness := snapshot.Validate(dataset.DefaultReadinessPolicy)
	for _, warning := range readiness.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	if readiness.Ready {
		fmt.Println("dataset is ready for training")
	} else {
		fmt.Println("dataset is NOT ready for training")
	}
}

func trainAndExport(layout *dataset.Layout, dataDir string) {
	variant := must.M1(model.ParseVariant(*flagModelVariant))
	config := trainer.DefaultConfig
	config.DataDir = dataDir
	config.Variant = variant
	config.Epochs = *flagEpochs
	config.BatchSize = *flagBatchSize
	config.LearningRate = *flagLearningRate
	config.Patience = *flagPatience
	config.Model.FineTune = *flagFineTune

	orchestrator := trainer.New(layout, config)
	backend := backends.MustNew()
	trained := must.M1(orchestrator.Run(backend))

	exportDir := *flagExportDir
	if exportDir == "" {
		exportDir = path.Join(dataDir, "artifacts")
	}
	artifactPath := must.M1(export.NewExporter().Export(trained, exportDir))
	orchestrator.MarkExported()

	// Re-open to verify what was written.
	artifact := must.M1(export.Open(artifactPath))
	fmt.Printf("exported %s (%s variant, %d labels)\n",
		artifactPath, artifact.Manifest.Variant, len(artifact.Manifest.Labels))
}
