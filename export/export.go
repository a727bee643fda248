// Package export writes the trained classifier as a single portable artifact
// file (".gmxc"): a zip container holding a manifest with the ordered labels
// and preprocessing constants, plus the serialized model variables. The
// consuming app needs nothing else to run inference.
package export

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/monumentar/landmarks/dataset"
	"github.com/monumentar/landmarks/model"
	"github.com/monumentar/landmarks/trainer"
)

// Container entry names.
const (
	manifestEntry       = "manifest.json"
	checkpointJSONEntry = "checkpoint.json"
	checkpointBinEntry  = "checkpoint.bin"
)

// FormatVersion of the artifact container.
const FormatVersion = 1

// Preprocessing tells the consumer how to map 0..255 pixel values to the
// model input range: input = pixel*Scale + Bias.
type Preprocessing struct {
	Scale float64 `json:"scale"`
	Bias  float64 `json:"bias"`
}

// InputShape of the image batch expected by the model.
type InputShape struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
}

// Manifest describes the model embedded in an artifact.
type Manifest struct {
	FormatVersion int           `json:"format_version"`
	Variant       string        `json:"variant"`
	Labels        []string      `json:"labels"`
	Input         InputShape    `json:"input"`
	Preprocessing Preprocessing `json:"preprocessing"`
	Description   string        `json:"description"`
	Author        string        `json:"author"`
	License       string        `json:"license"`
	Version       string        `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ConversionError means the trained model could not be converted into an
// artifact. No partial artifact file is left behind when it is returned.
type ConversionError struct {
	Variant model.Variant
	Reason  string
}

// Error implements the error interface.
func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert model variant %q: %s", e.Variant, e.Reason)
}

// Exporter writes TrainedModel artifacts. The metadata fields are embedded
// verbatim in the manifest.
type Exporter struct {
	Description string
	Author      string
	License     string
	Version     string
}

// NewExporter returns an Exporter with the app's standard metadata.
func NewExporter() *Exporter {
	return &Exporter{
		Description: "Montreal Landmark Recognition Model",
		Author:      "MonuMentAR App",
		License:     "MIT",
		Version:     "1.0",
	}
}

// Export writes trained as a new artifact under destDir and returns the
// artifact's path. The file name embeds the version, a timestamp and a random
// suffix, so repeated exports never collide. The write is atomic: on any
// error no partial artifact remains.
func (e *Exporter) Export(trained *trainer.TrainedModel, destDir string) (string, error) {
	switch trained.Variant {
	case model.Transfer, model.Minimal:
	default:
		return "", &ConversionError{Variant: trained.Variant, Reason: "unknown variant"}
	}
	if len(trained.Labels) == 0 {
		return "", &ConversionError{Variant: trained.Variant, Reason: "model has no labels"}
	}

	checkpointJSON, checkpointBin, err := serializeVariables(trained.Context)
	if err != nil {
		return "", &ConversionError{Variant: trained.Variant, Reason: err.Error()}
	}
	manifest := Manifest{
		FormatVersion: FormatVersion,
		Variant:       string(trained.Variant),
		Labels:        trained.Labels,
		Input: InputShape{
			Width:    dataset.ModelImageSize,
			Height:   dataset.ModelImageSize,
			Channels: 3,
		},
		// Consumers feed 0..255 pixels; the graphs take 0..1 inputs (the
		// transfer variant rescales to InceptionV3's domain internally).
		Preprocessing: Preprocessing{Scale: 1.0 / 255, Bias: 0},
		Description:   e.Description,
		Author:        e.Author,
		License:       e.License,
		Version:       e.Version,
		CreatedAt:     time.Now().UTC(),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to encode manifest")
	}

	if err = os.MkdirAll(destDir, 0777); err != nil {
		return "", errors.Wrapf(err, "failed to create artifact directory %q", destDir)
	}
	artifactPath := path.Join(destDir, e.artifactName(manifest.CreatedAt))
	if err = writeContainerAtomic(artifactPath, map[string][]byte{
		manifestEntry:       manifestJSON,
		checkpointJSONEntry: checkpointJSON,
		checkpointBinEntry:  checkpointBin,
	}); err != nil {
		return "", err
	}
	return artifactPath, nil
}

func (e *Exporter) artifactName(createdAt time.Time) string {
	return fmt.Sprintf("landmarks-%s-%s-%s.gmxc",
		e.Version, createdAt.Format("20060102-150405"), uuid.NewString()[:8])
}

// serializeVariables saves ctx's variables through a checkpoint handler in a
// scratch directory and returns the json/bin file pair contents.
func serializeVariables(ctx *context.Context) (checkpointJSON, checkpointBin []byte, err error) {
	stageDir, err := os.MkdirTemp("", "landmarks-export-")
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create staging directory")
	}
	defer func() { _ = os.RemoveAll(stageDir) }()

	handler, err := checkpoints.Build(ctx).Dir(stageDir).Keep(1).Done()
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to stage model variables")
	}
	if err = handler.Save(); err != nil {
		return nil, nil, errors.WithMessage(err, "failed to save model variables")
	}
	saved, err := handler.ListCheckpoints()
	if err != nil {
		return nil, nil, err
	}
	if len(saved) == 0 {
		return nil, nil, errors.New("no checkpoint produced")
	}
	base := path.Join(stageDir, saved[len(saved)-1])
	if checkpointJSON, err = os.ReadFile(base + checkpoints.JsonNameSuffix); err != nil {
		return nil, nil, errors.Wrap(err, "failed reading staged checkpoint")
	}
	if checkpointBin, err = os.ReadFile(base + checkpoints.BinDataSuffix); err != nil {
		return nil, nil, errors.Wrap(err, "failed reading staged checkpoint data")
	}
	return checkpointJSON, checkpointBin, nil
}

// writeContainerAtomic writes the zip container to a temporary file next to
// filePath and renames it into place.
func writeContainerAtomic(filePath string, entries map[string][]byte) error {
	tmp, err := os.CreateTemp(path.Dir(filePath), ".export-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary artifact file")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	zw := zip.NewWriter(tmp)
	// Fixed order keeps the container layout reproducible.
	for _, name := range []string{manifestEntry, checkpointJSONEntry, checkpointBinEntry} {
		w, err := zw.Create(name)
		if err != nil {
			cleanup()
			return errors.Wrapf(err, "failed to create container entry %q", name)
		}
		if _, err = w.Write(entries[name]); err != nil {
			cleanup()
			return errors.Wrapf(err, "failed to write container entry %q", name)
		}
	}
	if err = zw.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to finish artifact container")
	}
	if err = tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to close artifact file")
	}
	if err = os.Rename(tmpName, filePath); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to move artifact to %q", filePath)
	}
	return nil
}

// Artifact is an opened exported model.
type Artifact struct {
	Path     string
	Manifest Manifest

	checkpointJSON []byte
	checkpointBin  []byte
}

// Open reads and verifies an artifact file: the manifest must parse and the
// model variables must be present.
func Open(artifactPath string) (*Artifact, error) {
	zr, err := zip.OpenReader(artifactPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open artifact %q", artifactPath)
	}
	defer func() { _ = zr.Close() }()

	contents := make(map[string][]byte, 3)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %q from artifact %q", f.Name, artifactPath)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %q from artifact %q", f.Name, artifactPath)
		}
		contents[f.Name] = data
	}
	for _, required := range []string{manifestEntry, checkpointJSONEntry, checkpointBinEntry} {
		if _, found := contents[required]; !found {
			return nil, errors.Errorf("artifact %q is missing entry %q", artifactPath, required)
		}
	}

	artifact := &Artifact{
		Path:           artifactPath,
		checkpointJSON: contents[checkpointJSONEntry],
		checkpointBin:  contents[checkpointBinEntry],
	}
	if err = json.Unmarshal(contents[manifestEntry], &artifact.Manifest); err != nil {
		return nil, errors.Wrapf(err, "artifact %q has a malformed manifest", artifactPath)
	}
	if artifact.Manifest.FormatVersion != FormatVersion {
		return nil, errors.Errorf("artifact %q has format version %d, want %d",
			artifactPath, artifact.Manifest.FormatVersion, FormatVersion)
	}
	return artifact, nil
}

// RestoreContext loads the artifact's model variables into ctx, typically a
// fresh context that the matching model graph is then built on.
func (a *Artifact) RestoreContext(ctx *context.Context) error {
	_, err := checkpoints.Build(ctx).
		FromEmbed(string(a.checkpointJSON), a.checkpointBin).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to restore model from artifact %q", a.Path)
	}
	return nil
}
