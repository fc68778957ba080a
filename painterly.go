// Package painterly trains feed-forward style transfer networks: a transformer
// network (package stylenet) learns to re-render photographs in the style of a single
// reference painting, supervised by Gram-matrix style, feature reconstruction and
// shift-consistency losses (package gram) computed on frozen VGG16 features (package
// vgg16), using COCO photographs as content (package coco).
//
// The trained network can be exported to ONNX (package export) for inference outside
// of Go.
package painterly

import (
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/painterly-ml/painterly/stylenet"
)

// Hyperparameter names used in the Context. They can be set with Context.SetParams.
const (
	// ParamStyleWeight scales the Gram-matrix style loss.
	ParamStyleWeight = "style_weight"

	// ParamContentWeight scales the feature reconstruction loss.
	ParamContentWeight = "content_weight"

	// ParamConsistencyWeight scales the shift-consistency loss.
	ParamConsistencyWeight = "consistency_weight"

	// ParamNoiseStddev is the standard deviation of the Gaussian noise added to the
	// input image (pixel range 0-255) before every forward pass.
	ParamNoiseStddev = "noise_stddev"

	// ParamConsistencyTrim is the border (in pixels) excluded from the consistency
	// loss, where the circular shift wraps around.
	ParamConsistencyTrim = "consistency_trim"
)

// Config holds the file-system and training-loop settings; the model
// hyperparameters live in the Context (see CreateDefaultContext).
type Config struct {
	// DataDir is where the dataset and the pre-trained VGG16 weights are
	// downloaded to.
	DataDir string

	// StyleImagePath points to the reference painting.
	StyleImagePath string

	// CheckpointDir is where checkpoints (and validation snapshots) are saved.
	// Empty disables checkpointing.
	CheckpointDir string

	// ImageSize is the side of the square training crops. Must be even. The style
	// image is resized to the same size.
	ImageSize int

	// BatchSize of the training batches.
	BatchSize int

	// NumTrainSteps is the total number of training steps -- the run stops at this
	// global step, also when resuming from a checkpoint.
	NumTrainSteps int

	// ValidationPeriodSteps is how often the held-out image is stylized and saved
	// into CheckpointDir.
	ValidationPeriodSteps int

	// CheckpointPeriod is how often checkpoints are saved.
	CheckpointPeriod time.Duration

	// PlateauPatience is how many loss observations without improvement of the loss
	// moving average before the learning rate is decayed.
	PlateauPatience int

	// PlateauFactor multiplies the learning rate at each decay. In (0, 1).
	PlateauFactor float64

	// BufferedBatches is the number of batches pre-generated by the parallel data
	// loading workers.
	BufferedBatches int
}

// DefaultConfig returns the settings used by the command line demo.
func DefaultConfig() Config {
	return Config{
		DataDir:               "~/work/painterly",
		ImageSize:             256,
		BatchSize:             4,
		NumTrainSteps:         40_000,
		ValidationPeriodSteps: 1000,
		CheckpointPeriod:      3 * time.Minute,
		PlateauPatience:       10,
		PlateauFactor:         0.6,
		BufferedBatches:       8,
	}
}

// CreateDefaultContext creates a Context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 0.001,
		stylenet.ParamFilters:        32,
		stylenet.ParamMultiplier:     2.0,
		ParamStyleWeight:             3e5,
		ParamContentWeight:           3.0,
		ParamConsistencyWeight:       100.0,
		ParamNoiseStddev:             4.0,
		ParamConsistencyTrim:         4,
	})
	return ctx
}
