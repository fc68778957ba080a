package painterly

import (
	"fmt"
	"math/rand"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/painterly-ml/painterly/coco"
	"github.com/painterly-ml/painterly/vgg16"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// schedulerPeriodSteps is how often the plateau scheduler checks the loss moving
// average for a plateau. The average itself is folded on every step.
const schedulerPeriodSteps = 100

// TrainModel downloads whatever is missing (dataset, VGG16 weights), assembles the
// trainer and runs the training loop for cfg.NumTrainSteps steps, saving checkpoints
// and validation snapshots along the way. It resumes from cfg.CheckpointDir when a
// checkpoint exists.
func TrainModel(cfg Config, ctx *context.Context) error {
	dataDir := fsutil.MustReplaceTildeInDir(cfg.DataDir)
	if !fsutil.MustFileExists(dataDir) {
		if err := os.MkdirAll(dataDir, 0777); err != nil {
			return errors.Wrapf(err, "failed to create data dir %q", dataDir)
		}
	}

	// Checkpoint: loads previous state if it exists, saves periodically below.
	var checkpoint *checkpoints.Handler
	if cfg.CheckpointDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(cfg.CheckpointDir, dataDir).
			Keep(3).Done()
		if err != nil {
			return errors.Wrap(err, "failed to set up checkpointing")
		}
	}

	if err := coco.Download(dataDir); err != nil {
		return err
	}
	if err := vgg16.DownloadAndUnpackWeights(dataDir); err != nil {
		return err
	}
	if err := vgg16.Load(ctx, dataDir); err != nil {
		return err
	}

	// The style image is checkpointed with the model; a fresh run requires one.
	if cfg.StyleImagePath != "" {
		if err := LoadStyleImage(ctx, cfg.StyleImagePath, cfg.ImageSize); err != nil {
			return err
		}
	} else if ctx.InspectVariable("/"+StyleScope, "image") == nil {
		return errors.New("no style image: give one with Config.StyleImagePath (or resume from a checkpoint that has it)")
	}

	// The style targets are fixed for the whole run, so their Gram matrices are
	// computed once here rather than inside every training step.
	backend := backends.MustNew()
	if err := PrecomputeStyleGrams(backend, ctx); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	ds, err := coco.NewDataset("coco", dataDir, cfg.BatchSize, cfg.ImageSize, true, rng)
	if err != nil {
		return err
	}
	// Image decoding and cropping happen in a pool of workers, feeding the single
	// training goroutine through a buffered channel.
	trainDS := datasets.CustomParallel(ds).Buffer(cfg.BufferedBatches).Start()

	// The model returns [stylized, total, style, content, consistency]: the loss is
	// taken from position 1, the individual terms become metrics.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	pprintLossFn := func(t *tensors.Tensor) string { return fmt.Sprintf("%.4g", t.Value()) }
	lossTermMetric := func(name, short string, predictionIdx int) metrics.Interface {
		fn := func(ctx *context.Context, labels, predictions []*Node) *Node {
			return predictions[predictionIdx]
		}
		return metrics.NewExponentialMovingAverageMetric(
			name, short, "loss", fn, pprintLossFn, 0.01)
	}

	trainer := train.NewTrainer(backend, ctx, TrainingModelGraph, customLoss,
		optimizers.Adam().FromContext(ctx).Done(),
		[]metrics.Interface{
			lossTermMetric("Moving Style Loss", "~style", 2),
			lossTermMetric("Moving Content Loss", "~content", 3),
			lossTermMetric("Moving Consistency Loss", "~consist", 4),
		},
		nil) // evalMetrics
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	if checkpoint != nil {
		train.PeriodicCallback(loop, cfg.CheckpointPeriod, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Plateau learning rate schedule: the loss moving average is folded on every
	// step, the decay decision only every schedulerPeriodSteps.
	scheduler := NewPlateauScheduler(cfg.PlateauPatience, cfg.PlateauFactor)
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32,
		context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001))
	train.EveryNSteps(loop, 1, "loss moving average", 91,
		func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			scheduler.Observe(shapes.ConvertTo[float64](stepMetrics[0].Value()))
			return nil
		})
	train.EveryNSteps(loop, schedulerPeriodSteps, "plateau learning rate schedule", 90,
		func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			if !scheduler.CheckPlateau() {
				return nil
			}
			current, err := lrVar.Value()
			if err != nil {
				return err
			}
			newLR := shapes.ConvertTo[float64](current.Value()) * scheduler.Factor()
			klog.Infof("Loss plateaued (moving average %.4g), learning rate set to %.4g",
				scheduler.EMA(), newLR)
			return lrVar.SetValue(tensors.FromValue(float32(newLR)))
		})

	// Periodically stylize the held-out image, to eyeball training progress.
	snapshotDir := dataDir
	if checkpoint != nil {
		snapshotDir = checkpoint.Dir()
	}
	heldOutPath := ds.HeldOutPath(dataDir)
	stylizer := NewStylizer(backend, ctx)
	train.EveryNSteps(loop, cfg.ValidationPeriodSteps, "validation snapshot", 80,
		func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			outputPath := path.Join(snapshotDir, fmt.Sprintf("validation_%06d.png", loop.LoopStep))
			return stylizer.StylizeFile(heldOutPath, outputPath, cfg.ImageSize)
		})

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		fmt.Printf("Resuming training from global step %d.\n", globalStep)
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep >= cfg.NumTrainSteps {
		return errors.Errorf("nothing to do: current global step %d >= %d training steps", globalStep, cfg.NumTrainSteps)
	}
	fmt.Printf("Transformer network: %s parameters\n", humanize.Comma(int64(ctx.NumParameters())))

	finalMetrics, err := loop.RunSteps(trainDS, cfg.NumTrainSteps-globalStep)
	if err != nil {
		return errors.Wrap(err, "training loop failed")
	}
	fmt.Printf("Training done, final batch loss %.4g (median step %s)\n",
		shapes.ConvertTo[float64](finalMetrics[0].Value()), loop.MedianTrainStepDuration())
	if checkpoint != nil {
		return checkpoint.Save()
	}
	return nil
}
