// Command painterly trains a fast style transfer network on the COCO dataset, runs a
// trained network on images, and exports it to ONNX.
//
// Train a network for a style image (resume by re-running with the same checkpoint):
//
//	painterly --style=starry_night.jpg --checkpoint=starry
//
// Stylize an image with the trained network:
//
//	painterly --checkpoint=starry --stylize=photo.jpg --output=stylized.png
//
// Export the trained network:
//
//	painterly --checkpoint=starry --steps=0 --export=starry.onnx
//
// Hyperparameters (learning rate, loss weights, network width) are context settings,
// settable with --set, e.g. --set="learning_rate=0.0003;stylenet_filters=48".
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/painterly-ml/painterly"
	"github.com/painterly-ml/painterly/export"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", painterly.DefaultConfig().DataDir, "Directory to cache the dataset and pre-trained weights.")
	flagStyle      = flag.String("style", "", "Style image to train towards. Required for a fresh training run; checkpointed afterwards.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from, relative to --data if not absolute. If left empty, no checkpoints are created.")
	flagSteps      = flag.Int("steps", painterly.DefaultConfig().NumTrainSteps, "Total number of training steps (including those of the loaded checkpoint). 0 skips training, for --export.")
	flagBatchSize  = flag.Int("batch_size", painterly.DefaultConfig().BatchSize, "Batch size for training.")
	flagSize       = flag.Int("size", painterly.DefaultConfig().ImageSize, "Image size (square) used for training, validation snapshots and export. Must be even.")

	flagStylize = flag.String("stylize", "", "Image to stylize with the trained network, instead of training. Requires --checkpoint.")
	flagOutput  = flag.String("output", "stylized.png", "Output file for --stylize.")
	flagExport  = flag.String("export", "", "File to export the trained network to, in the ONNX format.")
)

func main() {
	ctx := painterly.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M(commandline.ParseContextSettings(ctx, *settings))

	cfg := painterly.DefaultConfig()
	cfg.DataDir = *flagDataDir
	cfg.StyleImagePath = *flagStyle
	cfg.CheckpointDir = *flagCheckpoint
	cfg.NumTrainSteps = *flagSteps
	cfg.BatchSize = *flagBatchSize
	cfg.ImageSize = *flagSize
	if cfg.ImageSize%2 != 0 {
		klog.Exitf("--size=%d must be even, the network halves and doubles the resolution", cfg.ImageSize)
	}

	switch {
	case *flagStylize != "":
		loadCheckpoint(cfg, ctx)
		stylize(cfg, ctx)
	case cfg.NumTrainSteps == 0:
		if *flagExport == "" {
			klog.Exit("nothing to do: --steps=0 and no --export or --stylize given")
		}
		loadCheckpoint(cfg, ctx)
		exportModel(cfg, ctx)
	default:
		must.M(painterly.TrainModel(cfg, ctx))
		if *flagExport != "" {
			exportModel(cfg, ctx)
		}
	}
}

// loadCheckpoint loads a trained network into ctx, for running without training.
func loadCheckpoint(cfg painterly.Config, ctx *context.Context) {
	if cfg.CheckpointDir == "" {
		klog.Exit("--checkpoint with a trained network is required")
	}
	dataDir := fsutil.MustReplaceTildeInDir(cfg.DataDir)
	must.M1(checkpoints.Build(ctx).
		DirFromBase(cfg.CheckpointDir, dataDir).
		Keep(3).Done())
}

func stylize(cfg painterly.Config, ctx *context.Context) {
	stylizer := painterly.NewStylizer(backends.MustNew(), ctx)
	must.M(stylizer.StylizeFile(*flagStylize, *flagOutput, cfg.ImageSize))
	fmt.Printf("Stylized %q to %q\n", *flagStylize, *flagOutput)
}

func exportModel(cfg painterly.Config, ctx *context.Context) {
	scope := context.ScopeSeparator + painterly.StylenetScope
	must.M(export.ONNXToFile(ctx, scope, cfg.ImageSize, cfg.ImageSize, *flagExport))
	fmt.Printf("Exported ONNX model to %q\n", *flagExport)
}
