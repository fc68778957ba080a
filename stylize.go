package painterly

import (
	"image/png"
	"os"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/painterly-ml/painterly/coco"
	"github.com/painterly-ml/painterly/stylenet"
	"github.com/pkg/errors"
)

// Stylizer runs a trained transformer network on images, for validation snapshots
// during training and for one-off stylization from the command line.
type Stylizer struct {
	exec *context.Exec
}

// NewStylizer creates a Stylizer reusing the transformer variables in ctx (trained,
// or loaded from a checkpoint). The graph runs with training mode off.
func NewStylizer(backend backends.Backend, ctx *context.Context) *Stylizer {
	return &Stylizer{
		exec: context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, image *Node) *Node {
			ctx.SetTraining(image.Graph(), false)
			return stylenet.Forward(ctx.In(StylenetScope), image)
		}),
	}
}

// Stylize runs one `[batch, 3, height, width]` batch (values 0-255, even spatial
// dimensions) through the network.
func (s *Stylizer) Stylize(images *tensors.Tensor) *tensors.Tensor {
	return s.exec.MustExec(images)[0]
}

// StylizeFile reads an image file, stylizes it at size x size, and writes the result
// as a PNG to outputPath.
func (s *Stylizer) StylizeFile(inputPath, outputPath string, size int) error {
	input, err := coco.LoadImageTensor(inputPath, size)
	if err != nil {
		return err
	}
	output := s.Stylize(input)
	f, err := os.Create(outputPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", outputPath)
	}
	if err = png.Encode(f, coco.ImageFromTensor(output, 0)); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode PNG to %q", outputPath)
	}
	return f.Close()
}
