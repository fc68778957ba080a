package stylenet

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

func TestReflectPad(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ReflectPad(3x3, 1)",
		func(g *Graph) (inputs, outputs []*Node) {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 3, 3))
			inputs = []*Node{x}
			outputs = []*Node{ReflectPad(x, 1)}
			return
		}, []any{
			[][][][]float32{{{
				{4, 3, 4, 5, 4},
				{1, 0, 1, 2, 1},
				{4, 3, 4, 5, 4},
				{7, 6, 7, 8, 7},
				{4, 3, 4, 5, 4},
			}}},
		}, 0)
}

func TestReflectPadPreservesInterior(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 3, 8, 8))
		padded := ReflectPad(x, 2)
		interior := Slice(padded, AxisRange(), AxisRange(), AxisRange(2, 10), AxisRange(2, 10))
		return ReduceAllMax(Abs(Sub(interior, x)))
	})
	diff := exec.MustExec()[0].Value().(float32)
	require.Zero(t, diff)
}

func TestInstanceNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return InstanceNorm(ctx, x)
	})
	x := [][][][]float32{{{{1, 2}, {3, 4}}}}
	got := exec.MustExec(x)[0]
	require.NoError(t, got.Shape().CheckDims(1, 1, 2, 2))
	// mean=2.5, variance=1.25.
	want := [][][][]float32{{{{-1.3416358, -0.4472119}, {0.4472119, 1.3416358}}}}
	requireAllInDelta(t, want, got.Value(), 1e-5)

	scaleVar := ctx.GetVariableByScopeAndName("/", "scale")
	require.NotNil(t, scaleVar)
	require.NoError(t, scaleVar.Shape().CheckDims(1, 1, 1, 1))
}

func requireAllInDelta(t *testing.T, want, got any, delta float64) {
	t.Helper()
	w := want.([][][][]float32)
	g := got.([][][][]float32)
	require.Equal(t, len(w), len(g))
	for i := range w {
		for j := range w[i] {
			for k := range w[i][j] {
				for l := range w[i][j][k] {
					require.InDelta(t, w[i][j][k][l], g[i][j][k][l], delta)
				}
			}
		}
	}
}

func TestBlocksPreserveShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, dilation := range []int{1, 2, 3} {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8, 16, 12))
			return SeparableBlock(ctx, x, dilation)
		})
		got := exec.MustExec()[0]
		require.NoErrorf(t, got.Shape().CheckDims(2, 8, 16, 12),
			"SeparableBlock with dilation %d changed the shape", dilation)
	}

	for _, multiplier := range []float64{1.0, 1.5, 2.0} {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8, 16, 12))
			return HourglassBlock(ctx, x, multiplier)
		})
		got := exec.MustExec()[0]
		require.NoErrorf(t, got.Shape().CheckDims(2, 8, 16, 12),
			"HourglassBlock with multiplier %g changed the shape", multiplier)
	}
}

func TestForwardShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamFilters, 8)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 2, 3, 32, 24)), 255)
		return Forward(ctx, x)
	})
	got := exec.MustExec()[0]
	require.NoError(t, got.Shape().CheckDims(2, 3, 32, 24))
}

// An untrained network should output approximately mid-gray for any input.
func TestForwardMidGrayAtInit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamFilters, 8)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 1, 3, 32, 32)), 255)
		out := Forward(ctx, x)
		return ReduceAllMax(Abs(AddScalar(out, -PixelMidRange)))
	})
	maxDeviation := exec.MustExec()[0].Value().(float32)
	require.Less(t, maxDeviation, float32(16),
		"untrained network should output approximately %g everywhere", PixelMidRange)
}
