package models

import (
	"github.com/Noofbiz/fewshot/netbuild"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

const leakySlope = 0.01

func leaky(x *graph.Node) *graph.Node {
	return activations.LeakyReluWithAlpha(x, leakySlope)
}

func dim(x *graph.Node, axis int) int {
	d := x.Shape().Dimensions
	if axis < 0 {
		axis += len(d)
	}
	return d[axis]
}

func checkNCHW(x *graph.Node, op string) error {
	if x.Rank() != 4 {
		return errors.Wrapf(netbuild.ErrShapeMismatch, "%s expects NCHW, got %v", op, x.Shape().Dimensions)
	}
	return nil
}

// avgPool2D averages non-overlapping k×k windows, dropping any remainder.
func avgPool2D(x *graph.Node, k int) (*graph.Node, error) {
	if err := checkNCHW(x, "avg pool"); err != nil {
		return nil, err
	}
	if dim(x, 2) < k || dim(x, 3) < k {
		return nil, errors.Wrapf(netbuild.ErrShapeMismatch, "avg pool %d over %v", k, x.Shape().Dimensions)
	}
	return graph.MeanPool(x).ChannelsAxis(images.ChannelsFirst).Window(k).Done(), nil
}

// adaptiveAvgPool2D pools to exactly oh×ow. Output cell i covers input rows
// [floor(i*h/oh), ceil((i+1)*h/oh)), and the same for columns, so cells
// overlap when the input is smaller than the output.
func adaptiveAvgPool2D(x *graph.Node, oh, ow int) (*graph.Node, error) {
	if err := checkNCHW(x, "adaptive avg pool"); err != nil {
		return nil, err
	}
	h, w := dim(x, 2), dim(x, 3)
	if h == oh && w == ow {
		return x, nil
	}
	rows := make([]*graph.Node, oh)
	for i := range rows {
		r0, r1 := i*h/oh, ceilDiv((i+1)*h, oh)
		cols := make([]*graph.Node, ow)
		for j := range cols {
			c0, c1 := j*w/ow, ceilDiv((j+1)*w, ow)
			cell := graph.Slice(x, graph.AxisRange(), graph.AxisRange(), graph.AxisRange(r0, r1), graph.AxisRange(c0, c1))
			cols[j] = graph.ReduceAndKeep(cell, graph.ReduceMean, 2, 3)
		}
		rows[i] = graph.Concatenate(cols, 3)
	}
	return graph.Concatenate(rows, 2), nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// globalAvgPool2D averages every channel map: [batch, channels].
func globalAvgPool2D(x *graph.Node) (*graph.Node, error) {
	if err := checkNCHW(x, "global avg pool"); err != nil {
		return nil, err
	}
	return graph.ReduceMean(x, 2, 3), nil
}

// scaleChannels multiplies channel c of every NCHW map by gates[batch, c].
func scaleChannels(x, gates *graph.Node) *graph.Node {
	return graph.Mul(x, graph.Reshape(gates, dim(x, 0), dim(x, 1), 1, 1))
}

// repeat tiles x n times along a new leading axis of size n, replacing an
// existing leading axis of size 1.
func repeat(x *graph.Node, n int) *graph.Node {
	d := x.Shape().Dimensions
	out := append([]int{n}, d[1:]...)
	return graph.BroadcastToDims(x, out...)
}
