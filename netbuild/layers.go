package netbuild

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

// Linear is a fully connected layer applied to the last axis. Its variables
// live in the "dense" sub-scope: weights [in, Out] and an optional bias.
type Linear struct {
	Out  int
	Bias bool
}

// Apply sizes the weights from the last axis of x.
func (s Linear) Apply(t Tracer, x *graph.Node) (*graph.Node, error) {
	if x.Rank() == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "linear: scalar input")
	}
	if s.Out <= 0 {
		return nil, errors.Errorf("linear: output features must be positive, got %d", s.Out)
	}
	return layers.Dense(t.Context(), x, s.Bias, s.Out), nil
}

// Conv2D is a convolution over NCHW input. Padding is either 0 or the amount
// that keeps the spatial size at stride 1, (Kernel-1)*Dilation/2. Stride and
// Dilation default to 1 and cannot both exceed it.
type Conv2D struct {
	Filters  int
	Kernel   int
	Stride   int
	Padding  int
	Dilation int
	Bias     bool
}

// Apply creates the kernel for x's channel count.
func (s Conv2D) Apply(t Tracer, x *graph.Node) (*graph.Node, error) {
	if x.Rank() != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "conv2d expects NCHW input, got %v", dims(x))
	}
	return convolve(t, x, s)
}

// Conv1D is Conv2D over [batch, channels, length].
type Conv1D Conv2D

// Apply creates the kernel for x's channel count.
func (s Conv1D) Apply(t Tracer, x *graph.Node) (*graph.Node, error) {
	if x.Rank() != 3 {
		return nil, errors.Wrapf(ErrShapeMismatch, "conv1d expects [batch channels length], got %v", dims(x))
	}
	return convolve(t, x, Conv2D(s))
}

func convolve(t Tracer, x *graph.Node, s Conv2D) (*graph.Node, error) {
	stride, dilation := max(s.Stride, 1), max(s.Dilation, 1)
	if s.Filters <= 0 || s.Kernel <= 0 || s.Padding < 0 {
		return nil, errors.Errorf("conv: filters=%d kernel=%d padding=%d", s.Filters, s.Kernel, s.Padding)
	}
	if stride > 1 && dilation > 1 {
		return nil, errors.Errorf("conv: stride %d and dilation %d cannot be combined", stride, dilation)
	}
	span := (s.Kernel - 1) * dilation
	for _, d := range x.Shape().Dimensions[2:] {
		if d+2*s.Padding-span <= 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "conv: kernel %d dilation %d does not fit input %v", s.Kernel, dilation, dims(x))
		}
	}
	conv := layers.Convolution(t.Context(), x).
		ChannelsAxis(images.ChannelsFirst).
		Filters(s.Filters).
		KernelSize(s.Kernel).
		Strides(stride).
		Dilations(dilation).
		UseBias(s.Bias)
	switch {
	case s.Padding == 0:
		conv.NoPadding()
	case stride == 1 && span%2 == 0 && s.Padding == span/2:
		conv.PadSame()
	default:
		return nil, errors.Errorf("conv: padding %d does not preserve size for kernel %d dilation %d stride %d",
			s.Padding, s.Kernel, dilation, stride)
	}
	return conv.Done(), nil
}

// BatchNorm normalizes over every axis except the channel axis 1. Running
// statistics start at mean 0 and variance 1 and are only updated by training
// runs.
type BatchNorm struct {
	// Eps defaults to the gomlx default when zero.
	Eps float64
}

// Apply creates the scale, offset and running statistics for x's channels.
func (s BatchNorm) Apply(t Tracer, x *graph.Node) (*graph.Node, error) {
	if x.Rank() < 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "batch norm expects a channel axis, got %v", dims(x))
	}
	bn := batchnorm.New(t.Context(), x, 1).UseBackendInference(false)
	if s.Eps > 0 {
		bn.Epsilon(s.Eps)
	}
	return bn.Done(), nil
}

// Bias adds one learnable value per feature element, broadcast over the
// batch axis. It starts at zero.
type Bias struct{}

// Apply creates a bias shaped like x without its batch axis.
func (Bias) Apply(t Tracer, x *graph.Node) (*graph.Node, error) {
	if x.Rank() < 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "bias expects a batch axis, got %v", dims(x))
	}
	v := t.Context().WithInitializer(initializers.Zero).
		VariableWithShape("bias", shapes.Make(x.DType(), x.Shape().Dimensions[1:]...))
	return graph.Add(x, graph.InsertAxes(v.ValueGraph(x.Graph()), 0)), nil
}
