package models

import (
	"github.com/Noofbiz/fewshot/netbuild"
	"github.com/Noofbiz/fewshot/tensor"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

const (
	stemFilters      = 64
	attentionPoolDim = 5
)

// DenseNet is a densely connected convolutional feature extractor over NCHW
// images. Each block appends Filters new channels to its input; each stage
// ends with a 2×2 average pool and a 1×1 transition conv that rescales the
// channel count by ReductionRate.
type DenseNet struct {
	Filters        int
	Stages         int
	BlocksPerStage int
	DropoutRate    float64
	// ReductionRate defaults to 1.
	ReductionRate float64
	// AveragePoolOutput pools the final map to [batch, channels]. Otherwise
	// the map is adaptively pooled to OutputSpatialDim×OutputSpatialDim.
	AveragePoolOutput bool
	// OutputSpatialDim defaults to 5.
	OutputSpatialDim int
	// ChannelAttention gates every block's input channels with a sigmoid
	// linear layer over its pooled features (squeeze-excite).
	ChannelAttention bool
}

func (n DenseNet) withDefaults() (DenseNet, error) {
	if n.ReductionRate == 0 {
		n.ReductionRate = 1
	}
	if n.OutputSpatialDim == 0 {
		n.OutputSpatialDim = 5
	}
	if n.Filters <= 0 || n.Stages < 0 || n.BlocksPerStage < 0 || n.ReductionRate < 0 {
		return n, errors.Wrapf(ErrConfig, "dense net: filters=%d stages=%d blocks=%d reduction=%v",
			n.Filters, n.Stages, n.BlocksPerStage, n.ReductionRate)
	}
	if n.DropoutRate < 0 || n.DropoutRate >= 1 {
		return n, errors.Wrapf(ErrConfig, "dense net: dropout rate %v", n.DropoutRate)
	}
	return n, nil
}

// Trace applies the network to in[0], an NCHW image batch.
func (n DenseNet) Trace(t netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
	n, err := n.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := checkNCHW(in[0], "dense net"); err != nil {
		return nil, err
	}
	out, err := t.Layer(netbuild.Named(netbuild.RoleStem), ConvBlock{Filters: stemFilters, Kernel: 3, Padding: 1}, in[0])
	if err != nil {
		return nil, err
	}
	for i := 0; i < n.Stages; i++ {
		for j := 0; j < n.BlocksPerStage; j++ {
			if n.ChannelAttention {
				if out, err = n.attend(t, i, j, out); err != nil {
					return nil, err
				}
			}
			cur, err := t.Layer(netbuild.At(netbuild.RoleBottleneck, i, j), ConvBlock{Filters: n.Filters, Kernel: 1}, out)
			if err != nil {
				return nil, err
			}
			if cur, err = t.Layer(netbuild.At(netbuild.RoleConv, i, j), ConvBlock{Filters: n.Filters, Kernel: 3, Padding: 1}, cur); err != nil {
				return nil, err
			}
			cur = layers.DropoutStatic(t.Context(), cur, n.DropoutRate)
			out = graph.Concatenate([]*graph.Node{out, cur}, 1)
		}
		if out, err = avgPool2D(out, 2); err != nil {
			return nil, errors.Wrapf(err, "dense net stage %d", i)
		}
		filters := int(float64(dim(out, 1)) * n.ReductionRate)
		if filters <= 0 {
			return nil, errors.Wrapf(ErrConfig, "dense net stage %d: transition to %d channels", i, filters)
		}
		if out, err = t.Layer(netbuild.Indexed(netbuild.RoleTransition, i), ConvBlock{Filters: filters, Kernel: 1}, out); err != nil {
			return nil, err
		}
	}
	if n.AveragePoolOutput {
		return globalAvgPool2D(out)
	}
	return adaptiveAvgPool2D(out, n.OutputSpatialDim, n.OutputSpatialDim)
}

// attend scales every channel of x by a sigmoid gate computed from the
// flattened 5×5 pooled map.
func (n DenseNet) attend(t netbuild.Tracer, i, j int, x *graph.Node) (*graph.Node, error) {
	pooled, err := adaptiveAvgPool2D(x, attentionPoolDim, attentionPoolDim)
	if err != nil {
		return nil, err
	}
	pooled = graph.Reshape(pooled, dim(x, 0), -1)
	gates, err := t.Layer(netbuild.At(netbuild.RoleAttention, i, j), netbuild.Linear{Out: dim(x, 1), Bias: true}, pooled)
	if err != nil {
		return nil, err
	}
	return scaleChannels(x, graph.Sigmoid(gates)), nil
}

// Apply registers the network as one layer of a larger trace, so a DenseNet
// can be used as its feature extractor.
func (n DenseNet) Apply(t netbuild.Tracer, x *graph.Node) (*graph.Node, error) {
	return netbuild.Sub(n.Trace).Apply(t, x)
}

// Module plans the network for images of shape in.
func (n DenseNet) Module(seed int64, in tensor.Shape) (*netbuild.Module, error) {
	return netbuild.NewModule(n.Trace, seed, in)
}

// DilatedDenseNet keeps the input's spatial size: every block is a 3×3 conv
// with dilation 2^j and padding to match, and a final conv maps the stacked
// features back to the input channel count.
type DilatedDenseNet struct {
	Filters int
	// Growth is the number of channels each block appends. Defaults to 8.
	Growth int
	// Stages defaults to 2 and Blocks to 8.
	Stages int
	Blocks int
	// PerParamBias adds a learnable bias per output element.
	PerParamBias bool
}

func (n DilatedDenseNet) withDefaults() (DilatedDenseNet, error) {
	if n.Growth == 0 {
		n.Growth = 8
	}
	if n.Stages == 0 {
		n.Stages = 2
	}
	if n.Blocks == 0 {
		n.Blocks = 8
	}
	if n.Filters <= 0 || n.Growth < 0 || n.Stages < 0 || n.Blocks < 0 {
		return n, errors.Wrapf(ErrConfig, "dilated dense net: filters=%d growth=%d", n.Filters, n.Growth)
	}
	return n, nil
}

// Trace applies the network to in[0], an NCHW image batch.
func (n DilatedDenseNet) Trace(t netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
	n, err := n.withDefaults()
	if err != nil {
		return nil, err
	}
	x := in[0]
	if err := checkNCHW(x, "dilated dense net"); err != nil {
		return nil, err
	}
	out, err := t.Layer(netbuild.Named(netbuild.RoleStem), ConvBlock{Filters: n.Filters, Kernel: 3, Padding: 1}, x)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n.Stages; i++ {
		for j := 0; j < n.Blocks; j++ {
			d := 1 << j
			cur, err := t.Layer(netbuild.At(netbuild.RoleConv, i, j), ConvBlock{Filters: n.Growth, Kernel: 3, Padding: d, Dilation: d}, out)
			if err != nil {
				return nil, err
			}
			out = graph.Concatenate([]*graph.Node{out, cur}, 1)
		}
	}
	out, err = t.Layer(netbuild.Named(netbuild.RoleOutput), netbuild.Conv2D{Filters: dim(x, 1), Kernel: 3, Padding: 1, Bias: true}, out)
	if err != nil {
		return nil, err
	}
	if n.PerParamBias {
		return t.Layer(netbuild.Named(netbuild.RoleBias), netbuild.Bias{}, out)
	}
	return out, nil
}

// Module plans the network for images of shape in.
func (n DilatedDenseNet) Module(seed int64, in tensor.Shape) (*netbuild.Module, error) {
	return netbuild.NewModule(n.Trace, seed, in)
}

// Dilated1DDenseNet is the single-stage 1-d variant of DilatedDenseNet over
// [batch, channels, length] sequences. Each block appends Filters channels.
type Dilated1DDenseNet struct {
	Filters int
	// Blocks defaults to 11.
	Blocks int
}

// Trace applies the network to in[0].
func (n Dilated1DDenseNet) Trace(t netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
	if n.Blocks == 0 {
		n.Blocks = 11
	}
	if n.Filters <= 0 || n.Blocks < 0 {
		return nil, errors.Wrapf(ErrConfig, "dilated 1d dense net: filters=%d blocks=%d", n.Filters, n.Blocks)
	}
	x := in[0]
	if x.Rank() != 3 {
		return nil, errors.Wrapf(netbuild.ErrShapeMismatch, "dilated 1d dense net expects [batch channels length], got %v", x.Shape().Dimensions)
	}
	out, err := t.Layer(netbuild.Named(netbuild.RoleStem), ConvBlock{Filters: n.Filters, Kernel: 3, Padding: 1, OneD: true}, x)
	if err != nil {
		return nil, err
	}
	for j := 0; j < n.Blocks; j++ {
		d := 1 << j
		cur, err := t.Layer(netbuild.At(netbuild.RoleConv, 0, j), ConvBlock{Filters: n.Filters, Kernel: 3, Padding: d, Dilation: d, OneD: true}, out)
		if err != nil {
			return nil, err
		}
		out = graph.Concatenate([]*graph.Node{out, cur}, 1)
	}
	return t.Layer(netbuild.Named(netbuild.RoleOutput), netbuild.Conv1D{Filters: dim(x, 1), Kernel: 3, Padding: 1, Bias: true}, out)
}

// Module plans the network for sequences of shape in.
func (n Dilated1DDenseNet) Module(seed int64, in tensor.Shape) (*netbuild.Module, error) {
	return netbuild.NewModule(n.Trace, seed, in)
}
