// Package models holds the network variants used by the few-shot learners.
// Every network is a netbuild trace: it is written once and planned for a
// concrete input shape before it can be run.
package models

import (
	"github.com/Noofbiz/fewshot/netbuild"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// ErrConfig is returned when a network is configured with values it cannot be
// built from.
var ErrConfig = errors.New("models: invalid configuration")

// ConvBlock is a convolution followed by optional batch normalization and a
// leaky ReLU. Registered as a layer, its own layers are keyed "conv" and
// "norm_layer" inside the parent key's scope.
type ConvBlock struct {
	Filters  int
	Kernel   int
	Stride   int
	Padding  int
	Dilation int
	Bias     bool
	// NoNorm disables the batch normalization layer.
	NoNorm bool
	// OneD switches to a 1-d convolution over [batch, channels, length].
	OneD bool
}

// Trace applies the block to in[0].
func (b ConvBlock) Trace(t netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
	var conv netbuild.Spec = netbuild.Conv2D{
		Filters: b.Filters, Kernel: b.Kernel, Stride: b.Stride,
		Padding: b.Padding, Dilation: b.Dilation, Bias: b.Bias,
	}
	if b.OneD {
		conv = netbuild.Conv1D(conv.(netbuild.Conv2D))
	}
	out, err := t.Layer(netbuild.Named(netbuild.RoleConv), conv, in[0])
	if err != nil {
		return nil, err
	}
	if !b.NoNorm {
		if out, err = t.Layer(netbuild.Named(netbuild.RoleNorm), netbuild.BatchNorm{}, out); err != nil {
			return nil, err
		}
	}
	return leaky(out), nil
}

// Apply registers the block's layers under the enclosing key.
func (b ConvBlock) Apply(t netbuild.Tracer, x *graph.Node) (*graph.Node, error) {
	return netbuild.Sub(b.Trace).Apply(t, x)
}
