package models

import (
	"github.com/Noofbiz/fewshot/netbuild"
	"github.com/Noofbiz/fewshot/tensor"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// RelationalBlock aggregates a set of members into one vector per group.
//
// Input is [group, members, features], or an NCHW map which is read as
// [batch, height*width, channels]. Every ordered pair of members within a
// group is concatenated and passed through a shared feed-forward stack g; the
// results are summed over both pair axes and passed through a two layer
// post-processing stack f, giving [group, Hidden].
//
// With UseCoordinates each member first gets its position appended as an
// extra feature, so the block is no longer invariant to member order.
type RelationalBlock struct {
	UseCoordinates bool
	// Hidden is the width of every linear layer. Defaults to 64.
	Hidden int
	// Layers is the depth of g. Defaults to 2.
	Layers int
}

func (b RelationalBlock) withDefaults() RelationalBlock {
	if b.Hidden == 0 {
		b.Hidden = 64
	}
	if b.Layers == 0 {
		b.Layers = 2
	}
	return b
}

// Trace applies the block to in[0].
func (b RelationalBlock) Trace(t netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
	b = b.withDefaults()
	if b.Hidden < 0 || b.Layers < 0 {
		return nil, errors.Wrapf(ErrConfig, "relational block: hidden=%d layers=%d", b.Hidden, b.Layers)
	}
	items, err := asMembers(in[0])
	if err != nil {
		return nil, err
	}
	if b.UseCoordinates {
		items = withCoordinates(items)
	}
	groups, members := dim(items, 0), dim(items, 1)
	out := pairs(items)
	for l := 0; l < b.Layers; l++ {
		if out, err = t.Layer(netbuild.Indexed(netbuild.RoleRelationG, l), netbuild.Linear{Out: b.Hidden, Bias: true}, out); err != nil {
			return nil, err
		}
		out = leaky(out)
	}
	out = graph.ReduceSum(graph.Reshape(out, groups, members*members, -1), 1)
	if out, err = t.Layer(netbuild.Named(netbuild.RoleRelationPost), netbuild.Linear{Out: b.Hidden, Bias: true}, out); err != nil {
		return nil, err
	}
	out = leaky(out)
	if out, err = t.Layer(netbuild.Named(netbuild.RoleRelationOut), netbuild.Linear{Out: b.Hidden, Bias: true}, out); err != nil {
		return nil, err
	}
	return leaky(out), nil
}

// Apply registers the block's layers under the enclosing key.
func (b RelationalBlock) Apply(t netbuild.Tracer, x *graph.Node) (*graph.Node, error) {
	return netbuild.Sub(b.Trace).Apply(t, x)
}

// asMembers returns x as [group, members, features].
func asMembers(x *graph.Node) (*graph.Node, error) {
	switch x.Rank() {
	case 3:
		return x, nil
	case 4:
		flat := graph.Reshape(x, dim(x, 0), dim(x, 1), -1)
		return graph.TransposeAllDims(flat, 0, 2, 1), nil
	default:
		return nil, errors.Wrapf(netbuild.ErrShapeMismatch, "relational block expects [group members features] or NCHW, got %v", x.Shape().Dimensions)
	}
}

// withCoordinates appends each member's index as a trailing feature.
func withCoordinates(x *graph.Node) *graph.Node {
	coords := graph.Iota(x.Graph(), shapes.Make(x.DType(), dim(x, 0), dim(x, 1), 1), 1)
	return graph.Concatenate([]*graph.Node{x, coords}, 2)
}

// pairs lays out every ordered member pair (a, b) of each group as row
// a*m+b holding member b's features followed by member a's:
// [group*m*m, 2*features].
func pairs(x *graph.Node) *graph.Node {
	g, m, f := dim(x, 0), dim(x, 1), dim(x, 2)
	full := []int{g, m, m, f}
	second := graph.BroadcastToDims(graph.InsertAxes(x, 1), full...)
	first := graph.BroadcastToDims(graph.InsertAxes(x, 2), full...)
	return graph.Reshape(graph.Concatenate([]*graph.Node{second, first}, 3), g*m*m, 2*f)
}

// TaskRelationalNetwork summarizes a task from the embeddings of its samples.
// Input is [classes, samples, features]; the samples of every class are laid
// out as the members of one group and passed through a RelationalBlock with
// coordinates, giving a [1, Hidden] task embedding.
type TaskRelationalNetwork struct {
	Hidden int
}

// Trace applies the network to in[0].
func (n TaskRelationalNetwork) Trace(t netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
	x := in[0]
	if x.Rank() != 3 {
		return nil, errors.Wrapf(netbuild.ErrShapeMismatch, "task relational network expects [classes samples features], got %v", x.Shape().Dimensions)
	}
	members := graph.Reshape(x, 1, dim(x, 0)*dim(x, 1), dim(x, 2))
	return t.Layer(netbuild.Named(netbuild.RoleRelational), RelationalBlock{UseCoordinates: true, Hidden: n.Hidden}, members)
}

// Module plans the network for embeddings of shape in.
func (n TaskRelationalNetwork) Module(seed int64, in tensor.Shape) (*netbuild.Module, error) {
	return netbuild.NewModule(n.Trace, seed, in)
}
