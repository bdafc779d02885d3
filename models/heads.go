package models

import (
	"github.com/Noofbiz/fewshot/netbuild"
	"github.com/Noofbiz/fewshot/tensor"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const comparatorPoolDim = 5

// Comparator scores how well a target set matches a support set.
//
// Both sets are NCHW feature maps. Each is pooled to 5×5 and embedded per item
// by a RelationalBlock without coordinates, then the items of each set are
// summarized by a second RelationalBlock. The summaries s and t are combined
// as [s, t, |s|-|t|, s*t, sum(s*t), sum(|s|-|t|)] and passed through Layers
// linear layers of width Features to a single score of shape [1].
type Comparator struct {
	Layers   int
	Features int
}

// Trace takes in[0] as the support set and in[1] as the target set.
func (c Comparator) Trace(t netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
	if len(in) != 2 {
		return nil, errors.Wrapf(netbuild.ErrInputs, "comparator takes support and target sets, got %d inputs", len(in))
	}
	if c.Layers < 0 || (c.Layers > 0 && c.Features <= 0) {
		return nil, errors.Wrapf(ErrConfig, "comparator: layers=%d features=%d", c.Layers, c.Features)
	}
	s, err := c.summarize(t, in[0], netbuild.RoleSupportSet, netbuild.RoleSupportItems)
	if err != nil {
		return nil, errors.Wrap(err, "support set")
	}
	q, err := c.summarize(t, in[1], netbuild.RoleTargetSet, netbuild.RoleTargetItems)
	if err != nil {
		return nil, errors.Wrap(err, "target set")
	}
	diff := graph.Sub(graph.Abs(s), graph.Abs(q))
	mult := graph.Mul(s, q)
	out := graph.Concatenate([]*graph.Node{
		s, q, diff, mult,
		graph.Reshape(graph.ReduceAllSum(mult), 1, 1),
		graph.Reshape(graph.ReduceAllSum(diff), 1, 1),
	}, 1)
	for i := 0; i < c.Layers; i++ {
		if out, err = t.Layer(netbuild.Indexed(netbuild.RoleProcessing, i), netbuild.Linear{Out: c.Features}, out); err != nil {
			return nil, err
		}
		out = leaky(out)
	}
	if out, err = t.Layer(netbuild.Named(netbuild.RoleOutput), netbuild.Linear{Out: 1}, out); err != nil {
		return nil, err
	}
	return graph.Reshape(out, 1), nil
}

// summarize embeds every item of set and then the set as a whole: [1, hidden].
func (c Comparator) summarize(t netbuild.Tracer, set *graph.Node, batch, item netbuild.Role) (*graph.Node, error) {
	pooled, err := adaptiveAvgPool2D(set, comparatorPoolDim, comparatorPoolDim)
	if err != nil {
		return nil, err
	}
	emb, err := t.Layer(netbuild.Named(batch), RelationalBlock{}, pooled)
	if err != nil {
		return nil, err
	}
	emb = graph.Reshape(emb, 1, dim(emb, 0), dim(emb, 1))
	return t.Layer(netbuild.Named(item), RelationalBlock{}, emb)
}

// Module plans the comparator for the given support and target set shapes.
func (c Comparator) Module(seed int64, support, target tensor.Shape) (*netbuild.Module, error) {
	return netbuild.NewModule(c.Trace, seed, support, target)
}

// Critic scores a learner's state from the information it is conditioned on:
// the target set predictions, the task embedding, or both. At least one must
// be enabled.
type Critic struct {
	Preds         bool
	TaskEmbedding bool
	// PerSample skips the final summation and returns [n, 1].
	PerSample bool
}

const (
	criticDilatedLayers = 5
	criticGrowth        = 8
	criticHidden        = 16
)

// Trace takes the predictions [n, classes] (when Preds is set) followed by the
// task embedding [1, features] (when TaskEmbedding is set).
func (c Critic) Trace(t netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
	want := 0
	if c.Preds {
		want++
	}
	if c.TaskEmbedding {
		want++
	}
	if want == 0 {
		return nil, errors.Wrap(ErrConfig, "critic: no conditional information enabled")
	}
	if len(in) != want {
		return nil, errors.Wrapf(netbuild.ErrInputs, "critic expects %d inputs, got %d", want, len(in))
	}

	var parts []*graph.Node
	n := 1
	if c.Preds {
		preds := in[0]
		if preds.Rank() != 2 {
			return nil, errors.Wrapf(netbuild.ErrShapeMismatch, "critic predictions must be [n classes], got %v", preds.Shape().Dimensions)
		}
		n = dim(preds, 0)
		feats := graph.Concatenate([]*graph.Node{preds, graph.Abs(preds), graph.Square(preds), graph.Sign(preds)}, 1)
		parts = append(parts, graph.Reshape(feats, n, 1, -1))
	}
	if c.TaskEmbedding {
		emb := graph.Reshape(in[len(in)-1], 1, 1, -1)
		parts = append(parts, repeat(emb, n))
	}
	mixed := graph.Concatenate(parts, 2)

	out, err := denseDilated(t, mixed)
	if err != nil {
		return nil, err
	}
	return scoreStack(t, graph.Reshape(out, dim(out, 0), -1), c.PerSample)
}

// Module plans the critic. shapes follow the input order of Trace.
func (c Critic) Module(seed int64, shapes ...tensor.Shape) (*netbuild.Module, error) {
	return netbuild.NewModule(c.Trace, seed, shapes...)
}

// denseDilated runs the critic's densely connected dilated conv1d stack over
// x [n, channels, length].
func denseDilated(t netbuild.Tracer, x *graph.Node) (*graph.Node, error) {
	out := x
	for i := 0; i < criticDilatedLayers; i++ {
		d := 1 << i
		cur, err := t.Layer(netbuild.Indexed(netbuild.RoleDilatedConv, i),
			netbuild.Conv1D{Filters: criticGrowth, Kernel: 3, Dilation: d, Padding: d, Bias: true}, out)
		if err != nil {
			return nil, err
		}
		if cur, err = t.Layer(netbuild.Indexed(netbuild.RoleNorm, i), netbuild.BatchNorm{}, cur); err != nil {
			return nil, err
		}
		out = graph.Concatenate([]*graph.Node{out, activations.Relu(cur)}, 1)
	}
	return out, nil
}

// scoreStack is the shared two hidden layer head that maps [n, features] to
// one score per row, summed unless perSample is set.
func scoreStack(t netbuild.Tracer, x *graph.Node, perSample bool) (*graph.Node, error) {
	out := x
	var err error
	for i := 0; i < 2; i++ {
		if out, err = t.Layer(netbuild.Indexed(netbuild.RoleLinear, i), netbuild.Linear{Out: criticHidden}, out); err != nil {
			return nil, err
		}
		out = activations.Relu(out)
	}
	if out, err = t.Layer(netbuild.Named(netbuild.RoleLinearPreds), netbuild.Linear{Out: 1}, out); err != nil {
		return nil, err
	}
	if perSample {
		return out, nil
	}
	return graph.Reshape(graph.ReduceAllSum(out), 1), nil
}

// SupportSetLoss is a learned loss over a support set. It compares the
// learner's logits with the support labels through a RelationalBlock over the
// per-sample error features [logits, one-hot, |d|, d², sign(d), cross-entropy]
// where d is logits minus one-hot, and optionally mixes in a RelationalBlock
// over the support features and the task embedding.
type SupportSetLoss struct {
	Features      bool
	TaskEmbedding bool
	// PerSample skips the final summation and returns [n, 1].
	PerSample bool
}

// Trace takes logits [n, classes], labels [n] holding class indices, then
// optionally support features (NCHW or [n, members, features]) and the task
// embedding [1, features], in that order.
func (l SupportSetLoss) Trace(t netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
	want := 2
	if l.Features {
		want++
	}
	if l.TaskEmbedding {
		want++
	}
	if len(in) != want {
		return nil, errors.Wrapf(netbuild.ErrInputs, "support set loss expects %d inputs, got %d", want, len(in))
	}
	logits, labels := in[0], in[1]
	errs, err := errorFeatures(logits, labels)
	if err != nil {
		return nil, err
	}
	n := dim(logits, 0)
	// each error feature is one member of the sample's group
	errs = graph.Reshape(errs, n, -1, 1)
	pred, err := t.Layer(netbuild.Named(netbuild.RolePredictions), RelationalBlock{UseCoordinates: true}, errs)
	if err != nil {
		return nil, err
	}
	parts := []*graph.Node{pred}
	next := 2
	if l.Features {
		feats, err := t.Layer(netbuild.Named(netbuild.RoleFeatures), RelationalBlock{UseCoordinates: true}, in[next])
		if err != nil {
			return nil, err
		}
		parts = append(parts, feats)
		next++
	}
	if l.TaskEmbedding {
		parts = append(parts, repeat(graph.Reshape(in[next], 1, -1), n))
	}
	return scoreStack(t, graph.Concatenate(parts, 1), l.PerSample)
}

// Module plans the loss. shapes follow the input order of Trace. Labels are
// checked on every run to be class indices of the logits.
func (l SupportSetLoss) Module(seed int64, shapes ...tensor.Shape) (*netbuild.Module, error) {
	m, err := netbuild.NewModule(l.Trace, seed, shapes...)
	if err != nil {
		return nil, err
	}
	return m.Validate(checkLabels), nil
}

// checkLabels rejects labels that are not integral class indices of the
// logits in inputs[0].
func checkLabels(inputs []*tensor.Tensor) error {
	k := inputs[0].Dim(-1)
	for i, v := range inputs[1].Data() {
		c := int(v)
		if float32(c) != v || c < 0 || c >= k {
			return errors.Errorf("label %v of sample %d outside [0,%d)", v, i, k)
		}
	}
	return nil
}

// errorFeatures builds [n, 5*classes+1] per-sample error features.
func errorFeatures(logits, labels *graph.Node) (*graph.Node, error) {
	if logits.Rank() != 2 || labels.Shape().Size() != dim(logits, 0) {
		return nil, errors.Wrapf(netbuild.ErrShapeMismatch, "logits %v with labels %v", logits.Shape().Dimensions, labels.Shape().Dimensions)
	}
	n, k := dim(logits, 0), dim(logits, 1)
	idx := graph.ConvertDType(graph.Reshape(labels, n), dtypes.Int32)
	onehot := graph.OneHot(idx, k, logits.DType())
	d := graph.Sub(logits, onehot)
	return graph.Concatenate([]*graph.Node{
		logits, onehot, graph.Abs(d), graph.Square(d), graph.Sign(d), crossEntropy(logits, onehot),
	}, 1), nil
}

// crossEntropy is -log softmax(logits)[target] per row: [n, 1].
func crossEntropy(logits, onehot *graph.Node) *graph.Node {
	return graph.Neg(graph.ReduceAndKeep(graph.Mul(onehot, graph.LogSoftmax(logits, 1)), graph.ReduceSum, 1))
}
