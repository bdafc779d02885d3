package models

import (
	"errors"
	"math"
	"testing"

	"github.com/Noofbiz/fewshot/netbuild"
	"github.com/Noofbiz/fewshot/tensor"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

func ramp(dims ...int) *tensor.Tensor {
	t := tensor.Zeros(dims...)
	d := t.Data()
	for i := range d {
		d[i] = float32(i%17) / 17
	}
	return t
}

func TestConvBlockNestsItsLayers(t *testing.T) {
	m, err := netbuild.NewModule(func(tr netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
		return tr.Layer(netbuild.Named(netbuild.RoleStem), ConvBlock{Filters: 4, Kernel: 3, Padding: 1}, in[0])
	}, 1, tensor.Shape{2, 3, 6, 6})
	if err != nil {
		t.Fatalf("NewModule error: %v", err)
	}
	inner := m.Topology().Entries()[0].Sub
	if inner == nil {
		t.Fatalf("conv block registered no nested layers")
	}
	keys := inner.Keys()
	if len(keys) != 2 || keys[0].String() != "conv" || keys[1].String() != "norm_layer" {
		t.Fatalf("unexpected nested keys %v", keys)
	}

	noNorm, err := netbuild.Plan(ConvBlock{Filters: 2, Kernel: 1, NoNorm: true, OneD: true}.Trace, 1, tensor.Shape{2, 3, 7})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	if noNorm.Len() != 1 || !noNorm.OutputShape().Equal(tensor.Shape{2, 2, 7}) {
		t.Fatalf("unexpected 1d block %d layers, output %v", noNorm.Len(), noNorm.OutputShape())
	}
}

func TestDenseNetShapes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network build in short mode")
	}
	cases := []struct {
		name string
		net  DenseNet
		want tensor.Shape
	}{
		{"adaptive", DenseNet{Filters: 4, Stages: 2, BlocksPerStage: 2}, tensor.Shape{2, 80, 5, 5}},
		{"pooled", DenseNet{Filters: 4, Stages: 1, BlocksPerStage: 1, AveragePoolOutput: true}, tensor.Shape{2, 68}},
		{"reduced", DenseNet{Filters: 4, Stages: 1, BlocksPerStage: 2, ReductionRate: 0.5}, tensor.Shape{2, 36, 5, 5}},
		{"attention", DenseNet{Filters: 4, Stages: 1, BlocksPerStage: 2, ChannelAttention: true, OutputSpatialDim: 3}, tensor.Shape{2, 72, 3, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := tc.net.Module(1, tensor.Shape{2, 3, 12, 12})
			if err != nil {
				t.Fatalf("Module error: %v", err)
			}
			if got := m.Topology().OutputShape(); !got.Equal(tc.want) {
				t.Fatalf("output %v, want %v", got, tc.want)
			}
			out, err := m.Run(netbuild.RunOptions{Training: true}, ramp(2, 3, 12, 12))
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}
			if !out.Shape().Equal(tc.want) {
				t.Fatalf("run output %v, want %v", out.Shape(), tc.want)
			}
		})
	}
}

func TestDenseNetKeysAreStable(t *testing.T) {
	net := DenseNet{Filters: 4, Stages: 2, BlocksPerStage: 1, ChannelAttention: true}
	a, err := net.Module(1, tensor.Shape{1, 1, 8, 8})
	if err != nil {
		t.Fatalf("Module error: %v", err)
	}
	b, err := net.Module(2, tensor.Shape{1, 1, 8, 8})
	if err != nil {
		t.Fatalf("Module error: %v", err)
	}
	if a.Topology().Describe() != b.Topology().Describe() {
		t.Fatalf("topology depends on seed:\n%s\nvs\n%s", a.Topology().Describe(), b.Topology().Describe())
	}
	want := []string{
		"stem_conv",
		"channel_wise_attention_output_fcc_0_0", "conv_bottleneck_0_0", "conv_0_0", "transition_layer_0",
		"channel_wise_attention_output_fcc_1_0", "conv_bottleneck_1_0", "conv_1_0", "transition_layer_1",
	}
	keys := a.Topology().Keys()
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d: %v", len(keys), len(want), keys)
	}
	for i, k := range keys {
		if k.String() != want[i] {
			t.Fatalf("key %d = %s, want %s", i, k, want[i])
		}
	}
}

func TestDenseNetRejectsBadConfig(t *testing.T) {
	if _, err := (DenseNet{Filters: 0, Stages: 1}).Module(1, tensor.Shape{1, 3, 8, 8}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if _, err := (DenseNet{Filters: 2, DropoutRate: 1}).Module(1, tensor.Shape{1, 3, 8, 8}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for dropout 1, got %v", err)
	}
}

func TestDilatedDenseNetKeepsInputShape(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network build in short mode")
	}
	m, err := DilatedDenseNet{Filters: 4, Blocks: 3, PerParamBias: true}.Module(1, tensor.Shape{2, 3, 9, 9})
	if err != nil {
		t.Fatalf("Module error: %v", err)
	}
	if got := m.Topology().OutputShape(); !got.Equal(tensor.Shape{2, 3, 9, 9}) {
		t.Fatalf("unexpected output %v", got)
	}
	// stem + 2 stages of 3 blocks + output conv + bias
	if m.Topology().Len() != 1+6+1+1 {
		t.Fatalf("unexpected layer count %d", m.Topology().Len())
	}

	m1, err := Dilated1DDenseNet{Filters: 2, Blocks: 4}.Module(1, tensor.Shape{2, 5, 16})
	if err != nil {
		t.Fatalf("Module error: %v", err)
	}
	out, err := m1.Run(netbuild.RunOptions{}, ramp(3, 5, 16))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !out.Shape().Equal(tensor.Shape{3, 5, 16}) {
		t.Fatalf("unexpected 1d output %v", out.Shape())
	}
}

func TestRelationalBlockShapes(t *testing.T) {
	topo, err := netbuild.Plan(RelationalBlock{}.Trace, 1, tensor.Shape{3, 4, 6})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	if !topo.OutputShape().Equal(tensor.Shape{3, 64}) {
		t.Fatalf("unexpected output %v", topo.OutputShape())
	}
	// pairs of 6 features, plus the coordinate when enabled
	if in := topo.Entries()[0].In; !in.Equal(tensor.Shape{3 * 4 * 4, 12}) {
		t.Fatalf("unexpected g input %v", in)
	}
	coords, err := netbuild.Plan(RelationalBlock{UseCoordinates: true, Hidden: 8}.Trace, 1, tensor.Shape{2, 3, 5, 5})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	if in := coords.Entries()[0].In; !in.Equal(tensor.Shape{2 * 25 * 25, 8}) {
		t.Fatalf("unexpected g input with coordinates %v", in)
	}
	if !coords.OutputShape().Equal(tensor.Shape{2, 8}) {
		t.Fatalf("unexpected output %v", coords.OutputShape())
	}
}

func TestRelationalBlockSymmetry(t *testing.T) {
	x := ramp(1, 4, 3)
	swapped := x.Clone()
	d, s := x.Data(), swapped.Data()
	// swap members 0 and 2
	copy(s[0:3], d[6:9])
	copy(s[6:9], d[0:3])

	run := func(b RelationalBlock, in *tensor.Tensor) *tensor.Tensor {
		t.Helper()
		m, err := netbuild.NewModule(b.Trace, 9, tensor.Shape{1, 4, 3})
		if err != nil {
			t.Fatalf("NewModule error: %v", err)
		}
		out, err := m.Run(netbuild.RunOptions{}, in)
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
		return out
	}
	a, b := run(RelationalBlock{}, x), run(RelationalBlock{}, swapped)
	for i := range a.Data() {
		diff := a.Data()[i] - b.Data()[i]
		if diff > 1e-4 || diff < -1e-4 {
			t.Fatalf("block without coordinates should ignore member order: %v vs %v", a.Data()[i], b.Data()[i])
		}
	}
	if run(RelationalBlock{UseCoordinates: true}, x).Equal(run(RelationalBlock{UseCoordinates: true}, swapped)) {
		t.Fatalf("block with coordinates should depend on member order")
	}
}

// runGraph runs fn, which registers no layers, on inputs.
func runGraph(t *testing.T, fn func(in []*graph.Node) *graph.Node, inputs ...*tensor.Tensor) *tensor.Tensor {
	t.Helper()
	shapes := make([]tensor.Shape, len(inputs))
	for i, x := range inputs {
		shapes[i] = x.Shape()
	}
	m, err := netbuild.NewModule(func(_ netbuild.Tracer, in []*graph.Node) (*graph.Node, error) {
		return fn(in), nil
	}, 1, shapes...)
	if err != nil {
		t.Fatalf("NewModule error: %v", err)
	}
	out, err := m.Run(netbuild.RunOptions{}, inputs...)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	return out
}

func TestPairsLayout(t *testing.T) {
	x, _ := tensor.New(tensor.Shape{1, 2, 1}, []float32{10, 20})
	p := runGraph(t, func(in []*graph.Node) *graph.Node { return pairs(in[0]) }, x)
	if !p.Shape().Equal(tensor.Shape{4, 2}) {
		t.Fatalf("unexpected pairs shape %v", p.Shape())
	}
	want := []float32{10, 10, 20, 10, 10, 20, 20, 20}
	for i, v := range want {
		if p.Data()[i] != v {
			t.Fatalf("pairs = %v, want %v", p.Data(), want)
		}
	}
}

func TestAdaptivePoolOverlapsSmallInputs(t *testing.T) {
	x, _ := tensor.New(tensor.Shape{1, 1, 2, 2}, []float32{1, 2, 3, 4})
	out := runGraph(t, func(in []*graph.Node) *graph.Node {
		p, err := adaptiveAvgPool2D(in[0], 3, 3)
		if err != nil {
			panic(err)
		}
		return p
	}, x)
	want := []float32{1, 1.5, 2, 2, 2.5, 3, 3, 3.5, 4}
	for i, v := range want {
		if d := out.Data()[i] - v; d > 1e-6 || d < -1e-6 {
			t.Fatalf("adaptive pool = %v, want %v", out.Data(), want)
		}
	}
}

func TestTaskRelationalNetwork(t *testing.T) {
	m, err := TaskRelationalNetwork{Hidden: 16}.Module(1, tensor.Shape{5, 2, 8})
	if err != nil {
		t.Fatalf("Module error: %v", err)
	}
	out, err := m.Run(netbuild.RunOptions{}, ramp(5, 2, 8))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !out.Shape().Equal(tensor.Shape{1, 16}) {
		t.Fatalf("unexpected embedding shape %v", out.Shape())
	}
}

func TestComparator(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network build in short mode")
	}
	c := Comparator{Layers: 2, Features: 8}
	m, err := c.Module(1, tensor.Shape{3, 4, 6, 6}, tensor.Shape{2, 4, 6, 6})
	if err != nil {
		t.Fatalf("Module error: %v", err)
	}
	if got := m.Topology().Entries()[4].In; !got.Equal(tensor.Shape{1, 4*64 + 2}) {
		t.Fatalf("unexpected combined feature shape %v", got)
	}
	out, err := m.Run(netbuild.RunOptions{}, ramp(3, 4, 6, 6), ramp(2, 4, 6, 6))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !out.Shape().Equal(tensor.Shape{1}) {
		t.Fatalf("unexpected score shape %v", out.Shape())
	}
	if _, err := m.Run(netbuild.RunOptions{}, ramp(3, 4, 6, 6)); !errors.Is(err, netbuild.ErrInputs) {
		t.Fatalf("expected ErrInputs, got %v", err)
	}
}

func TestCritic(t *testing.T) {
	both := Critic{Preds: true, TaskEmbedding: true}
	m, err := both.Module(1, tensor.Shape{6, 5}, tensor.Shape{1, 16})
	if err != nil {
		t.Fatalf("Module error: %v", err)
	}
	// 5 dilated layers and 5 norms, then linear_0, linear_1, linear_preds
	if m.Topology().Len() != 13 {
		t.Fatalf("unexpected layer count %d", m.Topology().Len())
	}
	first := m.Topology().Entries()[0]
	if !first.In.Equal(tensor.Shape{6, 1, 4*5 + 16}) {
		t.Fatalf("unexpected mixed features %v", first.In)
	}
	out, err := m.Run(netbuild.RunOptions{}, ramp(6, 5), ramp(1, 16))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !out.Shape().Equal(tensor.Shape{1}) {
		t.Fatalf("unexpected score shape %v", out.Shape())
	}

	per, err := Critic{TaskEmbedding: true, PerSample: true}.Module(1, tensor.Shape{1, 16})
	if err != nil {
		t.Fatalf("Module error: %v", err)
	}
	if !per.Topology().OutputShape().Equal(tensor.Shape{1, 1}) {
		t.Fatalf("unexpected per-sample shape %v", per.Topology().OutputShape())
	}
	if _, err := (Critic{}).Module(1, tensor.Shape{1, 16}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestSupportSetLoss(t *testing.T) {
	labels, _ := tensor.New(tensor.Shape{4}, []float32{0, 1, 2, 1})
	l := SupportSetLoss{TaskEmbedding: true}
	m, err := l.Module(1, tensor.Shape{4, 3}, tensor.Shape{4}, tensor.Shape{1, 10})
	if err != nil {
		t.Fatalf("Module error: %v", err)
	}
	out, err := m.Run(netbuild.RunOptions{}, ramp(4, 3), labels, ramp(1, 10))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !out.Shape().Equal(tensor.Shape{1}) {
		t.Fatalf("unexpected loss shape %v", out.Shape())
	}
	if got := m.Topology().Entries()[1].In; !got.Equal(tensor.Shape{4, 64 + 10}) {
		t.Fatalf("unexpected mixed features %v", got)
	}

	for _, labels := range [][]float32{{0, 1, 3, 1}, {0, -1, 2, 1}, {0, 1.5, 2, 1}} {
		bad, _ := tensor.New(tensor.Shape{4}, labels)
		if _, err := m.Run(netbuild.RunOptions{}, ramp(4, 3), bad, ramp(1, 10)); err == nil {
			t.Fatalf("expected error for labels %v", labels)
		}
	}
}

func TestCrossEntropy(t *testing.T) {
	logits, _ := tensor.New(tensor.Shape{2, 4}, []float32{2, 2, 2, 2, 0, 0, 10, 0})
	labels, _ := tensor.New(tensor.Shape{2}, []float32{1, 2})
	feats := runGraph(t, func(in []*graph.Node) *graph.Node {
		f, err := errorFeatures(in[0], in[1])
		if err != nil {
			panic(err)
		}
		return f
	}, logits, labels)
	if !feats.Shape().Equal(tensor.Shape{2, 5*4 + 1}) {
		t.Fatalf("unexpected error feature shape %v", feats.Shape())
	}
	// uniform logits give log(k)
	if got := feats.At(0, 20); math.Abs(float64(got)-math.Log(4)) > 1e-5 {
		t.Fatalf("crossEntropy = %v, want log 4", got)
	}
	if got := feats.At(1, 20); got > 1e-3 {
		t.Fatalf("confident correct logits give cross entropy %v", got)
	}
	// one-hot block follows the logits
	if feats.At(1, 4+2) != 1 || feats.At(1, 4+1) != 0 {
		t.Fatalf("unexpected one-hot row %v", feats.Data()[21:42])
	}
}
