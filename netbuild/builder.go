// Package netbuild implements the two-phase construction protocol shared by
// every network in this module.
//
// A network is written once, as a TraceFunc against the Tracer interface, and
// runs as a gomlx graph on the in-process simplego backend. Plan traces that
// function over zero-filled placeholders: every call to Tracer.Layer opens a
// context scope named after its Key, lets the Spec create its variables for
// the actual traced shape, and records the key with its input and output
// shapes. The result is a frozen Topology that owns the variables. Execute
// traces the same function again with the context in reuse mode and a Runner
// that only replays registered keys, in registration order. A run-phase trace
// that asks for a layer or variable the plan never created fails with
// ErrTopologyDrift.
//
//	topo, err := netbuild.Plan(trace, seed, tensor.Shape{8, 3, 28, 28})
//	out, err := netbuild.Execute(topo, trace, netbuild.RunOptions{}, images)
package netbuild

import (
	"strings"
	"sync"

	"github.com/Noofbiz/fewshot/tensor"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrTopologyDrift is returned when the run phase visits layers in a
	// different order, or a different number of layers, than the build phase,
	// or when a layer asks for a variable the build phase did not create.
	ErrTopologyDrift = errors.New("netbuild: topology drift between build and run")
	// ErrShapeMismatch is returned when a layer receives an input whose
	// feature shape differs from the one it was built for.
	ErrShapeMismatch = errors.New("netbuild: input shape differs from build shape")
	// ErrDuplicateKey is returned when a trace registers the same key twice.
	ErrDuplicateKey = errors.New("netbuild: duplicate layer key")
	// ErrInputs is returned when the number of inputs does not match the plan.
	ErrInputs = errors.New("netbuild: wrong number of inputs")
)

var backend = sync.OnceValues(func() (backends.Backend, error) {
	return simplego.New("")
})

// Backend returns the process-wide backend every network runs on.
func Backend() (backends.Backend, error) {
	b, err := backend()
	if err != nil {
		return nil, errors.Wrap(err, "netbuild: failed to create simplego backend")
	}
	return b, nil
}

// Spec describes a layer declaratively. Apply runs inside the layer's own
// scope: leaf specs create their variables through t.Context(), composite
// specs register nested layers through t.Layer.
type Spec interface {
	Apply(t Tracer, x *graph.Node) (*graph.Node, error)
}

// Tracer is what network code is written against. Layer registers (build
// phase) or replays (run phase) the sublayer stored under key.
type Tracer interface {
	Layer(key Key, spec Spec, x *graph.Node) (*graph.Node, error)
	// Context is scoped to the layer currently being traced.
	Context() *context.Context
	// Training reports whether dropout and batch statistics are active.
	Training() bool
}

// TraceFunc defines a network's topology: which layers are applied to which
// intermediate results, and how results are combined.
type TraceFunc func(t Tracer, inputs []*graph.Node) (*graph.Node, error)

// Sub adapts a single-input TraceFunc to a Spec, so a whole network can be
// registered as one layer of an enclosing trace. Its layers are recorded in
// the Entry's Sub topology.
type Sub TraceFunc

// Apply traces the nested network.
func (s Sub) Apply(t Tracer, x *graph.Node) (*graph.Node, error) {
	return s(t, []*graph.Node{x})
}

// Entry is one registered layer with its frozen shapes.
type Entry struct {
	Key Key
	In  tensor.Shape
	Out tensor.Shape
	// Sub holds the layers a composite spec registered inside this one.
	Sub *Topology
}

// Topology is the frozen result of a build pass. The root topology owns the
// gomlx context holding every variable created while planning.
type Topology struct {
	ctx     *context.Context
	inputs  []tensor.Shape
	output  tensor.Shape
	entries []Entry
}

// Len returns the number of registered layers.
func (t *Topology) Len() int { return len(t.entries) }

// Entries returns a copy of the registry in registration order.
func (t *Topology) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Keys returns the registered keys in registration order.
func (t *Topology) Keys() []Key {
	keys := make([]Key, len(t.entries))
	for i, e := range t.entries {
		keys[i] = e.Key
	}
	return keys
}

// InputShapes returns the placeholder shapes the topology was planned for.
func (t *Topology) InputShapes() []tensor.Shape {
	out := make([]tensor.Shape, len(t.inputs))
	for i, s := range t.inputs {
		out[i] = s.Clone()
	}
	return out
}

// OutputShape returns the shape produced by the build pass.
func (t *Topology) OutputShape() tensor.Shape { return t.output.Clone() }

// Context returns the variables of a planned topology. It is nil for the
// Sub topology of an entry.
func (t *Topology) Context() *context.Context { return t.ctx }

// NumParameters counts the trainable values created while planning.
func (t *Topology) NumParameters() int {
	if t.ctx == nil {
		return 0
	}
	n := 0
	for v := range t.ctx.IterVariables() {
		if v.Trainable {
			n += v.Shape().Size()
		}
	}
	return n
}

// Describe renders one line per layer: key, input shape and output shape.
// Nested layers are listed under their parent with a slash-joined key.
func (t *Topology) Describe() string {
	var b strings.Builder
	describe(&b, "", t.entries)
	if t.ctx != nil {
		b.WriteString(humanize.Comma(int64(t.NumParameters())))
		b.WriteString(" parameters\n")
	}
	return b.String()
}

func describe(b *strings.Builder, prefix string, entries []Entry) {
	for _, e := range entries {
		name := prefix + e.Key.String()
		b.WriteString(name)
		b.WriteString(" ")
		b.WriteString(e.In.String())
		b.WriteString(" -> ")
		b.WriteString(e.Out.String())
		b.WriteString("\n")
		if e.Sub != nil {
			describe(b, name+"/", e.Sub.entries)
		}
	}
}

// scope is the part of a tracer shared by both phases.
type scope struct {
	ctx *context.Context
	g   *graph.Graph
}

func (s scope) Context() *context.Context { return s.ctx }

func (s scope) Training() bool { return s.ctx.IsTraining(s.g) }

func dims(x *graph.Node) tensor.Shape {
	return tensor.Shape(x.Shape().Dimensions).Clone()
}

// Planner is the build-phase Tracer.
type Planner struct {
	scope
	seen    map[Key]struct{}
	entries []Entry
}

func newPlanner(ctx *context.Context, g *graph.Graph) *Planner {
	return &Planner{scope: scope{ctx: ctx, g: g}, seen: make(map[Key]struct{})}
}

// Layer applies spec to x inside key's scope and registers the shapes it
// observed.
func (p *Planner) Layer(key Key, spec Spec, x *graph.Node) (*graph.Node, error) {
	if _, dup := p.seen[key]; dup {
		return nil, errors.Wrapf(ErrDuplicateKey, "%s", key)
	}
	in := dims(x)
	child := newPlanner(p.ctx.In(key.String()), p.g)
	out, err := spec.Apply(child, x)
	if err != nil {
		return nil, errors.Wrapf(err, "tracing %s with input %v", key, in)
	}
	p.seen[key] = struct{}{}
	e := Entry{Key: key, In: in, Out: dims(out)}
	if len(child.entries) > 0 {
		e.Sub = &Topology{inputs: []tensor.Shape{in}, output: e.Out, entries: child.entries}
	}
	p.entries = append(p.entries, e)
	klog.V(2).Infof("netbuild: %s %v -> %v", key, in, e.Out)
	return out, nil
}

// Plan traces fn over zero placeholders of the given shapes, creating and
// initializing every variable, and freezes the resulting registry. seed
// drives weight initialization.
func Plan(fn TraceFunc, seed int64, shapes ...tensor.Shape) (*Topology, error) {
	if len(shapes) == 0 {
		return nil, errors.Wrap(ErrInputs, "plan needs at least one input shape")
	}
	b, err := Backend()
	if err != nil {
		return nil, err
	}
	ctx := context.New()
	ctx.RngStateFromSeed(seed)
	var (
		p   *Planner
		out tensor.Shape
	)
	exec, err := context.NewExec(b, ctx, func(ctx *context.Context, in []*graph.Node) *graph.Node {
		g := in[0].Graph()
		ctx.SetTraining(g, false)
		p = newPlanner(ctx, g)
		y, err := fn(p, in)
		if err != nil {
			panic(err)
		}
		out = dims(y)
		return y
	})
	if err != nil {
		return nil, errors.Wrap(err, "netbuild: creating plan executor")
	}
	defer exec.Finalize()

	frozen := make([]tensor.Shape, len(shapes))
	inputs := make([]*tensor.Tensor, len(shapes))
	for i, s := range shapes {
		frozen[i] = s.Clone()
		inputs[i] = tensor.Zeros(s...)
	}
	if _, err := call(exec, inputs); err != nil {
		return nil, err
	}
	klog.V(1).Infof("netbuild: planned %d layers, output %v", len(p.entries), out)
	return &Topology{ctx: ctx, inputs: frozen, output: out, entries: p.entries}, nil
}

// RunOptions controls the run phase.
type RunOptions struct {
	// Training enables dropout and batch statistics. Dropout masks are drawn
	// from the topology's random state, which advances on every training run.
	Training bool
}

// Runner is the run-phase Tracer. It can only replay registered layers.
type Runner struct {
	scope
	entries []Entry
	next    int
}

// Layer applies spec to x after checking key order and feature shape. The
// scope is in reuse mode, so a variable missing from the plan surfaces as
// ErrTopologyDrift.
func (r *Runner) Layer(key Key, spec Spec, x *graph.Node) (out *graph.Node, err error) {
	if r.next >= len(r.entries) {
		return nil, errors.Wrapf(ErrTopologyDrift, "layer %s requested after all %d registered layers", key, len(r.entries))
	}
	e := r.entries[r.next]
	if e.Key != key {
		return nil, errors.Wrapf(ErrTopologyDrift, "position %d: registered %s, requested %s", r.next, e.Key, key)
	}
	if in := dims(x); !in.FeatureEqual(e.In) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s built for %v, got %v", key, e.In, in)
	}
	r.next++
	child := &Runner{scope: scope{ctx: r.ctx.In(key.String()), g: r.g}}
	if e.Sub != nil {
		child.entries = e.Sub.entries
	}
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, errors.Wrapf(ErrTopologyDrift, "%s: %v", key, rec)
		}
	}()
	if out, err = spec.Apply(child, x); err != nil {
		return nil, errors.Wrapf(err, "running %s", key)
	}
	if err = child.done(); err != nil {
		return nil, errors.Wrapf(err, "inside %s", key)
	}
	return out, nil
}

func (r *Runner) done() error {
	if r.next != len(r.entries) {
		return errors.Wrapf(ErrTopologyDrift, "run visited %d of %d registered layers", r.next, len(r.entries))
	}
	return nil
}

// compile returns an executor that replays fn against topo's variables.
func (t *Topology) compile(fn TraceFunc, training bool) (*context.Exec, error) {
	b, err := Backend()
	if err != nil {
		return nil, err
	}
	exec, err := context.NewExec(b, t.ctx.Reuse(), func(ctx *context.Context, in []*graph.Node) *graph.Node {
		g := in[0].Graph()
		ctx.SetTraining(g, training)
		r := &Runner{scope: scope{ctx: ctx, g: g}, entries: t.entries}
		y, err := fn(r, in)
		if err == nil {
			err = r.done()
		}
		if err != nil {
			panic(err)
		}
		return y
	})
	if err != nil {
		return nil, errors.Wrap(err, "netbuild: creating run executor")
	}
	return exec, nil
}

// check validates inputs against the planned shapes; only the leading batch
// axis may differ.
func (t *Topology) check(inputs []*tensor.Tensor) error {
	if len(inputs) != len(t.inputs) {
		return errors.Wrapf(ErrInputs, "planned %d, got %d", len(t.inputs), len(inputs))
	}
	for i, x := range inputs {
		if !x.Shape().FeatureEqual(t.inputs[i]) {
			return errors.Wrapf(ErrShapeMismatch, "input %d planned as %v, got %v", i, t.inputs[i], x.Shape())
		}
	}
	return nil
}

// call moves inputs to the backend, runs exec and copies the single output
// back to host memory.
func call(exec *context.Exec, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	args := make([]any, len(inputs))
	for i, x := range inputs {
		g := x.ToGomlx()
		defer g.FinalizeAll()
		args[i] = g
	}
	results, err := exec.Exec(args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range results {
			r.FinalizeAll()
		}
	}()
	return tensor.FromGomlx(results[0])
}

// Execute replays fn against real inputs using topo's registry and variables.
func Execute(topo *Topology, fn TraceFunc, opts RunOptions, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if err := topo.check(inputs); err != nil {
		return nil, err
	}
	exec, err := topo.compile(fn, opts.Training)
	if err != nil {
		return nil, err
	}
	defer exec.Finalize()
	return call(exec, inputs)
}

// Module pairs a trace with its frozen topology and keeps one compiled
// executor per training mode. Run is safe for concurrent inference; training
// runs update batch statistics and should not overlap.
type Module struct {
	topo     *Topology
	trace    TraceFunc
	validate func(inputs []*tensor.Tensor) error

	mu    sync.Mutex
	execs [2]*context.Exec
}

// NewModule plans trace for the given input shapes.
func NewModule(trace TraceFunc, seed int64, shapes ...tensor.Shape) (*Module, error) {
	topo, err := Plan(trace, seed, shapes...)
	if err != nil {
		return nil, err
	}
	return &Module{topo: topo, trace: trace}, nil
}

// Topology returns the module's frozen registry.
func (m *Module) Topology() *Topology { return m.topo }

// Validate installs a host-side check run on every input set before the graph
// executes, for constraints a graph cannot report such as index ranges. It
// must be called before the first Run.
func (m *Module) Validate(fn func(inputs []*tensor.Tensor) error) *Module {
	m.validate = fn
	return m
}

func (m *Module) executor(training bool) (*context.Exec, error) {
	i := 0
	if training {
		i = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.execs[i] == nil {
		exec, err := m.topo.compile(m.trace, training)
		if err != nil {
			return nil, err
		}
		m.execs[i] = exec
	}
	return m.execs[i], nil
}

// Run executes the module over real inputs.
func (m *Module) Run(opts RunOptions, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.topo.check(inputs); err != nil {
		return nil, err
	}
	if m.validate != nil {
		if err := m.validate(inputs); err != nil {
			return nil, err
		}
	}
	exec, err := m.executor(opts.Training)
	if err != nil {
		return nil, err
	}
	return call(exec, inputs)
}

// Forward runs a single-input module in inference mode.
func (m *Module) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return m.Run(RunOptions{}, x)
}
