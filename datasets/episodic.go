package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// EpisodicConfig configures an epoch of tasks.
type EpisodicConfig struct {
	SamplerConfig

	// Channels every sample is reconciled to.
	Channels int
	// TasksPerEpoch is the epoch length before any advance.
	TasksPerEpoch int
	// SubtasksPerTask is the number of continual subtasks per task; advancing
	// to iteration k skips k*SubtasksPerTask indices. Defaults to 1.
	SubtasksPerTask int
	// SameClassInterval is the number of consecutive indices that share a
	// class draw. Defaults to 1.
	SameClassInterval int
	// Seed is the base sample seed of a fresh epoch.
	Seed int64
	// OverwriteClassesInEachTask is carried for configuration compatibility;
	// sampling does not depend on it.
	OverwriteClassesInEachTask bool
}

func (c EpisodicConfig) withDefaults() EpisodicConfig {
	if c.SubtasksPerTask == 0 {
		c.SubtasksPerTask = 1
	}
	if c.SameClassInterval == 0 {
		c.SameClassInterval = 1
	}
	return c
}

// Validate checks the epoch configuration after defaults.
func (c EpisodicConfig) Validate() error {
	if err := c.SamplerConfig.Validate(); err != nil {
		return err
	}
	if c.Channels <= 0 || c.TasksPerEpoch < 0 || c.SubtasksPerTask <= 0 || c.SameClassInterval <= 0 {
		return fmt.Errorf("%w: channels=%d tasks=%d subtasks=%d interval=%d",
			ErrInvalidConfig, c.Channels, c.TasksPerEpoch, c.SubtasksPerTask, c.SameClassInterval)
	}
	return nil
}

// Cursor is the position of a consumer within the epoch. It is a plain value:
// Episodic never mutates it.
type Cursor struct {
	Seed   int64
	Offset int
}

// Episodic serves the tasks of an epoch by index.
type Episodic struct {
	cfg     EpisodicConfig
	sampler *Sampler
	sizes   map[int]int
	length  int
}

// NewEpisodic validates store against cfg. Every class must hold at least
// support+target samples and the store must hold at least ClassesPerSet
// classes.
func NewEpisodic(store ClassStore, cfg EpisodicConfig) (*Episodic, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := NewSampler(store, cfg.SamplerConfig)
	if err != nil {
		return nil, err
	}
	cfg.SamplerConfig = s.Config()
	e := &Episodic{cfg: cfg, sampler: s, sizes: store.Sizes(), length: store.Len()}
	klog.V(1).Infof("datasets: episodic over %d classes, %d samples, %d tasks per epoch",
		len(e.sizes), e.length, cfg.TasksPerEpoch)
	return e, nil
}

// Config returns the configuration with defaults applied.
func (e *Episodic) Config() EpisodicConfig { return e.cfg }

// Sampler returns the underlying sampler.
func (e *Episodic) Sampler() *Sampler { return e.sampler }

// DataLength returns the total number of samples in the store.
func (e *Episodic) DataLength() int { return e.length }

// ClassSizes returns the number of samples per class.
func (e *Episodic) ClassSizes() map[int]int {
	out := make(map[int]int, len(e.sizes))
	for k, v := range e.sizes {
		out[k] = v
	}
	return out
}

// Start returns the cursor of a fresh epoch.
func (e *Episodic) Start() Cursor { return Cursor{Seed: e.cfg.Seed} }

// AdvanceTo moves cur to iteration k. The seed advances by the skipped
// indices on every call, so repeated advances accumulate; the offset is
// absolute.
func (e *Episodic) AdvanceTo(cur Cursor, k int) Cursor {
	skip := k * e.cfg.SubtasksPerTask
	return Cursor{Seed: cur.Seed + int64(skip), Offset: skip}
}

// Len returns the number of tasks left in the epoch at cur.
func (e *Episodic) Len(cur Cursor) int { return e.cfg.TasksPerEpoch - cur.Offset }

// TaskSpecAt returns the draw of task idx without loading any sample.
func (e *Episodic) TaskSpecAt(cur Cursor, idx int) (TaskSpec, error) {
	if err := e.check(cur, idx); err != nil {
		return TaskSpec{}, err
	}
	seed, classSeed := e.seeds(cur, idx)
	return e.sampler.Plan(seed, classSeed), nil
}

// TaskAt returns task idx. Consecutive blocks of SameClassInterval indices
// share their class draw; every index draws its own samples.
func (e *Episodic) TaskAt(cur Cursor, idx int) (*Task, error) {
	if err := e.check(cur, idx); err != nil {
		return nil, err
	}
	seed, classSeed := e.seeds(cur, idx)
	t, err := e.sampler.Sample(seed, classSeed, e.cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", idx, err)
	}
	return t, nil
}

func (e *Episodic) seeds(cur Cursor, idx int) (seed, classSeed int64) {
	return cur.Seed + int64(idx), int64(idx / e.cfg.SameClassInterval)
}

func (e *Episodic) check(cur Cursor, idx int) error {
	if n := e.Len(cur); idx < 0 || idx >= n {
		return fmt.Errorf("%w: task %d of %d", ErrOutOfRange, idx, n)
	}
	return nil
}

// Episodes exposes an Episodic as an indexable sequence holding its own
// cursor. AdvanceTo must not run concurrently with ItemAt or Yield.
type Episodes struct {
	ds   *Episodic
	cur  Cursor
	next int
	name string
}

// Episodes returns a sequence positioned at the start of the epoch.
func (e *Episodic) Episodes(name string) *Episodes {
	return &Episodes{ds: e, cur: e.Start(), name: name}
}

// Len returns the number of tasks left in the epoch.
func (s *Episodes) Len() int { return s.ds.Len(s.cur) }

// ItemAt returns task i.
func (s *Episodes) ItemAt(i int) (*Task, error) { return s.ds.TaskAt(s.cur, i) }

// AdvanceTo moves the sequence to iteration k and rewinds Yield.
func (s *Episodes) AdvanceTo(k int) {
	s.cur = s.ds.AdvanceTo(s.cur, k)
	s.next = 0
}

// Cursor returns the sequence's current cursor.
func (s *Episodes) Cursor() Cursor { return s.cur }

// Name returns the name of the dataset
func (s *Episodes) Name() string { return s.name }

// Reset rewinds Yield to the first task. The cursor is kept.
func (s *Episodes) Reset() { s.next = 0 }

// Yield returns the next task for the gomlx Dataset interface, or io.EOF at
// the end of the epoch. spec is the task index.
func (s *Episodes) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if s.next >= s.Len() {
		return nil, nil, nil, io.EOF
	}
	idx := s.next
	t, err := s.ItemAt(idx)
	if err != nil {
		return nil, nil, nil, err
	}
	s.next++
	inputs, labels = t.ToGomlxTensors()
	return idx, inputs, labels, nil
}
