package datasets

import (
	"fmt"
	"math/rand"

	"github.com/Noofbiz/fewshot/tensor"
)

// SamplerConfig sizes the tasks a Sampler draws.
type SamplerConfig struct {
	ClassesPerSet   int
	SupportPerClass int
	TargetPerClass  int
	// Load reads path-mode samples. Defaults to Pipeline{}.Load, which only
	// converts the decoded image to a tensor.
	Load Loader
}

// PerClass returns support+target.
func (c SamplerConfig) PerClass() int { return c.SupportPerClass + c.TargetPerClass }

// Validate checks the sizes are usable.
func (c SamplerConfig) Validate() error {
	if c.ClassesPerSet <= 0 || c.SupportPerClass <= 0 || c.TargetPerClass < 0 {
		return fmt.Errorf("%w: classes=%d support=%d target=%d", ErrInvalidConfig, c.ClassesPerSet, c.SupportPerClass, c.TargetPerClass)
	}
	return nil
}

// TaskSpec is the outcome of a draw before any sample is loaded.
type TaskSpec struct {
	// SelectedClasses in draw order; position i has episode label i.
	SelectedClasses     []int
	ClassToEpisodeLabel map[int]int
	// SampleIndices[i] lists the drawn sample positions of SelectedClasses[i],
	// support first.
	SampleIndices [][]int
}

// Sampler draws tasks from one ClassStore.
type Sampler struct {
	store ClassStore
	keys  []int
	cfg   SamplerConfig
}

// NewSampler validates store against cfg.
func NewSampler(store ClassStore, cfg SamplerConfig) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := store.Validate(cfg.ClassesPerSet, cfg.PerClass()); err != nil {
		return nil, err
	}
	if cfg.Load == nil {
		cfg.Load = Pipeline{}.Load
	}
	return &Sampler{store: store, keys: store.Keys(), cfg: cfg}, nil
}

// Config returns the sampler's configuration with defaults applied.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Plan draws the classes and sample positions of a task.
//
// The class source, seeded by classSeed, picks ClassesPerSet distinct classes
// from the sorted keys and then shuffles them; the shuffled order assigns the
// episode labels. The sample source, seeded by seed, then picks
// support+target distinct positions per class, class by class.
func (s *Sampler) Plan(seed, classSeed int64) TaskSpec {
	classRng := rand.New(rand.NewSource(classSeed))
	perm := classRng.Perm(len(s.keys))[:s.cfg.ClassesPerSet]
	selected := make([]int, len(perm))
	for i, p := range perm {
		selected[i] = s.keys[p]
	}
	classRng.Shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })

	spec := TaskSpec{
		SelectedClasses:     selected,
		ClassToEpisodeLabel: make(map[int]int, len(selected)),
		SampleIndices:       make([][]int, len(selected)),
	}
	rng := rand.New(rand.NewSource(seed))
	for i, c := range selected {
		spec.ClassToEpisodeLabel[c] = i
		spec.SampleIndices[i] = rng.Perm(len(s.store[c]))[:s.cfg.PerClass()]
	}
	return spec
}

// Sample draws and loads a task. Every sample is reconciled to numChannels
// channels and all samples must then share one shape.
func (s *Sampler) Sample(seed, classSeed int64, numChannels int) (*Task, error) {
	spec := s.Plan(seed, classSeed)
	classes := len(spec.SelectedClasses)
	per := s.cfg.PerClass()

	images := make([]*tensor.Tensor, 0, classes*per)
	for i, c := range spec.SelectedClasses {
		for _, idx := range spec.SampleIndices[i] {
			x, err := s.load(s.store[c][idx])
			if err != nil {
				return nil, fmt.Errorf("class %d sample %d: %w", c, idx, err)
			}
			if x, err = ReconcileChannels(x, numChannels); err != nil {
				return nil, fmt.Errorf("class %d sample %d: %w", c, idx, err)
			}
			images = append(images, x)
		}
	}
	all, err := tensor.Stack(images...)
	if err != nil {
		return nil, fmt.Errorf("stacking task images: %w", err)
	}
	item := all.Shape()[1:]
	dims := append([]int{1, classes, per}, item...)
	if all, err = all.Reshape(dims...); err != nil {
		return nil, err
	}
	return newTask(all, spec, s.cfg.SupportPerClass)
}

func (s *Sampler) load(sample Sample) (*tensor.Tensor, error) {
	if sample.Materialized() {
		return sample.Data.Clone(), nil
	}
	return s.cfg.Load(sample.Path)
}

// ReconcileChannels returns x, a [channels, height, width] tensor, with
// exactly n channels: extra channels are dropped, a single channel is
// replicated, and any other mismatch is an error.
func ReconcileChannels(x *tensor.Tensor, n int) (*tensor.Tensor, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d channels requested", ErrInvalidConfig, n)
	}
	if x.Rank() == 0 {
		return nil, fmt.Errorf("%w: scalar sample", ErrChannelMismatch)
	}
	switch c := x.Dim(0); {
	case c == n:
		return x, nil
	case c > n:
		return x.Narrow(0, 0, n)
	case c == 1:
		return x.Repeat(0, n)
	default:
		return nil, fmt.Errorf("%w: have %d channels, want %d", ErrChannelMismatch, c, n)
	}
}
