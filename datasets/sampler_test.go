package datasets_test

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"

	"github.com/Noofbiz/fewshot/datasets"
	"github.com/Noofbiz/fewshot/tensor"
)

func newEpisodic(t *testing.T, store datasets.ClassStore, cfg datasets.EpisodicConfig) *datasets.Episodic {
	t.Helper()
	e, err := datasets.NewEpisodic(store, cfg)
	if err != nil {
		t.Fatalf("NewEpisodic: %v", err)
	}
	return e
}

func baseConfig() datasets.EpisodicConfig {
	return datasets.EpisodicConfig{
		SamplerConfig: datasets.SamplerConfig{ClassesPerSet: 5, SupportPerClass: 2, TargetPerClass: 3},
		Channels:      3,
		TasksPerEpoch: 10,
		Seed:          42,
	}
}

func TestTaskShapesAndLabels(t *testing.T) {
	store := writeClassTree(t, t.TempDir(), 5, 10)
	e := newEpisodic(t, store, baseConfig())

	task, err := e.TaskAt(e.Start(), 0)
	if err != nil {
		t.Fatalf("TaskAt: %v", err)
	}
	if got, want := task.SupportImages.Shape(), (tensor.Shape{1, 5, 2, 3, 4, 4}); !got.Equal(want) {
		t.Fatalf("support shape %v, want %v", got, want)
	}
	if got, want := task.TargetImages.Shape(), (tensor.Shape{1, 5, 3, 3, 4, 4}); !got.Equal(want) {
		t.Fatalf("target shape %v, want %v", got, want)
	}
	if len(task.SelectedClasses) != 5 {
		t.Fatalf("selected %v, want 5 classes", task.SelectedClasses)
	}

	counts := map[int32]int{}
	for _, v := range task.SupportLabels.Values {
		counts[v]++
	}
	for l := int32(0); l < 5; l++ {
		if counts[l] != 2 {
			t.Errorf("support label %d appears %d times, want 2", l, counts[l])
		}
	}
	counts = map[int32]int{}
	for _, v := range task.TargetLabels.Values {
		counts[v]++
	}
	for l := int32(0); l < 5; l++ {
		if counts[l] != 3 {
			t.Errorf("target label %d appears %d times, want 3", l, counts[l])
		}
	}

	// Every image of episode class i comes from SelectedClasses[i], and no
	// sample of a class is drawn twice.
	for i, c := range task.SelectedClasses {
		seen := map[int]bool{}
		check := func(set string, img *tensor.Tensor, s int, channels []int) {
			t.Helper()
			for _, ch := range channels {
				for y := 0; y < 4; y++ {
					for x := 0; x < 4; x++ {
						gc, gi := sampleOf(img.At(0, i, s, ch, y, x))
						if gc != c {
							t.Fatalf("%s image %d of episode class %d holds class %d, want %d", set, s, i, gc, c)
						}
						if ch == channels[0] && y == 0 && x == 0 {
							if seen[gi] {
								t.Fatalf("sample %d of class %d drawn twice", gi, c)
							}
							seen[gi] = true
						}
					}
				}
			}
		}
		for s := 0; s < 2; s++ {
			if task.SupportLabels.At(0, i, s) != int32(i) {
				t.Errorf("support label at class %d sample %d = %d", i, s, task.SupportLabels.At(0, i, s))
			}
			check("support", task.SupportImages, s, []int{0, 1, 2})
		}
		for s := 0; s < 3; s++ {
			check("target", task.TargetImages, s, []int{0})
		}
	}
}

func TestTaskAtIsDeterministic(t *testing.T) {
	store := writeClassTree(t, t.TempDir(), 6, 8)
	cfg := baseConfig()
	a := newEpisodic(t, store, cfg)
	b := newEpisodic(t, store, cfg)

	for idx := 0; idx < 3; idx++ {
		ta, err := a.TaskAt(a.Start(), idx)
		if err != nil {
			t.Fatalf("TaskAt(%d): %v", idx, err)
		}
		tb, err := b.TaskAt(b.Start(), idx)
		if err != nil {
			t.Fatalf("TaskAt(%d): %v", idx, err)
		}
		if !reflect.DeepEqual(ta.SelectedClasses, tb.SelectedClasses) {
			t.Fatalf("task %d classes differ: %v vs %v", idx, ta.SelectedClasses, tb.SelectedClasses)
		}
		if !ta.SupportImages.Equal(tb.SupportImages) || !ta.TargetImages.Equal(tb.TargetImages) {
			t.Fatalf("task %d images differ", idx)
		}
		sa, _ := a.TaskSpecAt(a.Start(), idx)
		sb, _ := b.TaskSpecAt(b.Start(), idx)
		if !reflect.DeepEqual(sa, sb) {
			t.Fatalf("task %d specs differ", idx)
		}
	}
}

func TestTaskAtIsSafeForConcurrentUse(t *testing.T) {
	paths := writeClassTree(t, t.TempDir(), 6, 8)
	mem, err := (&datasets.Materializer{}).Materialize(context.Background(), paths)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	for name, store := range map[string]datasets.ClassStore{"paths": paths, "memory": mem} {
		t.Run(name, func(t *testing.T) {
			e := newEpisodic(t, store, baseConfig())
			const tasks = 6
			want := make([]*datasets.Task, tasks)
			for idx := range want {
				if want[idx], err = e.TaskAt(e.Start(), idx); err != nil {
					t.Fatalf("TaskAt(%d): %v", idx, err)
				}
			}

			const workers = 8
			got := make([][]*datasets.Task, workers)
			errs := make([]error, workers)
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					got[w] = make([]*datasets.Task, tasks)
					// every worker walks all indices from a different start
					for j := 0; j < tasks; j++ {
						idx := (w + j) % tasks
						task, err := e.TaskAt(e.Start(), idx)
						if err != nil {
							errs[w] = err
							return
						}
						got[w][idx] = task
					}
				}(w)
			}
			wg.Wait()

			for w := 0; w < workers; w++ {
				if errs[w] != nil {
					t.Fatalf("worker %d: %v", w, errs[w])
				}
				for idx, task := range got[w] {
					b := want[idx]
					if !reflect.DeepEqual(task.SelectedClasses, b.SelectedClasses) ||
						!reflect.DeepEqual(task.SupportLabels.Values, b.SupportLabels.Values) ||
						!reflect.DeepEqual(task.TargetLabels.Values, b.TargetLabels.Values) ||
						!task.SupportImages.Equal(b.SupportImages) || !task.TargetImages.Equal(b.TargetImages) {
						t.Fatalf("worker %d task %d differs from the serial run", w, idx)
					}
				}
			}
		})
	}
}

func TestSameClassInterval(t *testing.T) {
	cfg := baseConfig()
	cfg.ClassesPerSet = 3
	cfg.SameClassInterval = 3
	e := newEpisodic(t, fakeStore(10, 10, 10, 10, 10, 10, 10, 10), cfg)
	cur := e.Start()

	first, err := e.TaskSpecAt(cur, 0)
	if err != nil {
		t.Fatalf("TaskSpecAt: %v", err)
	}
	for idx := 1; idx < 3; idx++ {
		spec, err := e.TaskSpecAt(cur, idx)
		if err != nil {
			t.Fatalf("TaskSpecAt(%d): %v", idx, err)
		}
		if !reflect.DeepEqual(spec.SelectedClasses, first.SelectedClasses) {
			t.Errorf("task %d classes %v, want %v", idx, spec.SelectedClasses, first.SelectedClasses)
		}
		if reflect.DeepEqual(spec.SampleIndices, first.SampleIndices) {
			t.Errorf("task %d drew the same samples as task 0", idx)
		}
	}
	fourth, _ := e.TaskSpecAt(cur, 3)
	if want := e.Sampler().Plan(cfg.Seed+3, 1); !reflect.DeepEqual(fourth, want) {
		t.Errorf("task 3 = %+v, want the draw of class seed 1: %+v", fourth, want)
	}
}

func TestPlanLabelsFollowDrawOrder(t *testing.T) {
	s, err := datasets.NewSampler(fakeStore(6, 6, 6, 6, 6, 6, 6), datasets.SamplerConfig{ClassesPerSet: 4, SupportPerClass: 1, TargetPerClass: 2})
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	spec := s.Plan(7, 3)
	seen := map[int]bool{}
	for i, c := range spec.SelectedClasses {
		if seen[c] {
			t.Fatalf("class %d selected twice in %v", c, spec.SelectedClasses)
		}
		seen[c] = true
		if spec.ClassToEpisodeLabel[c] != i {
			t.Errorf("class %d has episode label %d, want %d", c, spec.ClassToEpisodeLabel[c], i)
		}
		if n := len(spec.SampleIndices[i]); n != 3 {
			t.Errorf("class %d drew %d samples, want 3", c, n)
		}
	}
}

func TestAdvanceToAndLen(t *testing.T) {
	cfg := baseConfig()
	cfg.SubtasksPerTask = 2
	cfg.Seed = 5
	e := newEpisodic(t, fakeStore(10, 10, 10, 10, 10), cfg)

	cur := e.Start()
	if n := e.Len(cur); n != 10 {
		t.Fatalf("fresh Len = %d, want 10", n)
	}
	cur = e.AdvanceTo(cur, 3)
	if want := (datasets.Cursor{Seed: 11, Offset: 6}); cur != want {
		t.Fatalf("AdvanceTo(3) = %+v, want %+v", cur, want)
	}
	if n := e.Len(cur); n != 4 {
		t.Fatalf("Len after advance = %d, want 4", n)
	}
	spec, err := e.TaskSpecAt(cur, 1)
	if err != nil {
		t.Fatalf("TaskSpecAt: %v", err)
	}
	if want := e.Sampler().Plan(12, 1); !reflect.DeepEqual(spec, want) {
		t.Fatalf("advanced task uses wrong seeds")
	}
	if _, err := e.TaskAt(cur, 4); !errors.Is(err, datasets.ErrOutOfRange) {
		t.Fatalf("TaskAt past the end: got %v, want ErrOutOfRange", err)
	}
	if _, err := e.TaskSpecAt(cur, -1); !errors.Is(err, datasets.ErrOutOfRange) {
		t.Fatalf("negative index: got %v, want ErrOutOfRange", err)
	}

	// The seed accumulates across advances while the offset is absolute.
	cur = e.AdvanceTo(cur, 1)
	if want := (datasets.Cursor{Seed: 13, Offset: 2}); cur != want {
		t.Fatalf("second AdvanceTo = %+v, want %+v", cur, want)
	}
	if n := e.Len(cur); n != 8 {
		t.Fatalf("Len = %d, want 8", n)
	}
	if n := e.Len(e.AdvanceTo(cur, 0)); n != 10 {
		t.Fatalf("Len after AdvanceTo(0) = %d, want 10", n)
	}
}

func TestReconcileChannels(t *testing.T) {
	tests := []struct {
		name    string
		in      int
		want    int
		wantErr error
	}{
		{name: "same", in: 3, want: 3},
		{name: "replicate gray", in: 1, want: 3},
		{name: "drop extra", in: 5, want: 3},
		{name: "two to three", in: 2, wantErr: datasets.ErrChannelMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := tensor.Zeros(tt.in, 2, 2)
			for c := 0; c < tt.in; c++ {
				x.Set(float32(c+1), c, 0, 0)
			}
			got, err := datasets.ReconcileChannels(x, 3)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReconcileChannels: %v", err)
			}
			if got.Dim(0) != tt.want {
				t.Fatalf("channels = %d, want %d", got.Dim(0), tt.want)
			}
			for c := 0; c < tt.want; c++ {
				want := float32(c + 1)
				if tt.in == 1 {
					want = 1
				}
				if v := got.At(c, 0, 0); v != want {
					t.Errorf("channel %d = %v, want %v", c, v, want)
				}
			}
		})
	}
	if _, err := datasets.ReconcileChannels(tensor.Zeros(1, 2, 2), 0); !errors.Is(err, datasets.ErrInvalidConfig) {
		t.Fatalf("zero channels: got %v, want ErrInvalidConfig", err)
	}
}

func TestSamplerRejectsSmallStores(t *testing.T) {
	cfg := datasets.SamplerConfig{ClassesPerSet: 5, SupportPerClass: 2, TargetPerClass: 3}
	if _, err := datasets.NewSampler(fakeStore(10, 10, 10), cfg); !errors.Is(err, datasets.ErrNotEnoughClasses) {
		t.Fatalf("three classes: got %v, want ErrNotEnoughClasses", err)
	}
	if _, err := datasets.NewSampler(fakeStore(10, 10, 4, 10, 10), cfg); !errors.Is(err, datasets.ErrClassTooSmall) {
		t.Fatalf("class of four: got %v, want ErrClassTooSmall", err)
	}
	bad := cfg
	bad.SupportPerClass = 0
	if _, err := datasets.NewSampler(fakeStore(10, 10, 10, 10, 10), bad); !errors.Is(err, datasets.ErrInvalidConfig) {
		t.Fatalf("zero support: got %v, want ErrInvalidConfig", err)
	}
}

func TestSampleRejectsMixedChannels(t *testing.T) {
	root := t.TempDir()
	store := writeClassTree(t, root, 2, 3)
	// A two channel sample can be neither truncated nor replicated to three.
	store[0][0] = datasets.Sample{Data: tensor.Zeros(2, 4, 4)}
	s, err := datasets.NewSampler(store, datasets.SamplerConfig{ClassesPerSet: 2, SupportPerClass: 3, TargetPerClass: 0})
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	if _, err := s.Sample(1, 1, 3); !errors.Is(err, datasets.ErrChannelMismatch) {
		t.Fatalf("got %v, want ErrChannelMismatch", err)
	}
}

func TestEpisodesYield(t *testing.T) {
	cfg := baseConfig()
	cfg.TasksPerEpoch = 2
	e := newEpisodic(t, writeClassTree(t, t.TempDir(), 5, 5), cfg)
	eps := e.Episodes("train")
	if eps.Name() != "train" || eps.Len() != 2 {
		t.Fatalf("episodes %q of %d, want train of 2", eps.Name(), eps.Len())
	}

	for i := 0; i < 2; i++ {
		spec, inputs, labels, err := eps.Yield()
		if err != nil {
			t.Fatalf("Yield %d: %v", i, err)
		}
		if spec.(int) != i {
			t.Fatalf("spec = %v, want %d", spec, i)
		}
		if len(inputs) != 2 || len(labels) != 3 {
			t.Fatalf("got %d inputs and %d labels, want 2 and 3", len(inputs), len(labels))
		}
		if got := inputs[0].Shape().Dimensions; !reflect.DeepEqual(got, []int{1, 5, 2, 3, 4, 4}) {
			t.Fatalf("support dims %v", got)
		}
		if got := labels[2].Shape().Dimensions; !reflect.DeepEqual(got, []int{5}) {
			t.Fatalf("class dims %v", got)
		}
	}
	if _, _, _, err := eps.Yield(); err != io.EOF {
		t.Fatalf("Yield at end: got %v, want io.EOF", err)
	}
	eps.Reset()
	if _, _, _, err := eps.Yield(); err != nil {
		t.Fatalf("Yield after Reset: %v", err)
	}

	eps.AdvanceTo(1)
	if eps.Len() != 1 || eps.Cursor().Offset != 1 {
		t.Fatalf("after AdvanceTo(1): len %d cursor %+v", eps.Len(), eps.Cursor())
	}
	if _, _, _, err := eps.Yield(); err != nil {
		t.Fatalf("Yield after AdvanceTo: %v", err)
	}
	if _, _, _, err := eps.Yield(); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestEpisodicRejectsBadConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Channels = 0
	if _, err := datasets.NewEpisodic(fakeStore(10, 10, 10, 10, 10), cfg); !errors.Is(err, datasets.ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}
