// Package knn scores a few-shot task with a k-nearest-neighbour vote: every
// target sample takes the majority episode label of its K closest support
// samples in feature space.
package knn

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/Noofbiz/fewshot/datasets"
	"github.com/Noofbiz/fewshot/tensor"
	"gonum.org/v1/gonum/blas/blas32"
)

// ErrEmptyTask is returned for tasks without support or target samples.
var ErrEmptyTask = errors.New("knn: task has no samples")

// Features maps a batch [n, channels, height, width] to [n, ...] features.
type Features func(x *tensor.Tensor) (*tensor.Tensor, error)

// Probe classifies target samples by their nearest support samples.
type Probe struct {
	K int
	// Workers bounds the number of targets scored concurrently. Defaults to
	// runtime.NumCPU().
	Workers int
	// Features defaults to the raw pixels.
	Features Features
}

// NewProbe creates a new Probe. k must be >= 1.
func NewProbe(k int, features Features) (*Probe, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	return &Probe{K: k, Features: features}, nil
}

// Result holds the predicted episode label of every target sample, class
// major, next to the true one.
type Result struct {
	Predicted []int
	Actual    []int
}

// Correct returns the number of right predictions.
func (r Result) Correct() int {
	n := 0
	for i, p := range r.Predicted {
		if p == r.Actual[i] {
			n++
		}
	}
	return n
}

// Accuracy returns the fraction of right predictions.
func (r Result) Accuracy() float64 {
	if len(r.Predicted) == 0 {
		return 0
	}
	return float64(r.Correct()) / float64(len(r.Predicted))
}

// neighbor holds a support candidate.
type neighbor struct {
	idx      int
	distance float32
	label    int
}

// Evaluate scores task.
func (p *Probe) Evaluate(task *datasets.Task) (Result, error) {
	support, err := p.embed(task.SupportImages)
	if err != nil {
		return Result{}, fmt.Errorf("support features: %w", err)
	}
	target, err := p.embed(task.TargetImages)
	if err != nil {
		return Result{}, fmt.Errorf("target features: %w", err)
	}
	if support.Dim(1) != target.Dim(1) {
		return Result{}, fmt.Errorf("%w: support features %v, target features %v", tensor.ErrShape, support.Shape(), target.Shape())
	}
	supportLabels := task.SupportLabels.Values
	res := Result{
		Predicted: make([]int, target.Dim(0)),
		Actual:    make([]int, target.Dim(0)),
	}
	for i, l := range task.TargetLabels.Values {
		res.Actual[i] = int(l)
	}

	n := target.Dim(0)
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	jobs := make(chan int, n)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				nbs := p.nearest(support, supportLabels, row(target, i))
				res.Predicted[i] = vote(nbs)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return res, nil
}

// embed flattens a [1, classes, samples, ...] image tensor to a batch and
// returns its features as [n, f].
func (p *Probe) embed(images *tensor.Tensor) (*tensor.Tensor, error) {
	s := images.Shape()
	if len(s) < 3 || s[1]*s[2] == 0 {
		return nil, fmt.Errorf("%w: images %v", ErrEmptyTask, s)
	}
	batch, err := images.Reshape(append([]int{s[1] * s[2]}, s[3:]...)...)
	if err != nil {
		return nil, err
	}
	if p.Features != nil {
		if batch, err = p.Features(batch); err != nil {
			return nil, err
		}
	}
	return batch.Reshape(batch.Dim(0), -1)
}

func row(x *tensor.Tensor, i int) []float32 {
	f := x.Dim(1)
	return x.Data()[i*f : (i+1)*f]
}

// nearest performs a linear scan over the support features and returns up to
// K neighbors sorted by increasing distance.
func (p *Probe) nearest(support *tensor.Tensor, labels []int32, query []float32) []neighbor {
	n := support.Dim(0)
	candidates := make([]neighbor, n)
	scratch := make([]float32, len(query))
	for i := 0; i < n; i++ {
		candidates[i] = neighbor{idx: i, distance: distance(query, row(support, i), scratch), label: int(labels[i])}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})
	k := p.K
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

// vote returns the most frequent label; ties go to the label whose closest
// member comes first.
func vote(nbs []neighbor) int {
	counts := map[int]int{}
	best, bestCount := -1, 0
	for _, nb := range nbs {
		counts[nb.label]++
	}
	for _, nb := range nbs {
		if c := counts[nb.label]; c > bestCount {
			best, bestCount = nb.label, c
		}
	}
	return best
}

// distance returns the L2 norm of a-b, using scratch (len(a)) for the
// difference.
func distance(a, b, scratch []float32) float32 {
	copy(scratch, a)
	diff := blas32.Vector{N: len(a), Inc: 1, Data: scratch}
	blas32.Axpy(-1, blas32.Vector{N: len(a), Inc: 1, Data: b[:len(a)]}, diff)
	return blas32.Nrm2(diff)
}
