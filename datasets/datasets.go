package datasets

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Noofbiz/fewshot/tensor"
)

// This package turns a class-keyed store of images into few-shot "tasks"
// (episodes) for meta-learning.
//
// Layout and intended usage:
//
// ClassStore
//   - Maps an integer class label to the samples of that class.
//   - Samples are either file paths (loaded lazily, on every draw) or tensors
//     produced once by a Materializer.
//   - LoadDataset builds one ClassStore per split from a directory tree.
//
// Sampler
//   - Draws one Task from a ClassStore given a sample seed and a class seed.
//   - Two independent random sources are used so that consecutive tasks can
//     share their class set while drawing different samples.
//
// Episodic
//   - An epoch of tasks addressed by index. TaskAt is pure: the same Cursor
//     and index always give the same Task.
//   - Episodes adapts it to the gomlx train.Dataset style (Yield/Reset).

var (
	// ErrNotEnoughClasses is returned when a task needs more classes than the
	// store holds.
	ErrNotEnoughClasses = errors.New("datasets: not enough classes")
	// ErrClassTooSmall is returned when a class holds fewer samples than
	// support+target.
	ErrClassTooSmall = errors.New("datasets: class has too few samples")
	// ErrMissingLabelFile is returned when a dataset root lacks its label
	// side-car files.
	ErrMissingLabelFile = errors.New("datasets: missing label file")
	// ErrInvalidConfig is returned for configuration values that cannot be
	// satisfied.
	ErrInvalidConfig = errors.New("datasets: invalid configuration")
	// ErrChannelMismatch is returned when a sample's channel count can be
	// neither truncated nor replicated to the requested count.
	ErrChannelMismatch = errors.New("datasets: channel count mismatch")
	// ErrOutOfRange is returned for task indices outside the current epoch.
	ErrOutOfRange = errors.New("datasets: index out of range")
)

// Sample is one image of a class: a path to load from, or a tensor of shape
// [channels, height, width] once materialized.
type Sample struct {
	Path string
	Data *tensor.Tensor
}

// Materialized reports whether the sample already holds its tensor.
func (s Sample) Materialized() bool { return s.Data != nil }

// ClassStore maps a class label to its samples. It is read-only once built and
// may be shared by concurrent samplers.
type ClassStore map[int][]Sample

// Keys returns the class labels in ascending order.
func (c ClassStore) Keys() []int {
	keys := make([]int, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Sizes returns the number of samples per class.
func (c ClassStore) Sizes() map[int]int {
	sizes := make(map[int]int, len(c))
	for k, v := range c {
		sizes[k] = len(v)
	}
	return sizes
}

// Len returns the total number of samples over all classes.
func (c ClassStore) Len() int {
	n := 0
	for _, v := range c {
		n += len(v)
	}
	return n
}

// Validate checks that at least classes classes exist and that every class
// holds at least perClass samples.
func (c ClassStore) Validate(classes, perClass int) error {
	if classes > len(c) {
		return fmt.Errorf("%w: need %d, store has %d", ErrNotEnoughClasses, classes, len(c))
	}
	for _, k := range c.Keys() {
		if n := len(c[k]); n < perClass {
			return fmt.Errorf("%w: class %d has %d samples, need %d", ErrClassTooSmall, k, n, perClass)
		}
	}
	return nil
}

// FromPaths builds a path-mode store.
func FromPaths(paths map[int][]string) ClassStore {
	store := make(ClassStore, len(paths))
	for k, ps := range paths {
		samples := make([]Sample, len(ps))
		for i, p := range ps {
			samples[i] = Sample{Path: p}
		}
		store[k] = samples
	}
	return store
}
