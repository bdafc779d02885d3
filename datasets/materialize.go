package datasets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Noofbiz/fewshot/tensor"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// DefaultWorkers is the worker pool size used when Materializer.Workers is
// zero.
const DefaultWorkers = 4

// Progress receives materialization progress. Calls are serialized.
type Progress interface {
	// ClassDone is called after every class with the number of classes done.
	ClassDone(done, total int)
	// ImageDone is called after every image of class.
	ImageDone(class, done, total int)
}

// LogProgress reports progress through klog: one line per class, and image
// counts at verbosity 2 at most once per Interval.
type LogProgress struct {
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// ClassDone logs the class count.
func (p *LogProgress) ClassDone(done, total int) {
	klog.V(1).Infof("datasets: materialized %s/%s classes", humanize.Comma(int64(done)), humanize.Comma(int64(total)))
}

// ImageDone logs the image count of the current class.
func (p *LogProgress) ImageDone(class, done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if done != total && time.Since(p.last) < p.Interval {
		return
	}
	p.last = time.Now()
	klog.V(2).Infof("datasets: class %d: %s/%s images", class, humanize.Comma(int64(done)), humanize.Comma(int64(total)))
}

// Materializer loads every path of a ClassStore into memory once, so that
// sampling no longer touches the disk.
type Materializer struct {
	// Workers bounds the number of images loaded concurrently.
	Workers int
	// Load reads and transforms one image. Defaults to Pipeline{}.Load.
	Load Loader
	// Progress is optional.
	Progress Progress
}

// Materialize returns a store holding the loaded tensor of every sample, in
// the same order as store. Classes are processed one at a time in ascending
// key order, each by a bounded pool of workers. The first failure stops the
// remaining work and is returned; no partial store is returned. ctx is checked
// between images.
func (m *Materializer) Materialize(ctx context.Context, store ClassStore) (ClassStore, error) {
	workers := m.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	load := m.Load
	if load == nil {
		load = Pipeline{}.Load
	}
	start := time.Now()
	keys := store.Keys()
	out := make(ClassStore, len(store))
	for i, k := range keys {
		samples, err := m.class(ctx, k, store[k], workers, load)
		if err != nil {
			return nil, err
		}
		out[k] = samples
		if m.Progress != nil {
			m.Progress.ClassDone(i+1, len(keys))
		}
	}
	klog.Infof("datasets: materialized %s images in %d classes in %s",
		humanize.Comma(int64(store.Len())), len(keys), time.Since(start).Round(time.Millisecond))
	return out, nil
}

// class loads the samples of one class, writing each result at its position.
func (m *Materializer) class(ctx context.Context, key int, samples []Sample, workers int, load Loader) ([]Sample, error) {
	n := len(samples)
	out := make([]Sample, n)
	if n == 0 {
		return out, nil
	}
	if workers > n {
		workers = n
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		done     int
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for pos := range jobs {
				if ctx.Err() != nil {
					continue
				}
				x, err := m.loadSample(samples[pos], load)
				if err != nil {
					fail(fmt.Errorf("class %d: %w", key, err))
					continue
				}
				out[pos] = Sample{Data: x}
				mu.Lock()
				done++
				if m.Progress != nil {
					m.Progress.ImageDone(key, done, n)
				}
				mu.Unlock()
			}
		}()
	}

enqueue:
	for i := 0; i < n; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break enqueue
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("class %d: %w", key, err)
	}
	return out, nil
}

func (m *Materializer) loadSample(s Sample, load Loader) (*tensor.Tensor, error) {
	if s.Materialized() {
		return s.Data.Clone(), nil
	}
	x, err := load(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return x, nil
}
