package datasets

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Noofbiz/fewshot/tensor"
	"k8s.io/klog/v2"
)

const storeCacheVersion = 1

// ErrCacheMismatch is returned by LoadStoreCache when the cache was built for
// a different dataset or transform pipeline.
var ErrCacheMismatch = errors.New("datasets: cache does not match")

// CacheMeta identifies what a materialized store cache was built from.
type CacheMeta struct {
	Dataset string
	Split   string
	// Transforms is a caller-chosen fingerprint of the load pipeline.
	Transforms string
}

// storeCacheFormat is the on-disk representation of a materialized store.
type storeCacheFormat struct {
	Version   int
	Meta      CacheMeta
	CreatedAt int64
	Classes   []int
	Paths     [][]string
	Shapes    [][][]int
	Data      [][][]float32
}

// SaveStoreCache writes a materialized store to path using encoding/gob. The
// write is atomic: a temp file in the same directory is renamed into place.
// paths, when non-nil, records the source path of every sample so a later load
// can be checked against the current dataset.
func SaveStoreCache(path string, store ClassStore, paths ClassStore, meta CacheMeta) error {
	if path == "" {
		return fmt.Errorf("%w: empty cache path", ErrInvalidConfig)
	}
	pc := storeCacheFormat{Version: storeCacheVersion, Meta: meta, CreatedAt: time.Now().Unix()}
	for _, k := range store.Keys() {
		samples := store[k]
		shapes := make([][]int, len(samples))
		data := make([][]float32, len(samples))
		srcs := make([]string, len(samples))
		for i, s := range samples {
			if !s.Materialized() {
				return fmt.Errorf("%w: class %d sample %d is not materialized", ErrInvalidConfig, k, i)
			}
			shapes[i] = s.Data.Shape()
			data[i] = s.Data.Data()
			if ps, ok := paths[k]; ok && i < len(ps) {
				srcs[i] = ps[i].Path
			}
		}
		pc.Classes = append(pc.Classes, k)
		pc.Shapes = append(pc.Shapes, shapes)
		pc.Data = append(pc.Data, data)
		pc.Paths = append(pc.Paths, srcs)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if err := gob.NewEncoder(tmpFile).Encode(&pc); err != nil {
		return fmt.Errorf("encode cache to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		klog.Warningf("datasets: sync temp cache file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp cache to target: %w", err)
	}
	return nil
}

// LoadStoreCache reads a store written by SaveStoreCache. meta must match the
// cached metadata. When paths is non-nil, every class and recorded sample path
// must match it too.
func LoadStoreCache(path string, paths ClassStore, meta CacheMeta) (ClassStore, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cache file %s: %w", path, err)
	}
	defer fh.Close()
	var pc storeCacheFormat
	if err := gob.NewDecoder(fh).Decode(&pc); err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", path, err)
	}
	if pc.Version != storeCacheVersion {
		return nil, fmt.Errorf("%w: version cache=%d expected=%d", ErrCacheMismatch, pc.Version, storeCacheVersion)
	}
	if pc.Meta != meta {
		return nil, fmt.Errorf("%w: built for %+v, want %+v", ErrCacheMismatch, pc.Meta, meta)
	}
	if paths != nil && len(paths) != len(pc.Classes) {
		return nil, fmt.Errorf("%w: %d classes cached, dataset has %d", ErrCacheMismatch, len(pc.Classes), len(paths))
	}
	store := make(ClassStore, len(pc.Classes))
	for ci, k := range pc.Classes {
		if len(pc.Shapes[ci]) != len(pc.Data[ci]) {
			return nil, fmt.Errorf("%w: class %d has %d shapes for %d samples", ErrCacheMismatch, k, len(pc.Shapes[ci]), len(pc.Data[ci]))
		}
		if paths != nil {
			src, ok := paths[k]
			if !ok || len(src) != len(pc.Data[ci]) {
				return nil, fmt.Errorf("%w: class %d differs from dataset", ErrCacheMismatch, k)
			}
			for i, s := range src {
				if cached := pc.Paths[ci][i]; cached != "" && cached != s.Path {
					return nil, fmt.Errorf("%w: class %d sample %d cached from %s, dataset has %s", ErrCacheMismatch, k, i, cached, s.Path)
				}
			}
		}
		samples := make([]Sample, len(pc.Data[ci]))
		for i, d := range pc.Data[ci] {
			x, err := tensor.New(pc.Shapes[ci][i], d)
			if err != nil {
				return nil, fmt.Errorf("class %d sample %d: %w", k, i, err)
			}
			samples[i] = Sample{Data: x}
		}
		store[k] = samples
	}
	klog.V(1).Infof("datasets: loaded %d cached classes from %s (created %s)",
		len(store), path, time.Unix(pc.CreatedAt, 0).Format(time.RFC3339))
	return store, nil
}
