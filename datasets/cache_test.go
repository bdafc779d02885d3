package datasets_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/fewshot/datasets"
)

func TestStoreCacheRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	paths := writeClassTree(t, filepath.Join(tmp, "data"), 3, 4)
	mem, err := (&datasets.Materializer{}).Materialize(context.Background(), paths)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	meta := datasets.CacheMeta{Dataset: "toy", Split: "train", Transforms: "none"}
	cachePath := filepath.Join(tmp, "cache", "toy_train.gob")
	if err := datasets.SaveStoreCache(cachePath, mem, paths, meta); err != nil {
		t.Fatalf("SaveStoreCache: %v", err)
	}
	got, err := datasets.LoadStoreCache(cachePath, paths, meta)
	if err != nil {
		t.Fatalf("LoadStoreCache: %v", err)
	}
	checkStoreSamples(t, got, 3, 4)
	for k, samples := range mem {
		if len(got[k]) != len(samples) {
			t.Fatalf("class %d: %d samples, want %d", k, len(got[k]), len(samples))
		}
		for i, s := range samples {
			if !got[k][i].Data.Equal(s.Data) {
				t.Fatalf("class %d sample %d differs after reload", k, i)
			}
		}
	}

	other := meta
	other.Transforms = "resize"
	if _, err := datasets.LoadStoreCache(cachePath, paths, other); !errors.Is(err, datasets.ErrCacheMismatch) {
		t.Fatalf("other transforms: got %v, want ErrCacheMismatch", err)
	}
	fewer := datasets.ClassStore{0: paths[0], 1: paths[1]}
	if _, err := datasets.LoadStoreCache(cachePath, fewer, meta); !errors.Is(err, datasets.ErrCacheMismatch) {
		t.Fatalf("fewer classes: got %v, want ErrCacheMismatch", err)
	}
}

func TestSaveStoreCacheNeedsMaterializedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.gob")
	err := datasets.SaveStoreCache(path, fakeStore(2, 2), nil, datasets.CacheMeta{})
	if !errors.Is(err, datasets.ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}
