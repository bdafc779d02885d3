package datasets_test

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/fewshot/datasets"
	"github.com/Noofbiz/fewshot/tensor"
)

// writePNG writes a w×h image filled with v to path. Gray images have one
// channel, the others are RGB with v in the red channel only.
func writePNG(t *testing.T, path string, w, h int, v uint8, gray bool) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", path, err)
	}
	var img image.Image
	if gray {
		g := image.NewGray(image.Rect(0, 0, w, h))
		for i := range g.Pix {
			g.Pix[i] = v
		}
		img = g
	} else {
		rgba := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				rgba.Set(x, y, color.RGBA{R: v, A: 255})
			}
		}
		img = rgba
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
}

// sampleValue is the pixel value written for image i of class c. Trees keep
// i below 10 so every (class, index) pair gets its own value.
func sampleValue(c, i int) uint8 { return uint8(10*(c+1) + i) }

// sampleOf inverts sampleValue for a pixel read back as v/255.
func sampleOf(v float32) (class, index int) {
	p := int(math.Round(float64(v) * 255))
	return p/10 - 1, p % 10
}

// checkStoreSamples asserts that every sample of store holds exactly the
// pixels written by writeClassTree for its class and position.
func checkStoreSamples(t *testing.T, store datasets.ClassStore, classes, perClass int) {
	t.Helper()
	if len(store) != classes {
		t.Fatalf("store has %d classes, want %d", len(store), classes)
	}
	for c := 0; c < classes; c++ {
		if len(store[c]) != perClass {
			t.Fatalf("class %d has %d samples, want %d", c, len(store[c]), perClass)
		}
		for i, s := range store[c] {
			if s.Data == nil {
				t.Fatalf("class %d sample %d not materialized", c, i)
			}
			if !s.Data.Shape().Equal(tensor.Shape{1, 4, 4}) {
				t.Fatalf("class %d sample %d has shape %v", c, i, s.Data.Shape())
			}
			for _, v := range s.Data.Data() {
				if gc, gi := sampleOf(v); gc != c || gi != i {
					t.Fatalf("class %d sample %d holds pixels of class %d sample %d", c, i, gc, gi)
				}
			}
		}
	}
}

// writeClassTree writes classes folders of perClass gray 4×4 images under
// root and returns the path-mode store keyed 0..classes-1.
func writeClassTree(t *testing.T, root string, classes, perClass int) datasets.ClassStore {
	t.Helper()
	paths := make(map[int][]string, classes)
	for c := 0; c < classes; c++ {
		for i := 0; i < perClass; i++ {
			p := filepath.Join(root, fmt.Sprintf("class_%02d", c), fmt.Sprintf("img_%02d.png", i))
			writePNG(t, p, 4, 4, sampleValue(c, i), true)
			paths[c] = append(paths[c], p)
		}
	}
	return datasets.FromPaths(paths)
}

// fakeStore builds a path-mode store whose paths are never read.
func fakeStore(sizes ...int) datasets.ClassStore {
	paths := make(map[int][]string, len(sizes))
	for c, n := range sizes {
		for i := 0; i < n; i++ {
			paths[c] = append(paths[c], fmt.Sprintf("class_%d/%d.png", c, i))
		}
	}
	return datasets.FromPaths(paths)
}
