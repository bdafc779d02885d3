package datasets_test

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/fewshot/datasets"
	"github.com/Noofbiz/fewshot/tensor"
)

func TestPipelineTransforms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rgb.png")
	writePNG(t, path, 8, 6, 255, false)

	x, err := datasets.Pipeline{}.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := (tensor.Shape{3, 6, 8}); !x.Shape().Equal(want) {
		t.Fatalf("shape %v, want %v", x.Shape(), want)
	}
	if r, g := x.At(0, 0, 0), x.At(1, 0, 0); r != 1 || g != 0 {
		t.Fatalf("pixel r=%v g=%v, want 1 and 0", r, g)
	}

	p := datasets.Pipeline{Transforms: []datasets.Transform{
		datasets.Resize(4, 2),
		datasets.Grayscale(),
		datasets.ToTensor(),
		datasets.Normalize([]float32{0.5}, []float32{0.5}),
		datasets.AddChannels(3),
	}}
	x, err = p.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := (tensor.Shape{3, 2, 4}); !x.Shape().Equal(want) {
		t.Fatalf("shape %v, want %v", x.Shape(), want)
	}
	// Pure red is about 0.3 gray, about -0.4 once normalized.
	if v := x.At(2, 1, 3); v > -0.3 || v < -0.5 {
		t.Fatalf("normalized gray = %v", v)
	}
}

func TestTransformsRejectWrongInput(t *testing.T) {
	if _, err := datasets.Normalize([]float32{0}, []float32{1})(image.NewGray(image.Rect(0, 0, 1, 1))); !errors.Is(err, datasets.ErrInvalidConfig) {
		t.Fatalf("normalize on an image: got %v, want ErrInvalidConfig", err)
	}
	if _, err := datasets.Resize(2, 2)(tensor.Zeros(1, 2, 2)); !errors.Is(err, datasets.ErrInvalidConfig) {
		t.Fatalf("resize on a tensor: got %v, want ErrInvalidConfig", err)
	}
	if _, err := datasets.Normalize([]float32{0, 0}, []float32{1, 1})(tensor.Zeros(3, 2, 2)); !errors.Is(err, datasets.ErrInvalidConfig) {
		t.Fatalf("two means for three channels: got %v, want ErrInvalidConfig", err)
	}
}

func TestLoadImageTruncated(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cut.png")
	if err := os.WriteFile(path, buf.Bytes()[:buf.Len()/2], 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	x, err := datasets.Pipeline{}.Load(path)
	if err != nil {
		t.Fatalf("Load of a truncated file: %v", err)
	}
	if want := (tensor.Shape{1, 16, 16}); !x.Shape().Equal(want) {
		t.Fatalf("shape %v, want %v", x.Shape(), want)
	}
	if s := x.Sum(); math.Abs(float64(s)) > 0 {
		t.Fatalf("blank image sums to %v", s)
	}
}

func TestLoadImageMissing(t *testing.T) {
	if _, err := datasets.LoadImage(filepath.Join(t.TempDir(), "none.png")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
