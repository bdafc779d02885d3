package datasets

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/Noofbiz/fewshot/tensor"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"k8s.io/klog/v2"
)

// LoadImage decodes the image at path. A truncated file whose header still
// decodes yields a blank image of the declared size instead of an error.
func LoadImage(path string) (image.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err == nil {
		return img, nil
	}
	if !truncated(err) {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	cfg, _, cerr := image.DecodeConfig(bytes.NewReader(raw))
	if cerr != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	klog.Warningf("datasets: %s is truncated, using a blank %dx%d image", path, cfg.Width, cfg.Height)
	rect := image.Rect(0, 0, cfg.Width, cfg.Height)
	if cfg.ColorModel == color.GrayModel || cfg.ColorModel == color.Gray16Model {
		return image.NewGray(rect), nil
	}
	return image.NewRGBA(rect), nil
}

func truncated(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "unexpected EOF") ||
		strings.Contains(err.Error(), "not enough pixel data")
}

// Transform is one step of an augmentation pipeline. Values flowing through a
// pipeline are image.Image until ToTensor, and *tensor.Tensor afterwards.
type Transform func(v any) (any, error)

// Augment applies transforms in order.
func Augment(v any, transforms []Transform) (any, error) {
	var err error
	for _, t := range transforms {
		if v, err = t(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func asImage(v any, op string) (image.Image, error) {
	img, ok := v.(image.Image)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects an image, got %T", ErrInvalidConfig, op, v)
	}
	return img, nil
}

func asTensor(v any, op string) (*tensor.Tensor, error) {
	t, ok := v.(*tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a tensor, got %T", ErrInvalidConfig, op, v)
	}
	return t, nil
}

// Resize scales an image to w×h with bilinear interpolation.
func Resize(w, h int) Transform {
	return func(v any) (any, error) {
		src, err := asImage(v, "resize")
		if err != nil {
			return nil, err
		}
		rect := image.Rect(0, 0, w, h)
		var dst draw.Image
		switch src.(type) {
		case *image.Gray, *image.Gray16:
			dst = image.NewGray(rect)
		default:
			dst = image.NewRGBA(rect)
		}
		draw.BiLinear.Scale(dst, rect, src, src.Bounds(), draw.Src, nil)
		return dst, nil
	}
}

// Grayscale converts an image to 8-bit gray.
func Grayscale() Transform {
	return func(v any) (any, error) {
		src, err := asImage(v, "grayscale")
		if err != nil {
			return nil, err
		}
		b := src.Bounds()
		dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst, nil
	}
}

// ToTensor converts an image to a [channels, height, width] tensor with values
// in [0, 1]. Gray images give one channel, everything else three (RGB).
func ToTensor() Transform {
	return func(v any) (any, error) {
		src, err := asImage(v, "to tensor")
		if err != nil {
			return nil, err
		}
		return imageTensor(src), nil
	}
}

func imageTensor(src image.Image) *tensor.Tensor {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	switch img := src.(type) {
	case *image.Gray:
		out := tensor.Zeros(1, h, w)
		d := out.Data()
		for y := 0; y < h; y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+w]
			for x, p := range row {
				d[y*w+x] = float32(p) / 255
			}
		}
		return out
	case *image.Gray16:
		out := tensor.Zeros(1, h, w)
		d := out.Data()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d[y*w+x] = float32(img.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 65535
			}
		}
		return out
	}
	out := tensor.Zeros(3, h, w)
	d := out.Data()
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			d[i] = float32(r) / 65535
			d[plane+i] = float32(g) / 65535
			d[2*plane+i] = float32(bl) / 65535
		}
	}
	return out
}

// Normalize maps each channel c to (v-mean[c])/std[c]. A single mean/std
// pair applies to every channel.
func Normalize(mean, std []float32) Transform {
	return func(v any) (any, error) {
		t, err := asTensor(v, "normalize")
		if err != nil {
			return nil, err
		}
		if t.Rank() != 3 {
			return nil, fmt.Errorf("%w: normalize expects [channels height width], got %v", tensor.ErrShape, t.Shape())
		}
		ch := t.Dim(0)
		if len(mean) != len(std) || (len(mean) != 1 && len(mean) != ch) {
			return nil, fmt.Errorf("%w: normalize with %d means and %d stds for %d channels", ErrInvalidConfig, len(mean), len(std), ch)
		}
		out := t.Clone()
		d := out.Data()
		plane := t.Dim(1) * t.Dim(2)
		for c := 0; c < ch; c++ {
			m, s := mean[0], std[0]
			if len(mean) > 1 {
				m, s = mean[c], std[c]
			}
			if s == 0 {
				return nil, fmt.Errorf("%w: zero std for channel %d", ErrInvalidConfig, c)
			}
			seg := d[c*plane : (c+1)*plane]
			for i, x := range seg {
				seg[i] = (x - m) / s
			}
		}
		return out, nil
	}
}

// AddChannels clones a single-channel tensor n times. Tensors with any other
// channel count pass through unchanged.
func AddChannels(n int) Transform {
	return func(v any) (any, error) {
		t, err := asTensor(v, "add channels")
		if err != nil {
			return nil, err
		}
		if t.Rank() == 0 || t.Dim(0) != 1 || n == 1 {
			return t, nil
		}
		return t.Repeat(0, n)
	}
}

// Loader produces the [channels, height, width] tensor for an image path.
type Loader func(path string) (*tensor.Tensor, error)

// Pipeline loads an image and runs it through Transforms. The result must be a
// tensor; if the last transform leaves an image, ToTensor is applied.
type Pipeline struct {
	Transforms []Transform
}

// Load implements Loader.
func (p Pipeline) Load(path string) (*tensor.Tensor, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	v, err := Augment(img, p.Transforms)
	if err != nil {
		return nil, fmt.Errorf("augment %s: %w", path, err)
	}
	switch out := v.(type) {
	case *tensor.Tensor:
		return out, nil
	case image.Image:
		return imageTensor(out), nil
	default:
		return nil, fmt.Errorf("%w: pipeline for %s produced %T", ErrInvalidConfig, path, v)
	}
}
