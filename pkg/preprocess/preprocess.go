// Package preprocess turns uploaded image bytes into model input tensors.
//
// Decoding supports JPEG, PNG and GIF from the standard library plus BMP,
// TIFF and WEBP from golang.org/x/image. Resizing is a deterministic
// bilinear resize to the model's square input size with no cropping or
// padding. Normalization follows the convention the model was exported with:
//
//   - unit:  x / 255                      -> [0, 1]
//   - tf:    x / 127.5 - 1                -> [-1, 1] (MobileNetV2)
//   - caffe: BGR order, ImageNet mean subtracted (ResNet50)
//   - raw:   x                            -> [0, 255] (EfficientNet)
//   - torch: (x/255 - mean) / std, ImageNet statistics
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedFormat is returned when the bytes cannot be decoded as an image.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrInvalidDimensions is returned when a decoded image has no pixels
	// or more pixels than allowed.
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

// DefaultMaxPixels caps decoded images at 50 megapixels.
const DefaultMaxPixels = 50_000_000

// Normalization selects how pixel values are scaled.
type Normalization string

const (
	NormUnit  Normalization = "unit"
	NormTF    Normalization = "tf"
	NormCaffe Normalization = "caffe"
	NormRaw   Normalization = "raw"
	NormTorch Normalization = "torch"
)

// Layout is the memory order of the tensor.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

var (
	caffeMean = [3]float32{103.939, 116.779, 123.68} // B, G, R
	torchMean = [3]float32{0.485, 0.456, 0.406}
	torchStd  = [3]float32{0.229, 0.224, 0.225}
)

// Options describes the input a model expects.
type Options struct {
	Size          int
	Normalization Normalization
	Layout        Layout
	MaxPixels     int64
}

// Validate checks that the options describe a usable input.
func (o Options) Validate() error {
	if o.Size <= 0 {
		return fmt.Errorf("input size must be > 0, got %d", o.Size)
	}
	switch o.Normalization {
	case NormUnit, NormTF, NormCaffe, NormRaw, NormTorch:
	default:
		return fmt.Errorf("unknown normalization %q", o.Normalization)
	}
	switch o.Layout {
	case LayoutNHWC, LayoutNCHW:
	default:
		return fmt.Errorf("unknown layout %q", o.Layout)
	}
	return nil
}

// Tensor is a single-image batch ready for inference.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Decoded is an image together with the format the decoder recognised.
type Decoded struct {
	Image  image.Image
	Format string
}

// Decode validates and decodes raw image bytes. maxPixels <= 0 uses DefaultMaxPixels.
func Decode(data []byte, maxPixels int64) (Decoded, error) {
	if len(data) == 0 {
		return Decoded{}, fmt.Errorf("%w: empty payload", ErrUnsupportedFormat)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Decoded{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return Decoded{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidDimensions, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Decoded{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, b.Dx(), b.Dy())
	}

	return Decoded{Image: img, Format: format}, nil
}

// Prepare decodes data and converts it into a tensor for the given options.
func Prepare(data []byte, opts Options) (Tensor, error) {
	if err := opts.Validate(); err != nil {
		return Tensor{}, err
	}
	decoded, err := Decode(data, opts.MaxPixels)
	if err != nil {
		return Tensor{}, err
	}
	return Tensorize(decoded.Image, opts)
}

// Tensorize resizes img to opts.Size x opts.Size and normalizes it.
func Tensorize(img image.Image, opts Options) (Tensor, error) {
	if err := opts.Validate(); err != nil {
		return Tensor{}, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Tensor{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, b.Dx(), b.Dy())
	}

	size := opts.Size
	resized := imaging.Resize(img, size, size, imaging.Linear)

	plane := size * size
	data := make([]float32, 3*plane)

	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			p := row[x*4:]
			rgb := [3]float32{float32(p[0]), float32(p[1]), float32(p[2])}
			v := normalize(rgb, opts.Normalization)

			i := y*size + x
			if opts.Layout == LayoutNCHW {
				data[i] = v[0]
				data[plane+i] = v[1]
				data[2*plane+i] = v[2]
			} else {
				data[3*i] = v[0]
				data[3*i+1] = v[1]
				data[3*i+2] = v[2]
			}
		}
	}

	return Tensor{Data: data, Shape: Shape(opts)}, nil
}

// Shape returns the batch-of-one tensor shape for opts.
func Shape(opts Options) []int64 {
	s := int64(opts.Size)
	if opts.Layout == LayoutNCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}

func normalize(rgb [3]float32, n Normalization) [3]float32 {
	switch n {
	case NormTF:
		return [3]float32{rgb[0]/127.5 - 1, rgb[1]/127.5 - 1, rgb[2]/127.5 - 1}
	case NormCaffe:
		return [3]float32{rgb[2] - caffeMean[0], rgb[1] - caffeMean[1], rgb[0] - caffeMean[2]}
	case NormRaw:
		return rgb
	case NormTorch:
		var out [3]float32
		for c := range 3 {
			out[c] = (rgb[c]/255 - torchMean[c]) / torchStd[c]
		}
		return out
	default:
		return [3]float32{rgb[0] / 255, rgb[1] / 255, rgb[2] / 255}
	}
}
