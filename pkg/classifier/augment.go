package classifier

import (
	"image"
	"math/rand/v2"

	"github.com/disintegration/imaging"
)

// Augment returns n randomly perturbed copies of img for test-time
// augmentation: a rotation by a multiple of 90 degrees, optional horizontal
// and vertical flips, and brightness, contrast and saturation jitter.
// The same seed always yields the same variants.
func Augment(img image.Image, n int, seed uint64) []image.Image {
	if n <= 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	variants := make([]image.Image, 0, n)
	for range n {
		var out *image.NRGBA
		switch rng.IntN(4) {
		case 1:
			out = imaging.Rotate90(img)
		case 2:
			out = imaging.Rotate180(img)
		case 3:
			out = imaging.Rotate270(img)
		default:
			out = imaging.Clone(img)
		}

		if rng.Float64() > 0.4 {
			out = imaging.FlipH(out)
		}
		if rng.Float64() > 0.7 {
			out = imaging.FlipV(out)
		}

		// Percent ranges approximate brightness +-20%, contrast x0.7-1.4 and
		// saturation x0.5-1.8.
		out = imaging.AdjustBrightness(out, uniform(rng, -20, 20))
		out = imaging.AdjustContrast(out, uniform(rng, -30, 40))
		out = imaging.AdjustSaturation(out, uniform(rng, -50, 80))

		variants = append(variants, out)
	}
	return variants
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
