// Package imagehash computes fixed-width perceptual hashes of video frames.
//
// All four algorithms emit 64-bit values so hashes from different runs stay
// comparable forever; changing a grid size would silently invalidate every
// persisted fingerprint. Similarity is normalized Hamming distance.
package imagehash

import (
	"fmt"
	"image"
	"math"
	"math/bits"
	"sort"

	"golang.org/x/image/draw"
)

// Bits is the width of every hash value.
const Bits = 64

// Hash is one perceptual hash value.
type Hash uint64

// String formats the hash as 16 lowercase hex digits (the on-disk form).
func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// Parse reads a hex-formatted hash back.
func Parse(s string) (Hash, error) {
	var v uint64
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, fmt.Errorf("parse hash %q: %w", s, err)
	}
	return Hash(v), nil
}

// Distance is the Hamming distance between two hashes.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a) ^ uint64(b))
}

// Similarity is 1 − distance/64: 1.0 for identical values, 0.0 for a full
// bitwise complement.
func Similarity(a, b Hash) float64 {
	return 1.0 - float64(Distance(a, b))/float64(Bits)
}

// Average is the average-intensity hash: downscale to 8×8 grayscale and set
// a bit for every pixel above the grid mean.
func Average(img image.Image) Hash {
	px := grayPixels(img, 8, 8)
	var sum float64
	for _, p := range px {
		sum += p
	}
	avg := sum / float64(len(px))
	var h Hash
	for _, p := range px {
		h <<= 1
		if p > avg {
			h |= 1
		}
	}
	return h
}

// Difference is the gradient hash: downscale to 9×8 and set a bit wherever a
// pixel is brighter than its right neighbor.
func Difference(img image.Image) Hash {
	px := grayPixels(img, 9, 8)
	var h Hash
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			h <<= 1
			if px[row*9+col] > px[row*9+col+1] {
				h |= 1
			}
		}
	}
	return h
}

// Perceptual is the frequency-domain hash: downscale to 32×32, apply a 2-D
// DCT, keep the low-frequency 8×8 block, and binarize against the block mean
// computed without the DC row and column.
func Perceptual(img image.Image) Hash {
	px := grayPixels(img, 32, 32)
	coeffs := dct2d(px, 32)
	var sum float64
	for row := 1; row < 8; row++ {
		for col := 1; col < 8; col++ {
			sum += coeffs[row*32+col]
		}
	}
	avg := sum / 49.0
	var h Hash
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			h <<= 1
			if coeffs[row*32+col] > avg {
				h |= 1
			}
		}
	}
	return h
}

// Wavelet is the wavelet hash: downscale to 16×16, take one Haar
// decomposition level, and binarize the 8×8 approximation band against its
// median.
func Wavelet(img image.Image) Hash {
	px := grayPixels(img, 16, 16)
	ll := make([]float64, 64)
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			a := px[(2*row)*16+2*col]
			b := px[(2*row)*16+2*col+1]
			c := px[(2*row+1)*16+2*col]
			d := px[(2*row+1)*16+2*col+1]
			ll[row*8+col] = (a + b + c + d) / 4.0
		}
	}
	sorted := append([]float64(nil), ll...)
	sort.Float64s(sorted)
	median := (sorted[31] + sorted[32]) / 2.0
	var h Hash
	for _, v := range ll {
		h <<= 1
		if v > median {
			h |= 1
		}
	}
	return h
}

// grayPixels downscales img to w×h grayscale (Catmull-Rom, close to the
// Lanczos kernel the rest of the toolchain resamples with) and returns the
// pixels row-major as float64.
func grayPixels(img image.Image, w, h int) []float64 {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out[y*w+x] = float64(dst.GrayAt(x, y).Y)
		}
	}
	return out
}

// dct2d applies a separable DCT-II over an n×n matrix (rows, then columns).
// No orthonormal scaling: the hash only compares coefficients to their mean,
// which a uniform scale factor cannot change.
func dct2d(px []float64, n int) []float64 {
	tmp := make([]float64, n*n)
	for row := 0; row < n; row++ {
		dct1d(px[row*n:(row+1)*n], tmp[row*n:(row+1)*n])
	}
	out := make([]float64, n*n)
	col := make([]float64, n)
	res := make([]float64, n)
	for c := 0; c < n; c++ {
		for r := 0; r < n; r++ {
			col[r] = tmp[r*n+c]
		}
		dct1d(col, res)
		for r := 0; r < n; r++ {
			out[r*n+c] = res[r]
		}
	}
	return out
}

func dct1d(in, out []float64) {
	n := len(in)
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += in[i] * math.Cos(math.Pi*float64(2*i+1)*float64(k)/float64(2*n))
		}
		out[k] = sum
	}
}
