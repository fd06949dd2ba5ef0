package faceengine

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// D65 reference white.
const (
	whiteX = 0.95047
	whiteY = 1.0
	whiteZ = 1.08883
)

const (
	labDelta     = 6.0 / 29.0
	lBins        = 256
	maxLightness = 100.0
)

var srgbToLinearLUT = func() [256]float64 {
	var lut [256]float64
	for i := range lut {
		v := float64(i) / 255
		if v <= 0.04045 {
			lut[i] = v / 12.92
		} else {
			lut[i] = math.Pow((v+0.055)/1.055, 2.4)
		}
	}
	return lut
}()

// EqualizeLuminance returns a copy of img with the histogram of its CIELAB L*
// channel equalized. Chroma (a*, b*) and alpha are preserved, so skin tones are
// not shifted the way per-channel RGB equalization would shift them.
func EqualizeLuminance(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	n := len(dst.Pix) / 4
	if n == 0 {
		return dst
	}

	ls := make([]float64, n)
	as := make([]float64, n)
	bs := make([]float64, n)
	var hist [lBins]int

	for i := 0; i < n; i++ {
		p := dst.Pix[i*4 : i*4+3 : i*4+3]
		l, a, b := rgbToLab(p[0], p[1], p[2])
		ls[i], as[i], bs[i] = l, a, b
		hist[lightnessBin(l)]++
	}

	var cdf [lBins]int
	running := 0
	cdfMin := 0
	for i, c := range hist {
		running += c
		cdf[i] = running
		if cdfMin == 0 && running > 0 {
			cdfMin = running
		}
	}
	if n == cdfMin {
		// single lightness level, nothing to stretch
		return dst
	}

	var lut [lBins]float64
	for i := range lut {
		lut[i] = float64(cdf[i]-cdfMin) / float64(n-cdfMin) * maxLightness
	}

	for i := 0; i < n; i++ {
		r, g, b := labToRGB(lut[lightnessBin(ls[i])], as[i], bs[i])
		dst.Pix[i*4] = r
		dst.Pix[i*4+1] = g
		dst.Pix[i*4+2] = b
	}
	return dst
}

func lightnessBin(l float64) int {
	bin := int(l/maxLightness*(lBins-1) + 0.5)
	return min(max(bin, 0), lBins-1)
}

func labF(t float64) float64 {
	if t > labDelta*labDelta*labDelta {
		return math.Cbrt(t)
	}
	return t/(3*labDelta*labDelta) + 4.0/29.0
}

func labFInv(t float64) float64 {
	if t > labDelta {
		return t * t * t
	}
	return 3 * labDelta * labDelta * (t - 4.0/29.0)
}

func rgbToLab(r8, g8, b8 uint8) (l, a, b float64) {
	r := srgbToLinearLUT[r8]
	g := srgbToLinearLUT[g8]
	bl := srgbToLinearLUT[b8]

	x := (0.4124564*r + 0.3575761*g + 0.1804375*bl) / whiteX
	y := (0.2126729*r + 0.7151522*g + 0.0721750*bl) / whiteY
	z := (0.0193339*r + 0.1191920*g + 0.9503041*bl) / whiteZ

	fx, fy, fz := labF(x), labF(y), labF(z)
	return 116*fy - 16, 500 * (fx - fy), 200 * (fy - fz)
}

func labToRGB(l, a, b float64) (r8, g8, b8 uint8) {
	fy := (l + 16) / 116
	fx := fy + a/500
	fz := fy - b/200

	x := whiteX * labFInv(fx)
	y := whiteY * labFInv(fy)
	z := whiteZ * labFInv(fz)

	r := 3.2404542*x - 1.5371385*y - 0.4985314*z
	g := -0.9692660*x + 1.8760108*y + 0.0415560*z
	bl := 0.0556434*x - 0.2040259*y + 1.0572252*z

	return linearToSRGB(r), linearToSRGB(g), linearToSRGB(bl)
}

func linearToSRGB(v float64) uint8 {
	if v <= 0.0031308 {
		v *= 12.92
	} else {
		v = 1.055*math.Pow(v, 1/2.4) - 0.055
	}
	return uint8(min(max(v*255+0.5, 0), 255))
}
