package processor

import (
	"errors"
	"image"
	"runtime"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

const (
	// Non-local means strength and window sizes
	denoiseStrength       = 15
	denoiseTemplateWindow = 7
	denoiseSearchWindow   = 21
	medianKernel          = 3
)

var sharpenKernel = [3][3]float32{
	{0, -1, 0},
	{-1, 5, -1},
	{0, -1, 0},
}

// toGray converts img to an 8-bit grayscale image with origin (0, 0)
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	gray := imaging.Grayscale(img)
	out := image.NewGray(gray.Rect)
	for y := 0; y < gray.Rect.Dy(); y++ {
		src := gray.Pix[y*gray.Stride : y*gray.Stride+gray.Rect.Dx()*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+out.Rect.Dx()]
		for x := range dst {
			// R == G == B after imaging.Grayscale; alpha is flattened onto white
			a := int(src[x*4+3])
			dst[x] = uint8((int(src[x*4])*a + 255*(255-a)) / 255)
		}
	}
	return out
}

// grayToMat copies g into a single-channel 8-bit Mat owned by the caller
func grayToMat(g *image.Gray) (gocv.Mat, error) {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return gocv.NewMat(), errors.New("empty page image")
	}

	pix := g.Pix
	if g.Stride != w || g.Rect.Min != (image.Point{}) {
		pix = make([]byte, w*h)
		for y := 0; y < h; y++ {
			start := g.PixOffset(g.Rect.Min.X, g.Rect.Min.Y+y)
			copy(pix[y*w:(y+1)*w], g.Pix[start:start+w])
		}
	}

	view, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, pix)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer view.Close()
	// view shares pix; the clone owns its own buffer
	out := view.Clone()
	runtime.KeepAlive(pix)
	return out, nil
}

// matToGray copies a single-channel 8-bit Mat into an image.Gray
func matToGray(m gocv.Mat) *image.Gray {
	w, h := m.Cols(), m.Rows()
	return &image.Gray{
		Pix:    m.ToBytes(),
		Stride: w,
		Rect:   image.Rect(0, 0, w, h),
	}
}

// adaptiveThreshold binarizes src against the Gaussian-weighted mean of a
// block x block window minus bias. Pixels brighter than the local threshold
// become white.
func adaptiveThreshold(src gocv.Mat, block, bias int) gocv.Mat {
	dst := gocv.NewMat()
	gocv.AdaptiveThreshold(src, &dst, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, block, float32(bias))
	return dst
}

// denoise applies non-local means denoising
func denoise(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	gocv.FastNlMeansDenoisingWithParams(src, &dst, denoiseStrength, denoiseTemplateWindow, denoiseSearchWindow)
	return dst
}

// sharpen applies the 3x3 sharpening kernel
func sharpen(src gocv.Mat) gocv.Mat {
	kernel := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	defer kernel.Close()
	for row := range sharpenKernel {
		for col, v := range sharpenKernel[row] {
			kernel.SetFloatAt(row, col, v)
		}
	}

	dst := gocv.NewMat()
	gocv.Filter2D(src, &dst, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	return dst
}

// median applies a 3x3 median filter
func median(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	gocv.MedianBlur(src, &dst, medianKernel)
	return dst
}
