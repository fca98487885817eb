package processor

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

const (
	// Larger estimates are treated as misdetections
	maxSkewDegrees = 15.0
	// Angles below this are treated as already straight
	minSkewCorrection = 0.5
	// Upper bound on sampled foreground pixels per page
	maxSkewSamples = 200000
	darkPixel      = 128
)

// estimateSkew returns the angle in degrees of the minimum-area rectangle
// around the page's dark pixels. Positive angles slope downwards to the right.
// Returns 0 for pages without foreground, for angles below minSkewCorrection
// and for angles beyond maxSkewDegrees.
func estimateSkew(g *image.Gray) float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	step := 1
	if area := w * h; area > maxSkewSamples {
		step = int(math.Ceil(math.Sqrt(float64(area) / maxSkewSamples)))
	}

	var points []image.Point
	for y := 0; y < h; y += step {
		row := g.PixOffset(g.Rect.Min.X, g.Rect.Min.Y+y)
		for x := 0; x < w; x += step {
			if g.Pix[row+x] < darkPixel {
				points = append(points, image.Pt(x, y))
			}
		}
	}
	if len(points) < 3 {
		return 0
	}

	pv := gocv.NewPointVectorFromPoints(points)
	defer pv.Close()
	rect := gocv.MinAreaRect(pv)

	angle := boxAngle(rect.Points)
	if math.Abs(angle) < minSkewCorrection || math.Abs(angle) > maxSkewDegrees {
		return 0
	}
	return angle
}

// boxAngle returns the slope in degrees of the longest edge of a rotated box,
// folded into [-45, 45]
func boxAngle(corners []image.Point) float64 {
	if len(corners) < 2 {
		return 0
	}

	var dx, dy, longest float64
	for i := range corners {
		next := corners[(i+1)%len(corners)]
		ex := float64(next.X - corners[i].X)
		ey := float64(next.Y - corners[i].Y)
		if l := ex*ex + ey*ey; l > longest {
			longest, dx, dy = l, ex, ey
		}
	}
	if longest == 0 {
		return 0
	}

	angle := math.Atan2(dy, dx) * 180 / math.Pi
	if angle > 90 {
		angle -= 180
	} else if angle <= -90 {
		angle += 180
	}
	if angle > 45 {
		angle -= 90
	} else if angle < -45 {
		angle += 90
	}
	return angle
}

// deskew rotates src counter-clockwise by angle degrees about its center,
// keeping the page size and replicating the border. A zero angle returns a copy.
func deskew(src gocv.Mat, angle float64) gocv.Mat {
	if angle == 0 {
		return src.Clone()
	}

	center := image.Pt(src.Cols()/2, src.Rows()/2)
	rotation := gocv.GetRotationMatrix2D(center, angle, 1.0)
	defer rotation.Close()

	dst := gocv.NewMat()
	gocv.WarpAffineWithParams(src, &dst, rotation, image.Pt(src.Cols(), src.Rows()),
		gocv.InterpolationCubic, gocv.BorderReplicate, color.RGBA{})
	return dst
}
