package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// renderText draws lines of text onto a white page, scaled up three times so
// strokes survive the median pass
func renderText(lines ...string) *image.NRGBA {
	img := image.NewRGBA(image.Rect(0, 0, 240, 40+20*len(lines)))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.Black, Face: basicfont.Face7x13}
	for i, line := range lines {
		d.Dot = fixed.P(10, 30+20*i)
		d.DrawString(line)
	}
	return imaging.Resize(img, img.Bounds().Dx()*3, 0, imaging.NearestNeighbor)
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodePNG(data []byte) (image.Image, error) {
	return png.Decode(bytes.NewReader(data))
}

// stubRasterizer returns a fixed page set
type stubRasterizer struct {
	pages []image.Image
	err   error
	calls int
}

func (s *stubRasterizer) Rasterize(ctx context.Context, pdf []byte, dpi int) ([]image.Image, error) {
	s.calls++
	return s.pages, s.err
}

// stubPrimary returns a fixed result or error
type stubPrimary struct {
	mu          sync.Mutex
	result      *ocr.Result
	err         error
	panicWith   interface{}
	calls       int
	contentType string
}

func (s *stubPrimary) Analyze(ctx context.Context, document []byte, contentType string) (*ocr.Result, error) {
	s.mu.Lock()
	s.calls++
	s.contentType = contentType
	s.mu.Unlock()
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.result == nil {
		return nil, nil
	}
	copied := *s.result
	return &copied, nil
}

func (s *stubPrimary) Describe() map[string]interface{} {
	return map[string]interface{}{"endpoint": "https://stub.example", "model": "prebuilt-read"}
}

// stubFallback returns a fixed text at the configured confidence
type stubFallback struct {
	text  string
	err   error
	calls int
	pages int
}

func (s *stubFallback) Recognize(ctx context.Context, pages []*image.Gray) (*ocr.Result, error) {
	s.calls++
	s.pages = len(pages)
	if s.err != nil {
		return nil, s.err
	}
	return &ocr.Result{Text: s.text, Confidence: 0.55, Engine: ocr.EngineFallback}, nil
}
