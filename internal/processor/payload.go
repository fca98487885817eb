package processor

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Payload is the document sent to the primary OCR provider
type Payload struct {
	Data        []byte
	ContentType string
}

// EncodePayload renders preprocessed pages for upload: a single page from an
// image upload becomes a PNG, anything else a PDF with one page per image
func EncodePayload(pages []*image.Gray, fromPDF bool) (*Payload, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to encode")
	}

	if len(pages) == 1 && !fromPDF {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, pages[0], imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return &Payload{Data: buf.Bytes(), ContentType: "image/png"}, nil
	}

	readers := make([]io.Reader, 0, len(pages))
	for i, page := range pages {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, page, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i+1, err)
		}
		readers = append(readers, &buf)
	}

	conf := model.NewDefaultConfiguration()
	var out bytes.Buffer
	if err := api.ImportImages(nil, &out, readers, pdfcpu.DefaultImportConfig(), conf); err != nil {
		return nil, fmt.Errorf("build pdf: %w", err)
	}

	return &Payload{Data: out.Bytes(), ContentType: mimePDF}, nil
}
