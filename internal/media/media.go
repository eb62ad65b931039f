// Package media shrinks item and category photos into inline data URIs so
// the local store (and its backups) stay self-contained.
package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

var ErrNotDataURI = errors.New("not a base64 image data uri")

type Compressor struct {
	MaxWidth int
	Quality  int
}

func NewCompressor() *Compressor {
	return &Compressor{MaxWidth: 400, Quality: 70}
}

// CompressDataURI re-encodes an image data URI as a JPEG no wider than
// MaxWidth. Empty input is returned unchanged.
func (c *Compressor) CompressDataURI(uri string) (string, error) {
	if uri == "" {
		return "", nil
	}
	data, err := decodeDataURI(uri)
	if err != nil {
		return "", err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > c.MaxWidth {
		img = imaging.Resize(img, c.MaxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.Quality)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeDataURI(uri string) ([]byte, error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return nil, ErrNotDataURI
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotDataURI, err)
	}
	return data, nil
}
