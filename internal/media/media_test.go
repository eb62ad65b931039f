package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func pngDataURI(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestCompressDataURIResizesWideImages(t *testing.T) {
	c := &Compressor{MaxWidth: 100, Quality: 60}
	out, err := c.CompressDataURI(pngDataURI(t, 640, 320))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "data:image/jpeg;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(out, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, 100, img.Bounds().Dx())
	require.Equal(t, 50, img.Bounds().Dy())
}

func TestCompressDataURIKeepsSmallImages(t *testing.T) {
	out, err := NewCompressor().CompressDataURI(pngDataURI(t, 40, 30))
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(out, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, 40, img.Bounds().Dx())
}

func TestCompressDataURIRejectsGarbage(t *testing.T) {
	c := NewCompressor()
	out, err := c.CompressDataURI("")
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = c.CompressDataURI("https://example.com/cat.png")
	require.ErrorIs(t, err, ErrNotDataURI)
	_, err = c.CompressDataURI("data:image/png;base64,!!!")
	require.ErrorIs(t, err, ErrNotDataURI)
}
