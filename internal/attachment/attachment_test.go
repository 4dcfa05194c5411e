package attachment

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int, fill color.NRGBA) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeJPEG(t *testing.T, data []byte) image.Image {
	t.Helper()

	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	return img
}

func TestProcess_ScalesDownLargeImages(t *testing.T) {
	raw := encodePNG(t, 2048, 1024, color.NRGBA{R: 10, G: 200, B: 30, A: 255})

	payload, err := Process(raw)
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", payload.MIME)
	assert.Equal(t, 512, payload.Width)
	assert.Equal(t, 256, payload.Height)

	decoded := decodeJPEG(t, payload.Data)
	assert.Equal(t, 512, decoded.Bounds().Dx())
	assert.Equal(t, 256, decoded.Bounds().Dy())
}

func TestProcess_NeverUpscalesSmallImages(t *testing.T) {
	raw := encodePNG(t, 100, 60, color.NRGBA{R: 128, G: 128, B: 128, A: 255})

	payload, err := Process(raw)
	require.NoError(t, err)

	assert.Equal(t, 100, payload.Width)
	assert.Equal(t, 60, payload.Height)
}

func TestProcess_FlattensTransparencyOntoWhite(t *testing.T) {
	raw := encodePNG(t, 40, 40, color.NRGBA{R: 0, G: 0, B: 0, A: 0})

	payload, err := Process(raw)
	require.NoError(t, err)

	decoded := decodeJPEG(t, payload.Data)
	r, g, b, _ := decoded.At(20, 20).RGBA()
	// JPEG is lossy, so allow a little drift off pure white.
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestProcess_RejectsNonImageData(t *testing.T) {
	_, err := Process([]byte("this is definitely not an image"))
	require.ErrorIs(t, err, ErrImageInvalid)
}

func TestProcess_RejectsEmptyUpload(t *testing.T) {
	_, err := Process(nil)
	require.ErrorIs(t, err, ErrImageInvalid)
}

func TestProcess_RejectsOversizedUpload(t *testing.T) {
	_, err := Process(make([]byte, MaxUploadBytes+1))
	require.ErrorIs(t, err, ErrImageInvalid)
}

func TestPayload_Encodings(t *testing.T) {
	raw := encodePNG(t, 8, 8, color.NRGBA{R: 255, G: 0, B: 0, A: 255})

	payload, err := Process(raw)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(payload.Base64())
	require.NoError(t, err)
	assert.Equal(t, payload.Data, decoded)

	url := payload.DataURL()
	assert.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))
	assert.Equal(t, payload.Base64(), strings.TrimPrefix(url, "data:image/jpeg;base64,"))
}
