package imageio

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestPrepareGain(t *testing.T) {
	tests := []struct {
		name string
		in   uint8
		want uint8
	}{
		{"Black stays black", 0, 0},
		{"Scaled and truncated", 10, 21}, // 21.22
		{"Mid grey", 100, 212},           // 212.2
		{"Just under the clip", 120, 254}, // 254.64
		{"Clamped", 121, 255},            // 256.76
		{"White stays white", 255, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := solid(2, 2, color.NRGBA{R: tt.in, G: tt.in, B: tt.in, A: 255})
			got := Prepare(img, DefaultGain).NRGBAAt(1, 1)
			assert.Equal(t, color.NRGBA{R: tt.want, G: tt.want, B: tt.want, A: 255}, got)
		})
	}
}

func TestPrepareConvertsToNRGBA(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 3))
	src.Set(1, 1, color.RGBA{R: 50, G: 60, B: 70, A: 255})

	out := Prepare(src, 1.0)
	require.NotNil(t, out)
	assert.Equal(t, color.NRGBA{R: 50, G: 60, B: 70, A: 255}, out.NRGBAAt(1, 1))
	// Source must not be modified
	assert.Equal(t, color.RGBA{R: 50, G: 60, B: 70, A: 255}, src.RGBAAt(1, 1))
}

func TestCropFace(t *testing.T) {
	img := solid(100, 80, color.NRGBA{R: 200, A: 255})

	face, ok := CropFace(img, image.Rect(10, 10, 50, 70), 160)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 160, 160), face.Bounds())

	// Partially outside is clipped, not rejected
	face, ok = CropFace(img, image.Rect(90, 70, 130, 120), 32)
	require.True(t, ok)
	assert.Equal(t, 32, face.Bounds().Dx())

	_, ok = CropFace(img, image.Rect(200, 200, 240, 240), 160)
	assert.False(t, ok)
}

func TestAnnotate(t *testing.T) {
	img := solid(40, 40, color.NRGBA{A: 255})
	box := image.Rect(10, 10, 30, 30)

	out := Annotate(img, box)

	assert.Equal(t, BoxColor, out.NRGBAAt(10, 10), "corner")
	assert.Equal(t, BoxColor, out.NRGBAAt(20, 30), "bottom edge")
	assert.Equal(t, BoxColor, out.NRGBAAt(8, 20), "outer stroke")
	assert.Equal(t, color.NRGBA{A: 255}, out.NRGBAAt(20, 20), "interior untouched")
	assert.Equal(t, color.NRGBA{A: 255}, img.NRGBAAt(10, 10), "input untouched")

	// Boxes touching the border must not panic
	assert.NotPanics(t, func() { Annotate(img, image.Rect(0, 0, 40, 40)) })
}

func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(solid(16, 16, color.NRGBA{G: 255, A: 255}))
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	decoded, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, decoded.Bounds().Dx())
}

func TestDecodeReference(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(30, 20, color.NRGBA{B: 255, A: 255})))

	img, err := DecodeReference(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 30, 20), img.Bounds())

	_, err = DecodeReference(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}

func TestOrient(t *testing.T) {
	img := solid(30, 20, color.NRGBA{A: 255})

	tests := []struct {
		orientation int
		wantW       int
	}{
		{1, 30}, {2, 30}, {3, 30}, {4, 30},
		{5, 20}, {6, 20}, {7, 20}, {8, 20},
	}
	for _, tt := range tests {
		got := orient(img, tt.orientation)
		assert.Equal(t, tt.wantW, got.Bounds().Dx(), "orientation %d", tt.orientation)
	}
}
