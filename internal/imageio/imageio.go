// Package imageio holds the pixel-level steps of the pipeline: reference decoding,
// frame preparation, face cropping and match annotation.
package imageio

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp" // Register WebP decoder for reference uploads
)

// DefaultGain is the static correction for systematically underexposed footage.
const DefaultGain = 2.122

// BoxColor and BoxThickness style the rectangle drawn on saved match frames.
var (
	BoxColor     = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	BoxThickness = 3
)

// DecodeReference decodes an uploaded reference image, honouring its EXIF orientation
// so that phone photos reach the detector upright.
func DecodeReference(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference image: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decode reference image: %w", err)
	}
	return orient(img, exifOrientation(data)), nil
}

// exifOrientation returns the EXIF orientation tag, or 1 (upright) when absent.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

func orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}

// Prepare converts a decoded frame to NRGBA and multiplies every colour channel by gain,
// clamping to [0,255] and truncating back to 8 bits. Alpha is left untouched.
func Prepare(img image.Image, gain float64) *image.NRGBA {
	var lut [256]uint8
	for i := range lut {
		v := float64(i) * gain
		switch {
		case v >= 255:
			lut[i] = 255
		case v <= 0:
			lut[i] = 0
		default:
			lut[i] = uint8(v)
		}
	}

	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: lut[c.R], G: lut[c.G], B: lut[c.B], A: c.A}
	})
}

// CropFace cuts box out of img (clipped to the image bounds) and resizes it to a size×size
// square for the embedder. ok is false when nothing of the box lies inside the image.
func CropFace(img image.Image, box image.Rectangle, size int) (face *image.NRGBA, ok bool) {
	box = box.Canon().Intersect(img.Bounds())
	if box.Empty() {
		return nil, false
	}
	crop := imaging.Crop(img, box)
	return imaging.Resize(crop, size, size, imaging.Linear), true
}

// Annotate returns a copy of img with box outlined.
func Annotate(img image.Image, box image.Rectangle) *image.NRGBA {
	out := imaging.Clone(img)
	bounds := out.Bounds()
	box = box.Canon()

	for i := 0; i < BoxThickness; i++ {
		r := image.Rect(box.Min.X-i, box.Min.Y-i, box.Max.X+i, box.Max.Y+i)
		for x := r.Min.X; x <= r.Max.X; x++ {
			setIn(out, bounds, x, r.Min.Y)
			setIn(out, bounds, x, r.Max.Y)
		}
		for y := r.Min.Y; y <= r.Max.Y; y++ {
			setIn(out, bounds, r.Min.X, y)
			setIn(out, bounds, r.Max.X, y)
		}
	}
	return out
}

func setIn(img *image.NRGBA, bounds image.Rectangle, x, y int) {
	if image.Pt(x, y).In(bounds) {
		img.SetNRGBA(x, y, BoxColor)
	}
}

// EncodeJPEG encodes img as a quality 95 JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
