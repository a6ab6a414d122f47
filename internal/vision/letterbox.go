package vision

import (
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// PadColor fills the letterbox border.
var PadColor = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Letterbox records how a source image was fitted into a square canvas so
// that model coordinates can be mapped back to the source.
type Letterbox struct {
	Size   int     // canvas side in pixels
	Scale  float64 // source -> canvas scale factor
	PadX   int
	PadY   int
	Width  int // source width
	Height int // source height
}

// LetterboxImage resizes img preserving aspect ratio with bilinear
// interpolation and centers it on a size x size canvas filled with PadColor.
// Callers must reject empty images first.
func LetterboxImage(img image.Image, size int) (*image.RGBA, Letterbox) {
	b := img.Bounds()
	iw, ih := b.Dx(), b.Dy()

	scale := math.Min(float64(size)/float64(iw), float64(size)/float64(ih))
	nw := max(1, int(math.Round(float64(iw)*scale)))
	nh := max(1, int(math.Round(float64(ih)*scale)))
	nw, nh = min(nw, size), min(nh, size)

	resized := resize.Resize(uint(nw), uint(nh), img, resize.Bilinear)

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(PadColor), image.Point{}, draw.Src)

	padX, padY := (size-nw)/2, (size-nh)/2
	dst := image.Rect(padX, padY, padX+nw, padY+nh)
	draw.Draw(canvas, dst, resized, resized.Bounds().Min, draw.Src)

	return canvas, Letterbox{
		Size:   size,
		Scale:  scale,
		PadX:   padX,
		PadY:   padY,
		Width:  iw,
		Height: ih,
	}
}

// ToSource maps a canvas point back into source image coordinates.
func (l Letterbox) ToSource(x, y float64) (float64, float64) {
	return (x - float64(l.PadX)) / l.Scale, (y - float64(l.PadY)) / l.Scale
}

// FromSource maps a source image point onto the canvas.
func (l Letterbox) FromSource(x, y float64) (float64, float64) {
	return x*l.Scale + float64(l.PadX), y*l.Scale + float64(l.PadY)
}

// ToTensor converts a square RGBA canvas to a normalized NCHW float32 input
// (batch of one, RGB planes, values in [0,1]).
func ToTensor(canvas *image.RGBA) []float32 {
	size := canvas.Bounds().Dx()
	stride := size * size
	input := make([]float32, 3*stride)

	idx := 0
	for y := 0; y < size; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < size; x++ {
			p := row[x*4:]
			input[idx] = float32(p[0]) / 255.0
			input[idx+stride] = float32(p[1]) / 255.0
			input[idx+2*stride] = float32(p[2]) / 255.0
			idx++
		}
	}
	return input
}
