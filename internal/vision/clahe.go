package vision

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

const (
	claheClipLimit = 2.0
	claheGrid      = 8
)

// EnhanceContrast applies contrast-limited adaptive histogram equalization
// to the luma channel of img, leaving chroma untouched. The result has its
// origin at (0,0).
func EnhanceContrast(img image.Image) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	if w == 0 || h == 0 {
		return out
	}

	luma := make([]uint8, w*h)
	cb := make([]uint8, w*h)
	cr := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := out.Pix[y*out.Stride+x*4:]
			i := y*w + x
			luma[i], cb[i], cr[i] = color.RGBToYCbCr(p[0], p[1], p[2])
		}
	}

	g := newTileGrid(w, h)
	luts := g.luts(luma, w, h)

	for y := 0; y < h; y++ {
		ty0, ty1, wy := g.neighbours(y, g.tileH, g.rows)
		for x := 0; x < w; x++ {
			tx0, tx1, wx := g.neighbours(x, g.tileW, g.cols)
			i := y*w + x
			v := luma[i]

			top := (1-wx)*float64(luts[ty0*g.cols+tx0][v]) + wx*float64(luts[ty0*g.cols+tx1][v])
			bot := (1-wx)*float64(luts[ty1*g.cols+tx0][v]) + wx*float64(luts[ty1*g.cols+tx1][v])
			ny := uint8(clamp(math.Round((1-wy)*top+wy*bot), 0, 255))

			r, gg, bb := color.YCbCrToRGB(ny, cb[i], cr[i])
			p := out.Pix[y*out.Stride+x*4:]
			p[0], p[1], p[2] = r, gg, bb
		}
	}
	return out
}

type tileGrid struct {
	cols, rows   int
	tileW, tileH int
}

func newTileGrid(w, h int) tileGrid {
	tileW := (w + min(claheGrid, w) - 1) / min(claheGrid, w)
	tileH := (h + min(claheGrid, h) - 1) / min(claheGrid, h)
	return tileGrid{
		cols:  (w + tileW - 1) / tileW,
		rows:  (h + tileH - 1) / tileH,
		tileW: tileW,
		tileH: tileH,
	}
}

// neighbours returns the two tile indices bracketing pixel p along one axis
// and the interpolation weight of the second.
func (g tileGrid) neighbours(p, tile, n int) (int, int, float64) {
	f := (float64(p)+0.5)/float64(tile) - 0.5
	t0 := int(math.Floor(f))
	wgt := f - float64(t0)
	t1 := t0 + 1
	if t0 < 0 {
		t0, wgt = 0, 0
	}
	if t1 > n-1 {
		t1 = n - 1
	}
	if t0 > n-1 {
		t0 = n - 1
	}
	return t0, t1, wgt
}

func (g tileGrid) luts(luma []uint8, w, h int) [][256]uint8 {
	out := make([][256]uint8, g.cols*g.rows)
	for ty := 0; ty < g.rows; ty++ {
		for tx := 0; tx < g.cols; tx++ {
			var hist [256]int
			count := 0
			for y := ty * g.tileH; y < min((ty+1)*g.tileH, h); y++ {
				for x := tx * g.tileW; x < min((tx+1)*g.tileW, w); x++ {
					hist[luma[y*w+x]]++
					count++
				}
			}
			out[ty*g.cols+tx] = equalize(hist, count)
		}
	}
	return out
}

// equalize clips the histogram, spreads the excess evenly and returns the
// cumulative mapping.
func equalize(hist [256]int, count int) [256]uint8 {
	var lut [256]uint8
	if count == 0 {
		return lut
	}

	limit := max(1, int(claheClipLimit*float64(count)/256))
	excess := 0
	for i := range hist {
		if hist[i] > limit {
			excess += hist[i] - limit
			hist[i] = limit
		}
	}

	batch := excess / 256
	residual := excess - batch*256
	for i := range hist {
		hist[i] += batch
	}
	if residual > 0 {
		step := max(256/residual, 1)
		for i := 0; i < 256 && residual > 0; i += step {
			hist[i]++
			residual--
		}
	}

	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = uint8(clamp(math.Round(float64(sum)*255/float64(count)), 0, 255))
	}
	return lut
}
