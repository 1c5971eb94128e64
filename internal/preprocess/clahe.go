package preprocess

import (
	"image"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

const (
	histBins = 256
	// linearSteps is the resolution of the linear-to-sRGB table.
	linearSteps = 1 << 13
)

var (
	toLinear   [histBins]float64
	fromLinear [linearSteps + 1]uint8
)

func init() {
	for i := range toLinear {
		toLinear[i], _, _ = colorful.Color{R: float64(i) / 255}.LinearRgb()
	}
	for i := range fromLinear {
		fromLinear[i] = toByte(colorful.LinearRgb(float64(i)/linearSteps, 0, 0).R * 255)
	}
}

// EqualizeLuminance applies contrast-limited adaptive histogram equalization
// to the L channel of the Lab representation of src and recombines it with
// the original a and b channels. grid is the number of tiles per axis.
func EqualizeLuminance(src *image.RGBA, grid int, clipLimit float64) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 || grid <= 0 || clipLimit <= 0 {
		return src
	}

	lum := make([]uint8, w*h)
	chroma := make([]float32, 2*w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := src.PixOffset(b.Min.X+x, b.Min.Y+y)
			l, la, lb := labOf(src.Pix[i : i+3])
			k := y*w + x
			lum[k] = toByte(l * 255)
			chroma[2*k] = float32(la)
			chroma[2*k+1] = float32(lb)
		}
	}

	tiles := buildTiles(lum, w, h, grid, clipLimit)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			k := y*w + x
			l := tiles.interpolate(x, y, lum[k]) / 255
			di := dst.PixOffset(x, y)
			rgbOf(dst.Pix[di:di+3], l, float64(chroma[2*k]), float64(chroma[2*k+1]))
			dst.Pix[di+3] = 0xff
		}
	}
	return dst
}

// labOf converts an 8-bit sRGB pixel to Lab (D65).
func labOf(p []uint8) (l, a, b float64) {
	x, y, z := colorful.LinearRgbToXyz(toLinear[p[0]], toLinear[p[1]], toLinear[p[2]])
	return colorful.XyzToLab(x, y, z)
}

// rgbOf writes the clamped 8-bit sRGB value of a Lab colour into p[0:3].
func rgbOf(p []uint8, l, a, b float64) {
	x, y, z := colorful.LabToXyz(l, a, b)
	r, g, bl := colorful.XyzToLinearRgb(x, y, z)
	p[0] = delinearize(r)
	p[1] = delinearize(g)
	p[2] = delinearize(bl)
}

func delinearize(v float64) uint8 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return fromLinear[int(v*linearSteps+0.5)]
}

type tileGrid struct {
	tilesX, tilesY int
	tileW, tileH   int
	luts           [][histBins]uint8
}

func buildTiles(lum []uint8, w, h, grid int, clipLimit float64) tileGrid {
	tx, ty := min(grid, w), min(grid, h)
	tileW := (w + tx - 1) / tx
	tileH := (h + ty - 1) / ty
	tx = (w + tileW - 1) / tileW
	ty = (h + tileH - 1) / tileH

	g := tileGrid{tilesX: tx, tilesY: ty, tileW: tileW, tileH: tileH, luts: make([][histBins]uint8, tx*ty)}
	for j := 0; j < ty; j++ {
		for i := 0; i < tx; i++ {
			x0, y0 := i*tileW, j*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)

			var hist [histBins]int
			for y := y0; y < y1; y++ {
				row := lum[y*w : y*w+w]
				for x := x0; x < x1; x++ {
					hist[row[x]]++
				}
			}
			area := (x1 - x0) * (y1 - y0)
			clipHistogram(&hist, area, clipLimit)
			g.luts[j*tx+i] = cumulativeLUT(&hist, area)
		}
	}
	return g
}

// clipHistogram caps every bin at clipLimit*area/bins and spreads the excess
// evenly over all bins.
func clipHistogram(hist *[histBins]int, area int, clipLimit float64) {
	limit := max(int(clipLimit*float64(area)/histBins), 1)
	excess := 0
	for k := range hist {
		if hist[k] > limit {
			excess += hist[k] - limit
			hist[k] = limit
		}
	}

	batch := excess / histBins
	residual := excess - batch*histBins
	for k := range hist {
		hist[k] += batch
	}
	if residual > 0 {
		step := max(histBins/residual, 1)
		for k := 0; k < histBins && residual > 0; k += step {
			hist[k]++
			residual--
		}
	}
}

func cumulativeLUT(hist *[histBins]int, area int) [histBins]uint8 {
	var lut [histBins]uint8
	scale := 255 / float64(area)
	sum := 0
	for k := range hist {
		sum += hist[k]
		lut[k] = toByte(float64(sum) * scale)
	}
	return lut
}

// interpolate blends the mappings of the four tiles whose centres surround (x, y).
func (g tileGrid) interpolate(x, y int, v uint8) float64 {
	fx := (float64(x)+0.5)/float64(g.tileW) - 0.5
	fy := (float64(y)+0.5)/float64(g.tileH) - 0.5
	x1, y1 := int(math.Floor(fx)), int(math.Floor(fy))
	ax, ay := fx-float64(x1), fy-float64(y1)
	x2, y2 := clampInt(x1+1, 0, g.tilesX-1), clampInt(y1+1, 0, g.tilesY-1)
	x1, y1 = clampInt(x1, 0, g.tilesX-1), clampInt(y1, 0, g.tilesY-1)

	at := func(tx, ty int) float64 { return float64(g.luts[ty*g.tilesX+tx][v]) }
	top := at(x1, y1)*(1-ax) + at(x2, y1)*ax
	bottom := at(x1, y2)*(1-ax) + at(x2, y2)*ax
	return top*(1-ay) + bottom*ay
}

func toByte(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
