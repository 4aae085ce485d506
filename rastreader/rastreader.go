package rastreader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/terrascope/geometry"
	"github.com/terrascope/proj4go"
	"github.com/terrascope/raster"
	"github.com/terrascope/scimage"
	"github.com/terrascope/scimage/scicolor"

	"github.com/prl900/ee_unmix/ee"
)

const (
	webMerc    = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +wktext  +no_defs"
	geographic = "+proj=longlat +ellps=WGS84 +datum=WGS84 +no_defs"

	CRSWebMerc = "EPSG:3857"
)

var ErrTooFine = errors.New("requested resolution is finer than allowed")

// PixelSource renders an expression on a pixel grid.
type PixelSource interface {
	ComputePixels(ctx context.Context, img ee.Node, grid ee.Grid, format string, bands ...string) ([]byte, error)
}

var grayRamp = []color.NRGBA{{0, 0, 0, 255}, {255, 255, 255, 255}}

// ToWebMercator projects a longitude/latitude box to EPSG:3857.
func ToWebMercator(bbox geometry.BoundingBox) (geometry.BoundingBox, error) {
	cov := proj4go.Coverage{BoundingBox: bbox, Proj4: geographic}
	merc, err := cov.Transform(webMerc)
	if err != nil {
		return geometry.BoundingBox{}, fmt.Errorf("Error reprojecting %v: %v", bbox, err)
	}
	return merc.BoundingBox, nil
}

// GenerateTile renders the layer bands of img over an EPSG:3857 bbox.
// Single band layers are coloured with the layer palette, three band layers
// are stretched to RGB between MinVal and MaxVal.
func GenerateTile(ctx context.Context, src PixelSource, layer Layer, img ee.Node, width, height int, bbox geometry.BoundingBox, minRes float64) (image.Image, error) {
	canvas := scimage.NewGrayF32(image.Rect(0, 0, width, height), layer.MinVal, layer.MaxVal, layer.NoData)
	rMerc := &raster.Raster{Image: canvas, Coverage: proj4go.Coverage{BoundingBox: bbox, Proj4: webMerc}}
	if res := rMerc.Resolution()[0]; res < minRes {
		return nil, fmt.Errorf("%w: %.3f m < %.3f m", ErrTooFine, res, minRes)
	}

	expr := ee.Unmask(ee.ToFloat(ee.Select(img, layer.Bands...)), float64(layer.NoData))
	grid := ee.BBoxGrid(CRSWebMerc, bbox.Min.X, bbox.Min.Y, bbox.Max.X, bbox.Max.Y, width, height)

	data, err := src.ComputePixels(ctx, expr, grid, "NPY")
	if err != nil {
		return nil, fmt.Errorf("Error computing pixels for %s: %w", layer.Name, err)
	}
	arr, err := DecodeNPY(data)
	if err != nil {
		return nil, fmt.Errorf("Error decoding pixels for %s: %w", layer.Name, err)
	}
	if arr.Width != width || arr.Height != height {
		return nil, fmt.Errorf("Pixels for %s are %dx%d, want %dx%d", layer.Name, arr.Width, arr.Height, width, height)
	}
	if len(arr.Bands) != len(layer.Bands) {
		return nil, fmt.Errorf("Pixels for %s have %d bands, want %d", layer.Name, len(arr.Bands), len(layer.Bands))
	}

	if len(layer.Bands) == 3 {
		return composite(arr, layer), nil
	}

	for y := 0; y < height; y++ {
		copy(canvas.Pix[y*canvas.Stride:y*canvas.Stride+width], arr.Bands[0][y*width:(y+1)*width])
	}

	pal, err := layer.NRGBAPalette()
	if err != nil {
		return nil, err
	}
	if len(pal) == 0 {
		pal = grayRamp
	}
	return canvas.AsPaletted(scicolor.GradientNRGBAPalette(pal)), nil
}

func stretch(v, min, max float32) uint8 {
	f := (v - min) / (max - min)
	switch {
	case f <= 0:
		return 0
	case f >= 1:
		return 255
	}
	return uint8(f*255 + 0.5)
}

// composite maps three bands to red, green and blue. Pixels where every band
// is NoData are transparent.
func composite(arr *Array, layer Layer) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, arr.Width, arr.Height))
	r, g, b := arr.Bands[0], arr.Bands[1], arr.Bands[2]
	for p := range r {
		i := p * 4
		if r[p] == layer.NoData && g[p] == layer.NoData && b[p] == layer.NoData {
			continue
		}
		out.Pix[i] = stretch(r[p], layer.MinVal, layer.MaxVal)
		out.Pix[i+1] = stretch(g[p], layer.MinVal, layer.MaxVal)
		out.Pix[i+2] = stretch(b[p], layer.MinVal, layer.MaxVal)
		out.Pix[i+3] = 255
	}
	return out
}
