package rastreader

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Layer describes how one derived raster is shown on the map and served
// over WMS.
type Layer struct {
	Name     string   `json:"name" yaml:"name"`
	Title    string   `json:"title" yaml:"title"`
	Abstract string   `json:"abstract" yaml:"abstract"`
	Bands    []string `json:"bands" yaml:"bands"`
	MinVal   float32  `json:"min_value" yaml:"min_value"`
	MaxVal   float32  `json:"max_value" yaml:"max_value"`
	NoData   float32  `json:"no_data" yaml:"no_data"`
	Palette  []string `json:"palette" yaml:"palette"`
	Shown    bool     `json:"shown" yaml:"shown"`
}

type Layers []Layer

// Products the analysis renders; a layer must be named after one of them.
const (
	ProductUnmix       = "unmix"
	ProductNDWI        = "ndwi"
	ProductMNDWI       = "mndwi"
	ProductRGB         = "rgb"
	ProductMixingIndex = "mixing_index"
)

var Products = []string{ProductUnmix, ProductNDWI, ProductMNDWI, ProductRGB, ProductMixingIndex}

func IsProduct(name string) bool {
	for _, p := range Products {
		if p == name {
			return true
		}
	}
	return false
}

func (ls Layers) Get(name string) (Layer, bool) {
	for _, l := range ls {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}

var namedColors = map[string]color.NRGBA{
	"white":  {255, 255, 255, 255},
	"black":  {0, 0, 0, 255},
	"red":    {255, 0, 0, 255},
	"green":  {0, 128, 0, 255},
	"blue":   {0, 0, 255, 255},
	"yellow": {255, 255, 0, 255},
	"cyan":   {0, 255, 255, 255},
	"brown":  {165, 42, 42, 255},
}

// ParseColor reads a CSS name or a 6/8 digit hex colour, with or without #.
func ParseColor(s string) (color.NRGBA, error) {
	if c, ok := namedColors[strings.ToLower(s)]; ok {
		return c, nil
	}

	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 && len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("Unknown colour %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("Unknown colour %q: %v", s, err)
	}
	if len(hex) == 6 {
		v = v<<8 | 0xff
	}
	return color.NRGBA{uint8(v >> 24), uint8(v >> 16), uint8(v >> 8), uint8(v)}, nil
}

func (l Layer) NRGBAPalette() ([]color.NRGBA, error) {
	out := make([]color.NRGBA, len(l.Palette))
	for i, s := range l.Palette {
		c, err := ParseColor(s)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name, err)
		}
		out[i] = c
	}
	return out, nil
}

// HexPalette returns the palette as RRGGBB strings.
func (l Layer) HexPalette() ([]string, error) {
	pal, err := l.NRGBAPalette()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(pal))
	for i, c := range pal {
		out[i] = fmt.Sprintf("%02x%02x%02x", c.R, c.G, c.B)
	}
	return out, nil
}

func (l Layer) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("layer without a name")
	}
	if len(l.Bands) != 1 && len(l.Bands) != 3 {
		return fmt.Errorf("layer %s: want 1 or 3 bands, got %d", l.Name, len(l.Bands))
	}
	if l.MaxVal <= l.MinVal {
		return fmt.Errorf("layer %s: max_value %v must exceed min_value %v", l.Name, l.MaxVal, l.MinVal)
	}
	if len(l.Bands) == 3 && len(l.Palette) > 0 {
		return fmt.Errorf("layer %s: palette needs a single band", l.Name)
	}
	_, err := l.NRGBAPalette()
	return err
}
