package ee

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Vis holds the visualization options of a map layer.
type Vis struct {
	Bands   []string
	Min     float64
	Max     float64
	Palette []string
}

type visRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type visOptions struct {
	Ranges        []visRange `json:"ranges,omitempty"`
	PaletteColors []string   `json:"paletteColors,omitempty"`
}

type mapRequest struct {
	Expression           Expression  `json:"expression"`
	FileFormat           string      `json:"fileFormat"`
	BandIDs              []string    `json:"bandIds,omitempty"`
	VisualizationOptions *visOptions `json:"visualizationOptions,omitempty"`
}

// MapID names a tile set created on the service.
type MapID struct {
	Name string `json:"name"`
}

func (m MapID) TileURL(base string, z, x, y int) string {
	return fmt.Sprintf("%s/%s/tiles/%d/%d/%d", strings.TrimRight(base, "/"), m.Name, z, x, y)
}

func (v Vis) options() *visOptions {
	if v.Min == 0 && v.Max == 0 && len(v.Palette) == 0 {
		return nil
	}
	opts := &visOptions{}
	n := len(v.Bands)
	if n == 0 {
		n = 1
	}
	if len(v.Palette) > 0 {
		n = 1
		for _, p := range v.Palette {
			opts.PaletteColors = append(opts.PaletteColors, strings.TrimPrefix(p, "#"))
		}
	}
	for i := 0; i < n; i++ {
		opts.Ranges = append(opts.Ranges, visRange{Min: v.Min, Max: v.Max})
	}
	return opts
}

// CreateMap registers img with the tile service and returns its id.
func (c *Client) CreateMap(ctx context.Context, img Node, vis Vis) (MapID, error) {
	req := mapRequest{
		Expression:           NewExpression(img),
		FileFormat:           "PNG",
		BandIDs:              vis.Bands,
		VisualizationOptions: vis.options(),
	}

	var id MapID
	data, err := c.do(ctx, http.MethodPost, c.projectURL("maps"), req)
	if err != nil {
		return id, err
	}
	if err := json.Unmarshal(data, &id); err != nil {
		return id, fmt.Errorf("Error decoding map response: %w", err)
	}
	if id.Name == "" {
		return id, fmt.Errorf("Map response without a name: %s", data)
	}

	return id, nil
}

// Tile fetches one encoded tile of a map.
func (c *Client) Tile(ctx context.Context, id MapID, z, x, y int) ([]byte, error) {
	return c.do(ctx, http.MethodGet, id.TileURL(c.base, z, x, y), nil)
}
