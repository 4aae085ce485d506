package ee

import (
	"context"
	"net/http"
)

// Grid places a pixel array on the ground.
type Grid struct {
	Dimensions      Dimensions      `json:"dimensions"`
	AffineTransform AffineTransform `json:"affineTransform"`
	CrsCode         string          `json:"crsCode"`
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type AffineTransform struct {
	ScaleX     float64 `json:"scaleX"`
	ShearX     float64 `json:"shearX"`
	TranslateX float64 `json:"translateX"`
	ShearY     float64 `json:"shearY"`
	ScaleY     float64 `json:"scaleY"`
	TranslateY float64 `json:"translateY"`
}

// BBoxGrid builds a north-up grid covering [minX,maxX]x[minY,maxY].
func BBoxGrid(crs string, minX, minY, maxX, maxY float64, width, height int) Grid {
	return Grid{
		Dimensions: Dimensions{Width: width, Height: height},
		AffineTransform: AffineTransform{
			ScaleX:     (maxX - minX) / float64(width),
			TranslateX: minX,
			ScaleY:     -(maxY - minY) / float64(height),
			TranslateY: maxY,
		},
		CrsCode: crs,
	}
}

type pixelsRequest struct {
	Expression Expression `json:"expression"`
	FileFormat string     `json:"fileFormat"`
	BandIDs    []string   `json:"bandIds,omitempty"`
	Grid       Grid       `json:"grid"`
}

// ComputePixels renders img on grid and returns the encoded payload, for
// example "NPY" or "PNG".
func (c *Client) ComputePixels(ctx context.Context, img Node, grid Grid, format string, bands ...string) ([]byte, error) {
	req := pixelsRequest{
		Expression: NewExpression(img),
		FileFormat: format,
		BandIDs:    bands,
		Grid:       grid,
	}
	return c.do(ctx, http.MethodPost, c.projectURL("image:computePixels"), req)
}
