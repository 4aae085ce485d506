// Package unmix builds the spectral unmixing analysis of a scene mosaic
// against bare soil, vegetation and water endmembers. All raster work is
// expressed as Earth Engine graphs; only the endmember vectors are pulled
// back locally.
package unmix

import (
	"context"
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/prl900/ee_unmix/config"
	"github.com/prl900/ee_unmix/ee"
	"github.com/prl900/ee_unmix/rastreader"
)

// Output names, also used as layer names.
const (
	LayerUnmix       = rastreader.ProductUnmix
	LayerNDWI        = rastreader.ProductNDWI
	LayerMNDWI       = rastreader.ProductMNDWI
	LayerRGB         = rastreader.ProductRGB
	LayerMixingIndex = rastreader.ProductMixingIndex
)

// ClassNames are the unmix output bands, in endmember order.
var ClassNames = []string{"bare", "vegetation", "water"}

var ErrBadEndmember = errors.New("bad endmember")

// Computer evaluates expression graphs remotely.
type Computer interface {
	Compute(ctx context.Context, root ee.Node, out any) error
}

// Endmembers are the mean reflectance vectors of the three pure classes.
type Endmembers struct {
	Bare       []float64 `json:"bare"`
	Vegetation []float64 `json:"vegetation"`
	Water      []float64 `json:"water"`
}

// Rows returns the vectors in ClassNames order.
func (e Endmembers) Rows() [][]float64 {
	return [][]float64{e.Bare, e.Vegetation, e.Water}
}

type Pipeline struct {
	c Computer
	a config.Analysis
}

func New(c Computer, a config.Analysis) *Pipeline {
	return &Pipeline{c: c, a: a}
}

func (p *Pipeline) StudyArea() ee.Node {
	return ee.CollectionGeometry(ee.LoadTable(p.a.StudyArea))
}

// Mosaic merges the scenes, keeps the analysis bands and clips to the study
// area.
func (p *Pipeline) Mosaic() ee.Node {
	img := ee.Mosaic(ee.ImageCollection(p.a.Scenes))
	return ee.Clip(ee.Select(img, p.a.Bands...), p.StudyArea())
}

func (p *Pipeline) regionMean(ctx context.Context, mosaic ee.Node, table string) ([]float64, error) {
	region := ee.CollectionGeometry(ee.LoadTable(table))
	root := ee.DictionaryValues(ee.ReduceRegion(mosaic, ee.MeanReducer(), region, p.a.Scale), p.a.Bands...)

	var vals []*float64
	if err := p.c.Compute(ctx, root, &vals); err != nil {
		return nil, fmt.Errorf("Error reducing %s: %w", table, err)
	}
	if len(vals) != len(p.a.Bands) {
		return nil, fmt.Errorf("%w: %s has %d values for %d bands", ErrBadEndmember, table, len(vals), len(p.a.Bands))
	}

	out := make([]float64, len(vals))
	for i, v := range vals {
		if v == nil || math.IsNaN(*v) {
			return nil, fmt.Errorf("%w: %s has no value for band %s", ErrBadEndmember, table, p.a.Bands[i])
		}
		out[i] = *v
	}
	return out, nil
}

// Endmembers reduces the three training regions concurrently.
func (p *Pipeline) Endmembers(ctx context.Context, mosaic ee.Node) (Endmembers, error) {
	tables := []string{p.a.Regions.Bare, p.a.Regions.Vegetation, p.a.Regions.Water}
	rows := make([][]float64, len(tables))

	g, gctx := errgroup.WithContext(ctx)
	for i, table := range tables {
		g.Go(func() error {
			v, err := p.regionMean(gctx, mosaic, table)
			if err != nil {
				return err
			}
			rows[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Endmembers{}, err
	}

	return Endmembers{Bare: rows[0], Vegetation: rows[1], Water: rows[2]}, nil
}

// Unmix returns the fractional abundance image with bands named ClassNames.
func (p *Pipeline) Unmix(mosaic ee.Node, em Endmembers) ee.Node {
	return ee.Rename(ee.Unmix(mosaic, em.Rows(), p.a.SumToOne, p.a.NonNegative), ClassNames...)
}

func (p *Pipeline) NDWI(mosaic ee.Node) ee.Node {
	return ee.Rename(ee.NormalizedDifference(mosaic, p.a.NDWIBands[0], p.a.NDWIBands[1]), "NDWI")
}

func (p *Pipeline) MNDWI(mosaic ee.Node) ee.Node {
	return ee.Rename(ee.NormalizedDifference(mosaic, p.a.MNDWIBands[0], p.a.MNDWIBands[1]), "MNDWI")
}

func (p *Pipeline) RGB(mosaic ee.Node) ee.Node {
	return ee.Select(mosaic, p.a.RGBBands...)
}

// MixingIndexImage is the per pixel MixingIndex of an unmixed image.
func MixingIndexImage(unmixed ee.Node) ee.Node {
	b := ee.Select(unmixed, "bare")
	v := ee.Select(unmixed, "vegetation")
	w := ee.Select(unmixed, "water")

	sum := ee.Add(
		ee.Add(ee.Abs(ee.Subtract(w, v)), ee.Abs(ee.Subtract(w, b))),
		ee.Abs(ee.Subtract(v, b)),
	)
	return ee.Rename(ee.Divide(sum, ee.ImageConstant(3)), "mixing_index")
}

// MixingIndex is the mean absolute pairwise difference of three fractions.
// It is zero when the fractions are equal and never negative.
func MixingIndex(bare, vegetation, water float64) float64 {
	return (math.Abs(water-vegetation) + math.Abs(water-bare) + math.Abs(vegetation-bare)) / 3
}

// Result holds every product of one run.
type Result struct {
	Endmembers  Endmembers
	Mosaic      ee.Node
	Unmixed     ee.Node
	NDWI        ee.Node
	MNDWI       ee.Node
	RGB         ee.Node
	MixingIndex ee.Node
}

// Image returns the product shown by the named layer.
func (r *Result) Image(name string) (ee.Node, bool) {
	switch name {
	case LayerUnmix:
		return r.Unmixed, true
	case LayerNDWI:
		return r.NDWI, true
	case LayerMNDWI:
		return r.MNDWI, true
	case LayerRGB:
		return r.RGB, true
	case LayerMixingIndex:
		return r.MixingIndex, true
	}
	return ee.Node{}, false
}

// Run executes the whole chain. Only the endmember reduction talks to the
// service; the remaining products are graphs evaluated when rendered.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	mosaic := p.Mosaic()

	em, err := p.Endmembers(ctx, mosaic)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"bare":       em.Bare,
		"vegetation": em.Vegetation,
		"water":      em.Water,
	}).Info("endmembers computed")

	unmixed := p.Unmix(mosaic, em)
	return &Result{
		Endmembers:  em,
		Mosaic:      mosaic,
		Unmixed:     unmixed,
		NDWI:        p.NDWI(mosaic),
		MNDWI:       p.MNDWI(mosaic),
		RGB:         p.RGB(mosaic),
		MixingIndex: MixingIndexImage(unmixed),
	}, nil
}
