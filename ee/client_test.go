package ee_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/prl900/ee_unmix/ee"
	"github.com/prl900/ee_unmix/ee/eetest"
)

func TestComputeDecodesResult(t *testing.T) {
	fake := eetest.NewFake(t)
	fake.Compute = func(root ee.Node) (any, error) {
		if got := root.FunctionName(); got != "Dictionary.values" {
			return nil, fmt.Errorf("unexpected root %q", got)
		}
		return []float64{0.1, 0.2, 0.3}, nil
	}
	c := fake.Client(t)

	img := ee.Select(ee.LoadImage("LANDSAT/LC08/C02/T1_TOA/LC08_226073_20200313"), "B2", "B3", "B4")
	root := ee.DictionaryValues(ee.ReduceRegion(img, ee.MeanReducer(), ee.CollectionGeometry(ee.LoadTable("users/x/bare1")), 30), "B2", "B3", "B4")

	var got []float64
	if err := c.Compute(context.Background(), root, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0.1, 0.2, 0.3}, got); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	reqs := fake.Requests()
	if len(reqs) != 1 || reqs[0].Path != "/projects/pantanal/value:compute" {
		t.Fatalf("requests = %+v", reqs)
	}
	if id := eetest.TableID(reqs[0].Root); id != "users/x/bare1" {
		t.Errorf("table id = %q", id)
	}
}

func TestComputeAPIError(t *testing.T) {
	fake := eetest.NewFake(t)
	fake.Compute = func(ee.Node) (any, error) {
		return nil, errors.New("Collection.loadTable: Table not found")
	}
	c := fake.Client(t)

	var out any
	err := c.Compute(context.Background(), ee.LoadTable("users/x/missing"), &out)
	var apiErr *ee.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *ee.APIError", err)
	}
	if apiErr.Status != 400 || !strings.Contains(apiErr.Message, "Table not found") {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestCreateMapAndTile(t *testing.T) {
	fake := eetest.NewFake(t)
	c := fake.Client(t)
	ctx := context.Background()

	id, err := c.CreateMap(ctx, ee.LoadImage("x"), ee.Vis{Min: 0, Max: 1, Palette: []string{"white", "#0000ff"}})
	if err != nil {
		t.Fatal(err)
	}
	if id.Name != "projects/pantanal/maps/m1" {
		t.Errorf("map name = %q", id.Name)
	}

	var body struct {
		FileFormat           string `json:"fileFormat"`
		VisualizationOptions struct {
			Ranges []struct {
				Min float64 `json:"min"`
				Max float64 `json:"max"`
			} `json:"ranges"`
			PaletteColors []string `json:"paletteColors"`
		} `json:"visualizationOptions"`
	}
	if err := json.Unmarshal(fake.Requests()[0].Body, &body); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"white", "0000ff"}, body.VisualizationOptions.PaletteColors); diff != "" {
		t.Errorf("palette (-want +got):\n%s", diff)
	}
	if len(body.VisualizationOptions.Ranges) != 1 || body.VisualizationOptions.Ranges[0].Max != 1 {
		t.Errorf("ranges = %+v", body.VisualizationOptions.Ranges)
	}

	tile, err := c.Tile(ctx, id, 7, 44, 70)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(tile), "\x89PNG") {
		t.Errorf("tile is not a PNG")
	}
	if p := fake.Requests()[1].Path; p != "/projects/pantanal/maps/m1/tiles/7/44/70" {
		t.Errorf("tile path = %q", p)
	}
}

func TestComputePixelsGrid(t *testing.T) {
	fake := eetest.NewFake(t)
	var gotGrid ee.Grid
	fake.Pixels = func(root ee.Node, grid ee.Grid, format string) ([]byte, error) {
		if format != "NPY" {
			return nil, fmt.Errorf("format %s", format)
		}
		gotGrid = grid
		return []byte("ok"), nil
	}
	c := fake.Client(t)

	grid := ee.BBoxGrid("EPSG:3857", 0, 0, 256, 512, 256, 256)
	data, err := c.ComputePixels(context.Background(), ee.LoadImage("x"), grid, "NPY")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ok" {
		t.Errorf("data = %q", data)
	}

	want := ee.Grid{
		Dimensions:      ee.Dimensions{Width: 256, Height: 256},
		AffineTransform: ee.AffineTransform{ScaleX: 1, TranslateX: 0, ScaleY: -2, TranslateY: 512},
		CrsCode:         "EPSG:3857",
	}
	if diff := cmp.Diff(want, gotGrid); diff != "" {
		t.Errorf("grid (-want +got):\n%s", diff)
	}
}

func TestFindWalksGraph(t *testing.T) {
	a := ee.Select(ee.LoadImage("a"), "water")
	b := ee.Select(ee.LoadImage("b"), "bare")
	root := ee.Divide(ee.Abs(ee.Subtract(a, b)), ee.ImageConstant(3))

	if n := len(root.Find("Image.select")); n != 2 {
		t.Errorf("found %d selects, want 2", n)
	}
	if n := len(root.Find("Image.load")); n != 2 {
		t.Errorf("found %d loads, want 2", n)
	}
	if root.FunctionName() != "Image.divide" {
		t.Errorf("root = %q", root.FunctionName())
	}
}

func TestExpressionJSON(t *testing.T) {
	b, err := json.Marshal(ee.NewExpression(ee.Rename(ee.LoadImage("x"), "NDWI")))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"result": "0",
		"values": map[string]any{
			"0": map[string]any{
				"functionInvocationValue": map[string]any{
					"functionName": "Image.rename",
					"arguments": map[string]any{
						"input": map[string]any{
							"functionInvocationValue": map[string]any{
								"functionName": "Image.load",
								"arguments":    map[string]any{"id": map[string]any{"constantValue": "x"}},
							},
						},
						"names": map[string]any{"constantValue": []any{"NDWI"}},
					},
				},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("expression (-want +got):\n%s", diff)
	}
}
