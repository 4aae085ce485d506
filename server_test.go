package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/prl900/ee_unmix/config"
	"github.com/prl900/ee_unmix/ee"
	"github.com/prl900/ee_unmix/ee/eetest"
	"github.com/prl900/ee_unmix/rastreader"
	"github.com/prl900/ee_unmix/tilecache"
	"github.com/prl900/ee_unmix/unmix"
)

const credsEnv = "UNMIX_SERVER_TEST_CREDS"

var testMeans = map[string][]float64{
	"users/jonaspimentel97/bare1":       {0.11, 0.12, 0.14, 0.22, 0.28, 0.25},
	"users/jonaspimentel97/vegetation1": {0.07, 0.08, 0.06, 0.35, 0.18, 0.09},
	"users/jonaspimentel97/water1":      {0.09, 0.07, 0.05, 0.03, 0.02, 0.01},
}

// earthEngine answers the calls the dashboard makes.
func earthEngine(root ee.Node) (any, error) {
	switch root.FunctionName() {
	case "Dictionary.values":
		rr := root.Find("Image.reduceRegion")[0]
		geom, _ := rr.Arg("geometry")
		id := eetest.TableID(geom)
		v, ok := testMeans[id]
		if !ok {
			return nil, fmt.Errorf("Table not found: %s", id)
		}
		return v, nil
	case "Geometry.bounds":
		return map[string]any{
			"type": "Polygon",
			"coordinates": [][][2]float64{{
				{-59.0, -22.0}, {-54.0, -22.0}, {-54.0, -15.0}, {-59.0, -15.0}, {-59.0, -22.0},
			}},
		}, nil
	case "Image.reduceRegion":
		return map[string]any{"bare": 0.2, "vegetation": 0.2, "water": 0.6, "NDWI": 0.3, "MNDWI": 0.45}, nil
	}
	return nil, fmt.Errorf("unexpected %s", root.FunctionName())
}

func testConfig(t *testing.T, fake *eetest.Fake) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CredentialsEnv = credsEnv
	cfg.CredentialsFile = ""
	cfg.Project = "pantanal"
	cfg.BaseURL = fake.URL
	return cfg
}

func newTestDashboard(t *testing.T, mutate func(*config.Config)) (*dashboard, *eetest.Fake, *tilecache.Memory) {
	t.Helper()
	fake := eetest.NewFake(t)
	fake.Compute = earthEngine
	tokens := eetest.NewTokenServer(t, http.StatusOK)
	t.Setenv(credsEnv, string(eetest.Credentials(t, tokens.URL, "pantanal")))

	cfg := testConfig(t, fake)
	if mutate != nil {
		mutate(cfg)
	}
	mem := tilecache.NewMemory(16)
	return newDashboard(context.Background(), cfg, mem), fake, mem
}

func newTestServer(t *testing.T) (http.Handler, *eetest.Fake) {
	t.Helper()
	dash, fake, _ := newTestDashboard(t, nil)
	return newServer(dash.cfg, dash).routes(), fake
}

func get(h http.Handler, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	return w
}

func TestMissingCredentials(t *testing.T) {
	fake := eetest.NewFake(t)
	t.Setenv(credsEnv, "")
	cfg := testConfig(t, fake)
	h := newServer(cfg, newDashboard(context.Background(), cfg, tilecache.NewMemory(16))).routes()

	w := get(h, "/")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Erro ao autenticar") {
		t.Error("page does not show the authentication error")
	}
	if !strings.Contains(w.Body.String(), "Contextualização") {
		t.Error("page lost its sidebar")
	}

	for _, url := range []string{"/tiles/ndwi/7/44/70", "/api/endmembers", "/api/sample?lon=-57&lat=-19", "/healthz"} {
		if w := get(h, url); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", url, w.Code)
		}
	}
	if n := len(fake.Requests()); n != 0 {
		t.Errorf("%d requests reached Earth Engine", n)
	}
}

func TestIndexPage(t *testing.T) {
	h, fake := newTestServer(t)

	w := get(h, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	body := w.Body.String()
	for _, want := range []string{"Modelo Linear de Mistura Espectral", "MNDWI", "Mixing Index", "tiles", "code.earthengine.google.com"} {
		if !strings.Contains(body, want) {
			t.Errorf("page misses %q", want)
		}
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("no request id")
	}

	// three reductions, the bounds and one map per layer
	n := len(fake.Requests())
	if n != 3+1+5 {
		t.Errorf("%d requests, want 9", n)
	}
	get(h, "/")
	if m := len(fake.Requests()); m != n {
		t.Errorf("second page load made %d more requests", m-n)
	}
}

func TestTileProxyCaches(t *testing.T) {
	h, fake := newTestServer(t)

	first := get(h, "/tiles/ndwi/7/44/70")
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", first.Code, first.Body)
	}
	if ct := first.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %s", ct)
	}
	if _, err := png.Decode(first.Body); err != nil {
		t.Fatal(err)
	}
	n := len(fake.Requests())
	if last := fake.Requests()[n-1]; !strings.HasSuffix(last.Path, "/tiles/7/44/70") {
		t.Errorf("last request = %s", last.Path)
	}

	if second := get(h, "/tiles/ndwi/7/44/70"); second.Code != http.StatusOK {
		t.Fatalf("cached status = %d", second.Code)
	}
	if m := len(fake.Requests()); m != n {
		t.Errorf("cached tile made %d requests", m-n)
	}
}

func TestTileKeyCarriesConfigVersion(t *testing.T) {
	dash, _, mem := newTestDashboard(t, nil)
	h := newServer(dash.cfg, dash).routes()

	if w := get(h, "/tiles/ndwi/7/44/70"); w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	key := tilecache.Key(dash.cfg.Fingerprint(), "ndwi", 7, 44, 70)
	if _, ok, _ := mem.Get(context.Background(), key); !ok {
		t.Errorf("tile not cached under %s", key)
	}

	// a tile rendered under another configuration is never served
	stale := tilecache.Key("00000000", "mndwi", 7, 44, 70)
	mem.Put(context.Background(), stale, []byte("stale"))
	w := get(h, "/tiles/mndwi/7/44/70")
	if w.Code != http.StatusOK || w.Body.String() == "stale" {
		t.Errorf("served the stale tile: %d %q", w.Code, w.Body)
	}
}

func TestUnknownLayerMakesNoRemoteCalls(t *testing.T) {
	dash, fake, _ := newTestDashboard(t, func(cfg *config.Config) {
		cfg.Layers = append(cfg.Layers, rastreader.Layer{Name: "ndvi", Bands: []string{"NDVI"}, MaxVal: 1})
	})
	h := newServer(dash.cfg, dash).routes()

	if w := get(h, "/"); w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "ndvi") {
		t.Errorf("status = %d", w.Code)
	}
	if w := get(h, "/tiles/ndwi/7/44/70"); w.Code != http.StatusInternalServerError {
		t.Errorf("tile status = %d", w.Code)
	}
	if n := len(fake.Requests()); n != 0 {
		t.Errorf("%d requests reached Earth Engine", n)
	}
}

func TestFailedAnalysisIsHeldUntilRetry(t *testing.T) {
	var healthy atomic.Bool
	failBounds := func(root ee.Node) (any, error) {
		if root.FunctionName() == "Geometry.bounds" && !healthy.Load() {
			return nil, fmt.Errorf("Collection.loadTable: table not found")
		}
		return earthEngine(root)
	}

	dash, fake, _ := newTestDashboard(t, nil)
	fake.Compute = failBounds
	h := newServer(dash.cfg, dash).routes()

	if w := get(h, "/"); w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	n := len(fake.Requests())
	if n != 3+1 {
		t.Errorf("%d requests, want 4", n)
	}
	for _, url := range []string{"/", "/tiles/ndwi/7/44/70", "/api/endmembers"} {
		if w := get(h, url); w.Code != http.StatusBadGateway {
			t.Errorf("%s status = %d, want 502", url, w.Code)
		}
	}
	if m := len(fake.Requests()); m != n {
		t.Errorf("failed analysis retried at once: %d more requests", m-n)
	}

	// once the retry window is over the analysis is rebuilt
	dash.cfg.RetryAfter = 0
	healthy.Store(true)
	if w := get(h, "/"); w.Code != http.StatusOK {
		t.Errorf("status after retry = %d: %s", w.Code, w.Body)
	}
}

func TestTileErrors(t *testing.T) {
	h, _ := newTestServer(t)
	tests := []struct {
		url  string
		want int
	}{
		{"/tiles/ndwi/7/x/70", 400},
		{"/tiles/ndwi/2/4/0", 400},
		{"/tiles/nope/7/44/70", 404},
	}
	for _, tc := range tests {
		if w := get(h, tc.url); w.Code != tc.want {
			t.Errorf("%s status = %d, want %d", tc.url, w.Code, tc.want)
		}
	}
}

func TestWMSGetMap(t *testing.T) {
	h, fake := newTestServer(t)
	fake.Pixels = func(root ee.Node, grid ee.Grid, format string) ([]byte, error) {
		if format != "NPY" || grid.CrsCode != "EPSG:3857" {
			return nil, fmt.Errorf("unexpected %s in %s", format, grid.CrsCode)
		}
		return eetest.NPY([]string{"NDWI"}, grid.Dimensions.Width, grid.Dimensions.Height, 0, 0.5, 1, -9999), nil
	}

	const base = "/wms?SERVICE=WMS&REQUEST=GetMap&CRS=EPSG:3857&LAYERS=ndwi"
	w := get(h, base+"&BBOX=-6300000,-2200000,-6298000,-2198000&WIDTH=2&HEIGHT=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Errorf("bounds = %v", b)
	}

	tests := []struct {
		name, query string
		want        int
	}{
		{"no bbox", "&WIDTH=2&HEIGHT=2", 400},
		{"bad bbox", "&BBOX=a,b,c,d&WIDTH=2&HEIGHT=2", 400},
		{"too big", "&BBOX=-7000000,-3000000,-5000000,-1000000&WIDTH=256&HEIGHT=256", 413},
		{"too large", "&BBOX=-6300000,-2200000,-6298000,-2198000&WIDTH=5000&HEIGHT=2", 400},
		{"too fine", "&BBOX=-6300000,-2200000,-6299999,-2199999&WIDTH=256&HEIGHT=256", 400},
	}
	for _, tc := range tests {
		if w := get(h, base+tc.query); w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.want)
		}
	}
	if w := get(h, "/wms?SERVICE=WMS&REQUEST=GetMap&CRS=EPSG:4326&LAYERS=ndwi&BBOX=0,0,1,1&WIDTH=2&HEIGHT=2"); w.Code != 400 {
		t.Errorf("EPSG:4326 status = %d", w.Code)
	}
	if w := get(h, "/wms?service=wms&request=GetMap&crs=EPSG:3857&layers=nope&bbox=-6300000,-2200000,-6298000,-2198000&width=2&height=2"); w.Code != 400 {
		t.Errorf("unknown layer status = %d", w.Code)
	}
}

func TestWMSGetCapabilities(t *testing.T) {
	h, _ := newTestServer(t)

	w := get(h, "/wms?service=WMS&request=GetCapabilities")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	body := w.Body.String()
	for _, want := range []string{"<Name>unmix</Name>", "<Name>mixing_index</Name>", "<westBoundLongitude>-59</westBoundLongitude>"} {
		if !strings.Contains(body, want) {
			t.Errorf("capabilities miss %q", want)
		}
	}
}

func TestEndmembersAPI(t *testing.T) {
	h, _ := newTestServer(t)

	w := get(h, "/api/endmembers")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var got struct {
		Bands      []string         `json:"bands"`
		Classes    []string         `json:"classes"`
		Endmembers unmix.Endmembers `json:"endmembers"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := unmix.Endmembers{
		Bare:       testMeans["users/jonaspimentel97/bare1"],
		Vegetation: testMeans["users/jonaspimentel97/vegetation1"],
		Water:      testMeans["users/jonaspimentel97/water1"],
	}
	if diff := cmp.Diff(want, got.Endmembers); diff != "" {
		t.Errorf("endmembers (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bare", "vegetation", "water"}, got.Classes); diff != "" {
		t.Errorf("classes (-want +got):\n%s", diff)
	}
}

func TestSampleAPI(t *testing.T) {
	h, _ := newTestServer(t)

	w := get(h, "/api/sample?lon=-57.5&lat=-19")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var s unmix.Sample
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if !s.Inside || s.MixingIndex == nil {
		t.Fatalf("sample = %+v", s)
	}
	// (0 + 0.4 + 0.4) / 3
	if d := *s.MixingIndex - 0.8/3; d > 1e-9 || d < -1e-9 {
		t.Errorf("mixing index = %v", *s.MixingIndex)
	}

	for _, url := range []string{"/api/sample?lon=x&lat=1", "/api/sample?lon=200&lat=0"} {
		if w := get(h, url); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", url, w.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t)
	if w := get(h, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
