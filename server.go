package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/terrascope/geometry"

	"github.com/prl900/ee_unmix/config"
	"github.com/prl900/ee_unmix/ee"
	"github.com/prl900/ee_unmix/rastreader"
	"github.com/prl900/ee_unmix/unmix"
)

var errUnknownLayer = errors.New("layer not found")

type server struct {
	cfg    *config.Config
	dash   *dashboard
	tplDir string
	static string
}

func newServer(cfg *config.Config, dash *dashboard) *server {
	return &server{cfg: cfg, dash: dash, tplDir: "templates", static: "static"}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.static))))
	mux.HandleFunc("GET /{$}", s.index)
	mux.HandleFunc("GET /tiles/{layer}/{z}/{x}/{y}", s.tile)
	mux.HandleFunc("GET /wms", s.wms)
	mux.HandleFunc("GET /api/endmembers", s.endmembers)
	mux.HandleFunc("GET /api/sample", s.sample)
	mux.HandleFunc("GET /healthz", s.healthz)
	return logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"request_id": id,
			"method":     r.Method,
			"url":        r.URL.String(),
			"status":     rec.status,
			"elapsed":    time.Since(start).Round(time.Millisecond),
		}).Info("request")
	})
}

// remoteStatus maps a pipeline error to an HTTP status.
func remoteStatus(err error) int {
	var apiErr *ee.APIError
	var authErr authError
	switch {
	case errors.Is(err, errUnknownLayer):
		return http.StatusNotFound
	case errors.Is(err, rastreader.ErrTooFine):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type layerView struct {
	Name  string
	Title string
	Shown bool
	URL   string
}

type sectionView struct {
	Heading    string
	Background template.CSS
	Body       template.HTML
	Images     []config.Image
}

type pageView struct {
	Title     string
	Sections  []sectionView
	ScriptURL string
	Height    int
	Error     string
	Lon, Lat  float64
	Zoom      int
	Layers    []layerView
}

func (s *server) index(w http.ResponseWriter, r *http.Request) {
	page := pageView{
		Title:     s.cfg.Page.Title,
		ScriptURL: s.cfg.Page.ScriptURL,
		Height:    s.cfg.Page.Height,
		Zoom:      s.cfg.Analysis.Zoom,
	}
	for _, sec := range s.cfg.Page.Sections {
		bg := sec.Background
		if bg == "" {
			bg = config.Banner
		}
		page.Sections = append(page.Sections, sectionView{
			Heading:    sec.Heading,
			Background: template.CSS(bg),
			Body:       template.HTML(sec.Body),
			Images:     sec.Images,
		})
	}

	status := http.StatusOK
	a, err := s.dash.analysis(r.Context())
	if err != nil {
		log.WithError(err).Error("analysis failed")
		page.Error = err.Error()
		status = remoteStatus(err)
	} else {
		page.Lon, page.Lat = unmix.Center(a.bbox)
		for _, l := range a.layers {
			page.Layers = append(page.Layers, layerView{
				Name:  l.Name,
				Title: l.Title,
				Shown: l.Shown,
				URL:   "/tiles/" + l.Name + "/{z}/{x}/{y}",
			})
		}
	}

	tpl, err := template.ParseFiles(filepath.Join(s.tplDir, "index.html.tpl"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error trying to parse template document: %v", err), 500)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tpl.Execute(w, page); err != nil {
		log.WithError(err).Error("Error executing template")
	}
}

func (s *server) tile(w http.ResponseWriter, r *http.Request) {
	var zxy [3]int
	for i, p := range []string{"z", "x", "y"} {
		v, err := strconv.Atoi(strings.TrimSuffix(r.PathValue(p), ".png"))
		if err != nil || v < 0 {
			http.Error(w, fmt.Sprintf("Malformed tile request: %s", r.URL.Path), 400)
			return
		}
		zxy[i] = v
	}
	if max := 1 << zxy[0]; zxy[0] > 24 || zxy[1] >= max || zxy[2] >= max {
		http.Error(w, fmt.Sprintf("Tile out of range: %v", zxy), 400)
		return
	}

	data, err := s.dash.tile(r.Context(), r.PathValue("layer"), zxy[0], zxy[1], zxy[2])
	if err != nil {
		http.Error(w, err.Error(), remoteStatus(err))
		return
	}

	// Enable browser and intermediate caching
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

// wmsParams lower cases the query keys, WMS parameter names are case
// insensitive.
func wmsParams(r *http.Request) map[string]string {
	out := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

type capabilities struct {
	Layers rastreader.Layers
	Geo    geometry.BoundingBox
	Merc   geometry.BoundingBox
}

func (s *server) wms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	params := wmsParams(r)
	if strings.EqualFold(params["request"], "GetCapabilities") {
		a, err := s.dash.analysis(r.Context())
		if err != nil {
			http.Error(w, err.Error(), remoteStatus(err))
			return
		}
		merc, err := rastreader.ToWebMercator(a.bbox)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		err = ExecuteWriteTemplateFile(w, capabilities{Layers: a.layers, Geo: a.bbox, Merc: merc}, filepath.Join(s.tplDir, "WMS_GetCapabilities.tpl"))
		if err != nil {
			log.WithError(err).Error("capabilities")
		}
		return
	}

	crs := params["crs"]
	if crs == "" {
		crs = params["srs"]
	}
	if !strings.EqualFold(params["service"], "WMS") || !strings.EqualFold(params["request"], "GetMap") || crs != rastreader.CRSWebMerc {
		http.Error(w, "Malformed WMS GetMap request", 400)
		return
	}

	bboxCoords := strings.Split(params["bbox"], ",")
	if len(bboxCoords) != 4 {
		http.Error(w, "Malformed WMS GetMap request", 400)
		return
	}

	var err error
	pts := make([]float64, 4)
	for i, bboxCoord := range bboxCoords {
		pts[i], err = strconv.ParseFloat(strings.TrimSpace(bboxCoord), 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("Malformed WMS GetMap request: %v", err), 400)
			return
		}
	}
	if pts[2] <= pts[0] || pts[3] <= pts[1] {
		http.Error(w, "Malformed WMS GetMap request: empty bbox", 400)
		return
	}

	bbox := geometry.BBox(pts[0], pts[1], pts[2], pts[3])

	if bbox.Area() > s.cfg.WMS.MaxArea {
		http.Error(w, fmt.Sprintf("Too big area: %f", bbox.Area()), 413)
		return
	}

	width, err := strconv.Atoi(params["width"])
	if err != nil || width <= 0 || width > s.cfg.WMS.MaxSize {
		http.Error(w, fmt.Sprintf("Malformed WMS GetMap request: width %q", params["width"]), 400)
		return
	}

	height, err := strconv.Atoi(params["height"])
	if err != nil || height <= 0 || height > s.cfg.WMS.MaxSize {
		http.Error(w, fmt.Sprintf("Malformed WMS GetMap request: height %q", params["height"]), 400)
		return
	}

	name := strings.Split(params["layers"], ",")[0]
	layer, ok := s.cfg.Layers.Get(name)
	if !ok {
		http.Error(w, fmt.Sprintf("Layer not found: %q", name), 400)
		return
	}

	a, err := s.dash.analysis(r.Context())
	if err != nil {
		http.Error(w, err.Error(), remoteStatus(err))
		return
	}
	img, _ := a.res.Image(layer.Name)

	tile, err := rastreader.GenerateTile(r.Context(), s.dash.client, layer, img, width, height, bbox, s.cfg.WMS.MinResolution)
	if err != nil {
		log.WithError(err).WithField("layer", layer.Name).Error("GetMap")
		http.Error(w, err.Error(), remoteStatus(err))
		return
	}

	// Enable browser and intermediate caching
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Type", "image/png")

	err = png.Encode(w, tile)
	if err != nil {
		log.WithError(err).Error("Error PNG encoding tile")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) endmembers(w http.ResponseWriter, r *http.Request) {
	a, err := s.dash.analysis(r.Context())
	if err != nil {
		writeJSON(w, remoteStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{
		"bands":      s.cfg.Analysis.Bands,
		"classes":    unmix.ClassNames,
		"endmembers": a.res.Endmembers,
	})
}

func (s *server) sample(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	if errLon != nil || errLat != nil {
		writeJSON(w, 400, map[string]string{"error": "lon and lat are required numbers"})
		return
	}

	a, err := s.dash.analysis(r.Context())
	if err != nil {
		writeJSON(w, remoteStatus(err), map[string]string{"error": err.Error()})
		return
	}
	smp, err := s.dash.pipe.Sample(r.Context(), a.res, lon, lat)
	if err != nil {
		status := remoteStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, smp)
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.dash.authErr != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unauthenticated", "error": s.dash.authErr.Error()})
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func ExecuteWriteTemplateFile(w io.Writer, data interface{}, filePath string) error {
	tplStr, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("Error trying to read %s file: %v", filePath, err)
	}
	tpl, err := texttemplate.New("template").Parse(string(tplStr))
	if err != nil {
		return fmt.Errorf("Error trying to parse template document: %v", err)
	}
	err = tpl.Execute(w, data)
	if err != nil {
		return fmt.Errorf("Error executing template: %v", err)
	}

	return nil
}
