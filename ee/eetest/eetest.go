// Package eetest provides in-process fakes of the Earth Engine REST API and
// of the Google token endpoint.
package eetest

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/prl900/ee_unmix/ee"
)

const Token = "test-token"

// NewTokenServer answers every token request with Token, or with status
// when it is not 200.
func NewTokenServer(t testing.TB, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, `{"error":"invalid_grant"}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, Token)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Credentials returns a freshly keyed service account JSON pointing at tokenURL.
func Credentials(t testing.TB, tokenURL, project string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	b, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     project,
		"private_key_id": "k1",
		"private_key":    string(pemKey),
		"client_email":   "unmix@" + project + ".iam.gserviceaccount.com",
		"client_id":      "1",
		"token_uri":      tokenURL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// Request is one call received by Fake.
type Request struct {
	Method string
	Path   string
	Root   ee.Node
	Body   json.RawMessage
}

// Fake is an Earth Engine stand-in. Unset hooks fall back to simple answers.
type Fake struct {
	*httptest.Server

	Compute func(root ee.Node) (any, error)
	Pixels  func(root ee.Node, grid ee.Grid, format string) ([]byte, error)
	Tile    func(name string, z, x, y int) ([]byte, error)

	mu       sync.Mutex
	requests []Request
	maps     int
}

func NewFake(t testing.TB) *Fake {
	t.Helper()
	f := &Fake{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects/{p}/value:compute", f.compute)
	mux.HandleFunc("POST /projects/{p}/maps", f.createMap)
	mux.HandleFunc("POST /projects/{p}/image:computePixels", f.pixels)
	mux.HandleFunc("GET /projects/{p}/maps/{id}/tiles/{z}/{x}/{y}", f.tile)
	f.Server = httptest.NewServer(f.authorize(mux))
	t.Cleanup(f.Server.Close)
	return f
}

// Requests returns a copy of every call received so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

func (f *Fake) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type body struct {
	Expression ee.Expression `json:"expression"`
	FileFormat string        `json:"fileFormat"`
	Grid       ee.Grid       `json:"grid"`
}

func (f *Fake) record(r *http.Request) (body, error) {
	var raw json.RawMessage
	var b body
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return b, err
		}
		if err := json.Unmarshal(raw, &b); err != nil {
			return b, err
		}
	}
	f.mu.Lock()
	f.requests = append(f.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Root:   b.Expression.Values[b.Expression.Result],
		Body:   raw,
	})
	f.mu.Unlock()
	return b, nil
}

func (f *Fake) compute(w http.ResponseWriter, r *http.Request) {
	b, err := f.record(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var result any
	if f.Compute != nil {
		result, err = f.Compute(b.Expression.Values[b.Expression.Result])
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func (f *Fake) createMap(w http.ResponseWriter, r *http.Request) {
	if _, err := f.record(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.mu.Lock()
	f.maps++
	name := fmt.Sprintf("projects/%s/maps/m%d", r.PathValue("p"), f.maps)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"name": name})
}

func (f *Fake) pixels(w http.ResponseWriter, r *http.Request) {
	b, err := f.record(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Pixels == nil {
		writeError(w, http.StatusNotImplemented, "no pixels hook")
		return
	}
	data, err := f.Pixels(b.Expression.Values[b.Expression.Result], b.Grid, b.FileFormat)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Write(data)
}

func (f *Fake) tile(w http.ResponseWriter, r *http.Request) {
	f.record(r)
	z, _ := strconv.Atoi(r.PathValue("z"))
	x, _ := strconv.Atoi(r.PathValue("x"))
	y, _ := strconv.Atoi(r.PathValue("y"))
	name := fmt.Sprintf("projects/%s/maps/%s", r.PathValue("p"), r.PathValue("id"))

	if f.Tile != nil {
		data, err := f.Tile(name, z, x, y)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(PNG(color.NRGBA{0, 0, 255, 255}))
}

// PNG encodes a 1x1 image of c.
func PNG(c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, c)
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// TableID returns the table loaded by the first Collection.loadTable under root.
func TableID(root ee.Node) string {
	for _, n := range root.Find("Collection.loadTable") {
		if id, ok := n.Arg("tableId"); ok {
			if s, ok := id.ConstantValue.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Client authenticates against a fresh token server and returns a client
// bound to f under project "pantanal".
func (f *Fake) Client(t testing.TB) *ee.Client {
	t.Helper()
	tokens := NewTokenServer(t, http.StatusOK)
	ctx := context.Background()
	s, err := ee.Authenticate(ctx, Credentials(t, tokens.URL, "pantanal"), "")
	if err != nil {
		t.Fatal(err)
	}
	return ee.NewClient(s.HTTPClient(ctx), s.Project, ee.WithBaseURL(f.URL))
}

// NPY encodes a width x height structured array with one float32 field per
// name. vals are pixel interleaved, row major.
func NPY(names []string, width, height int, vals ...float32) []byte {
	fields := make([]string, len(names))
	for i, n := range names {
		fields[i] = fmt.Sprintf("('%s', '<f4')", n)
	}
	header := fmt.Sprintf("{'descr': [%s], 'fortran_order': False, 'shape': (%d, %d), }", strings.Join(fields, ", "), height, width)
	header += strings.Repeat(" ", 64-(10+len(header)+1)%64) + "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	for _, v := range vals {
		binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
	}
	return buf.Bytes()
}
