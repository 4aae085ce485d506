package rastreader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Array is a decoded pixel block: one row-major float32 plane per band.
type Array struct {
	Width  int
	Height int
	Names  []string
	Bands  [][]float32
}

// Band returns the plane of the named band.
func (a *Array) Band(name string) ([]float32, bool) {
	for i, n := range a.Names {
		if n == name {
			return a.Bands[i], true
		}
	}
	return nil, false
}

type field struct {
	name  string
	order binary.ByteOrder
	kind  byte
	size  int
}

var (
	npyMagic     = []byte("\x93NUMPY")
	structFields = regexp.MustCompile(`\(\s*'([^']*)'\s*,\s*'([<>|=])([fiub])(\d+)'\s*\)`)
	plainDescr   = regexp.MustCompile(`'descr'\s*:\s*'([<>|=])([fiub])(\d+)'`)
	shapeRe      = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
	fortranRe    = regexp.MustCompile(`'fortran_order'\s*:\s*True`)
)

func newField(name, order, kind, size string) (field, error) {
	n, err := strconv.Atoi(size)
	if err != nil {
		return field{}, err
	}
	f := field{name: name, kind: kind[0], size: n, order: binary.LittleEndian}
	if order == ">" {
		f.order = binary.BigEndian
	}
	switch {
	case f.kind == 'f' && (n == 4 || n == 8):
	case (f.kind == 'i' || f.kind == 'u') && (n == 1 || n == 2 || n == 4 || n == 8):
	case f.kind == 'b' && n == 1:
	default:
		return field{}, fmt.Errorf("Unsupported NPY type %s%s", kind, size)
	}
	return f, nil
}

func (f field) read(b []byte) float32 {
	switch f.kind {
	case 'f':
		if f.size == 4 {
			return math.Float32frombits(f.order.Uint32(b))
		}
		return float32(math.Float64frombits(f.order.Uint64(b)))
	case 'i':
		switch f.size {
		case 1:
			return float32(int8(b[0]))
		case 2:
			return float32(int16(f.order.Uint16(b)))
		case 4:
			return float32(int32(f.order.Uint32(b)))
		default:
			return float32(int64(f.order.Uint64(b)))
		}
	case 'u':
		switch f.size {
		case 1:
			return float32(b[0])
		case 2:
			return float32(f.order.Uint16(b))
		case 4:
			return float32(f.order.Uint32(b))
		default:
			return float32(f.order.Uint64(b))
		}
	}
	if b[0] != 0 {
		return 1
	}
	return 0
}

// DecodeNPY reads a NumPy .npy payload as returned by image:computePixels.
// Structured arrays of shape (h, w) give one band per field; plain arrays of
// shape (h, w) or (h, w, n) give one or n unnamed bands.
func DecodeNPY(data []byte) (*Array, error) {
	if len(data) < 10 || !bytes.HasPrefix(data, npyMagic) {
		return nil, fmt.Errorf("Not an NPY payload")
	}

	var hdrLen, start int
	switch major := data[6]; major {
	case 1:
		hdrLen, start = int(binary.LittleEndian.Uint16(data[8:10])), 10
	case 2, 3:
		if len(data) < 12 {
			return nil, fmt.Errorf("Truncated NPY header")
		}
		hdrLen, start = int(binary.LittleEndian.Uint32(data[8:12])), 12
	default:
		return nil, fmt.Errorf("Unsupported NPY version %d", major)
	}
	if start+hdrLen > len(data) {
		return nil, fmt.Errorf("Truncated NPY header")
	}
	header := string(data[start : start+hdrLen])
	body := data[start+hdrLen:]

	if fortranRe.MatchString(header) {
		return nil, fmt.Errorf("Fortran ordered NPY arrays are not supported")
	}

	m := shapeRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("NPY header without shape: %s", header)
	}
	var shape []int
	for _, s := range strings.Split(m[1], ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("Bad NPY shape %q: %v", m[1], err)
		}
		shape = append(shape, n)
	}

	var fields []field
	bands := 1
	if strings.Contains(header, "'descr': [") || strings.Contains(header, "'descr':[") {
		for _, fm := range structFields.FindAllStringSubmatch(header, -1) {
			f, err := newField(fm[1], fm[2], fm[3], fm[4])
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return nil, fmt.Errorf("NPY structured dtype without fields: %s", header)
		}
		if len(shape) != 2 {
			return nil, fmt.Errorf("Structured NPY array must be 2D, got %v", shape)
		}
		bands = len(fields)
	} else {
		pm := plainDescr.FindStringSubmatch(header)
		if pm == nil {
			return nil, fmt.Errorf("NPY header without descr: %s", header)
		}
		switch len(shape) {
		case 2:
		case 3:
			bands = shape[2]
		default:
			return nil, fmt.Errorf("NPY array must be 2D or 3D, got %v", shape)
		}
		f, err := newField("", pm[1], pm[2], pm[3])
		if err != nil {
			return nil, err
		}
		for i := 0; i < bands; i++ {
			f.name = fmt.Sprintf("b%d", i)
			fields = append(fields, f)
		}
	}

	h, w := shape[0], shape[1]
	recSize := 0
	for _, f := range fields {
		recSize += f.size
	}
	if need := h * w * recSize; len(body) < need {
		return nil, fmt.Errorf("NPY body has %d bytes, want %d", len(body), need)
	}

	arr := &Array{Width: w, Height: h, Names: make([]string, bands), Bands: make([][]float32, bands)}
	for i, f := range fields {
		arr.Names[i] = f.name
		arr.Bands[i] = make([]float32, h*w)
	}
	for p := 0; p < h*w; p++ {
		off := p * recSize
		for i, f := range fields {
			arr.Bands[i][p] = f.read(body[off:])
			off += f.size
		}
	}

	return arr, nil
}
