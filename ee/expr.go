package ee

import "sort"

// Node is a value in an Earth Engine expression graph. Exactly one field is
// set. Nodes are never mutated once built; every builder returns a new one.
type Node struct {
	ConstantValue           any         `json:"constantValue,omitempty"`
	ArrayValue              *ArrayValue `json:"arrayValue,omitempty"`
	FunctionInvocationValue *Invocation `json:"functionInvocationValue,omitempty"`
	ValueReference          string      `json:"valueReference,omitempty"`
}

type ArrayValue struct {
	Values []Node `json:"values"`
}

type Invocation struct {
	FunctionName string          `json:"functionName"`
	Arguments    map[string]Node `json:"arguments,omitempty"`
}

// Expression is the request form of a graph: a single root value.
type Expression struct {
	Result string          `json:"result"`
	Values map[string]Node `json:"values"`
}

func NewExpression(root Node) Expression {
	return Expression{Result: "0", Values: map[string]Node{"0": root}}
}

func Constant(v any) Node {
	return Node{ConstantValue: v}
}

func Array(nodes ...Node) Node {
	return Node{ArrayValue: &ArrayValue{Values: nodes}}
}

func Invoke(name string, args map[string]Node) Node {
	return Node{FunctionInvocationValue: &Invocation{FunctionName: name, Arguments: args}}
}

// FunctionName returns the invoked function, or "" for non-invocations.
func (n Node) FunctionName() string {
	if n.FunctionInvocationValue == nil {
		return ""
	}
	return n.FunctionInvocationValue.FunctionName
}

// Arg returns the named argument of an invocation.
func (n Node) Arg(name string) (Node, bool) {
	if n.FunctionInvocationValue == nil {
		return Node{}, false
	}
	a, ok := n.FunctionInvocationValue.Arguments[name]
	return a, ok
}

// Find walks the graph depth first and returns every invocation of fn.
func (n Node) Find(fn string) []Node {
	var out []Node
	var walk func(Node)
	walk = func(m Node) {
		switch {
		case m.FunctionInvocationValue != nil:
			if m.FunctionInvocationValue.FunctionName == fn {
				out = append(out, m)
			}
			keys := make([]string, 0, len(m.FunctionInvocationValue.Arguments))
			for k := range m.FunctionInvocationValue.Arguments {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(m.FunctionInvocationValue.Arguments[k])
			}
		case m.ArrayValue != nil:
			for _, v := range m.ArrayValue.Values {
				walk(v)
			}
		}
	}
	walk(n)
	return out
}

// Collections and geometry

func LoadTable(id string) Node {
	return Invoke("Collection.loadTable", map[string]Node{"tableId": Constant(id)})
}

func CollectionGeometry(collection Node) Node {
	return Invoke("Collection.geometry", map[string]Node{"collection": collection})
}

func GeometryBounds(geometry Node) Node {
	return Invoke("Geometry.bounds", map[string]Node{"geometry": geometry})
}

func Point(lon, lat float64) Node {
	return Invoke("GeometryConstructors.Point", map[string]Node{"coordinates": Constant([]float64{lon, lat})})
}

// Images

func LoadImage(id string) Node {
	return Invoke("Image.load", map[string]Node{"id": Constant(id)})
}

func ImageCollection(ids []string) Node {
	imgs := make([]Node, len(ids))
	for i, id := range ids {
		imgs[i] = LoadImage(id)
	}
	return Invoke("ImageCollection.fromImages", map[string]Node{"images": Array(imgs...)})
}

func Mosaic(collection Node) Node {
	return Invoke("ImageCollection.mosaic", map[string]Node{"collection": collection})
}

func Select(img Node, bands ...string) Node {
	return Invoke("Image.select", map[string]Node{"input": img, "bandSelectors": Constant(bands)})
}

func Clip(img, geometry Node) Node {
	return Invoke("Image.clip", map[string]Node{"input": img, "geometry": geometry})
}

func Rename(img Node, names ...string) Node {
	return Invoke("Image.rename", map[string]Node{"input": img, "names": Constant(names)})
}

func ImageConstant(v float64) Node {
	return Invoke("Image.constant", map[string]Node{"value": Constant(v)})
}

func ToFloat(img Node) Node {
	return Invoke("Image.toFloat", map[string]Node{"value": img})
}

func Unmask(img Node, value float64) Node {
	return Invoke("Image.unmask", map[string]Node{"input": img, "value": ImageConstant(value)})
}

// Unmix decomposes each pixel into fractions of the endmember rows.
func Unmix(img Node, endmembers [][]float64, sumToOne, nonNegative bool) Node {
	return Invoke("Image.unmix", map[string]Node{
		"image":       img,
		"endmembers":  Constant(endmembers),
		"sumToOne":    Constant(sumToOne),
		"nonNegative": Constant(nonNegative),
	})
}

func NormalizedDifference(img Node, a, b string) Node {
	return Invoke("Image.normalizedDifference", map[string]Node{"input": img, "bandNames": Constant([]string{a, b})})
}

// Band arithmetic

func Add(a, b Node) Node {
	return Invoke("Image.add", map[string]Node{"image1": a, "image2": b})
}

func Subtract(a, b Node) Node {
	return Invoke("Image.subtract", map[string]Node{"image1": a, "image2": b})
}

func Divide(a, b Node) Node {
	return Invoke("Image.divide", map[string]Node{"image1": a, "image2": b})
}

func Abs(img Node) Node {
	return Invoke("Image.abs", map[string]Node{"value": img})
}

// Reductions

func MeanReducer() Node {
	return Invoke("Reducer.mean", nil)
}

func FirstReducer() Node {
	return Invoke("Reducer.first", nil)
}

func ReduceRegion(img, reducer, geometry Node, scale float64) Node {
	return Invoke("Image.reduceRegion", map[string]Node{
		"image":    img,
		"reducer":  reducer,
		"geometry": geometry,
		"scale":    Constant(scale),
	})
}

// DictionaryValues lists the dictionary values in the order of keys.
func DictionaryValues(dict Node, keys ...string) Node {
	args := map[string]Node{"dictionary": dict}
	if len(keys) > 0 {
		args["keys"] = Constant(keys)
	}
	return Invoke("Dictionary.values", args)
}

func AddBands(dst, src Node) Node {
	return Invoke("Image.addBands", map[string]Node{"dstImg": dst, "srcImg": src})
}
