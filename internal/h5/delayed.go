package h5

import (
	"fmt"
	"math"
)

// DelayedVersion is written on the outermost node of a delayed array.
const DelayedVersion = "1.1.0"

// Delayed array node kinds and operations.
const (
	DelayedArray     = "array"
	DelayedOperation = "operation"

	OpArithmetic = "unary arithmetic"
	OpMath       = "unary math"

	// ExternalArray points at a matrix held in another file of the bundle.
	ExternalArray = "custom kana external matrix"
)

func init() {
	for _, name := range []string{"delayed_type", "delayed_array", "delayed_operation", "delayed_version"} {
		RegisterAttr(name, "")
	}
}

// Node is one step of a delayed array expression.
type Node interface {
	write(g *Group)
}

type seedNode struct {
	path, group string
	dims        []int
	typ         string
}

// Seed references a sparse matrix stored at group within the file at path,
// relative to the delayed array file.
func Seed(path, group string, nrow, ncol int, typ string) Node {
	return seedNode{path: path, group: group, dims: []int{nrow, ncol}, typ: typ}
}

func (s seedNode) write(g *Group) {
	g.SetAttr("delayed_type", DelayedArray)
	g.SetAttr("delayed_array", ExternalArray)
	g.Scalar("path", s.path)
	g.Scalar("group", s.group)
	g.Put("dimensions", []int32{int32(s.dims[0]), int32(s.dims[1])})
	g.Scalar("type", s.typ)
}

type arithNode struct {
	seed   Node
	method string
	side   string
	value  []float64
	along  int
}

// Arithmetic applies method ("+", "-", "*" or "/") with a scalar value.
// side "right" computes seed OP value, "left" value OP seed.
func Arithmetic(seed Node, method, side string, value float64) Node {
	return arithNode{seed: seed, method: method, side: side, value: []float64{value}, along: -1}
}

// ArithmeticAlong applies method with one value per row (along 0) or per
// column (along 1).
func ArithmeticAlong(seed Node, method, side string, values []float64, along int) Node {
	return arithNode{seed: seed, method: method, side: side, value: values, along: along}
}

func (a arithNode) write(g *Group) {
	g.SetAttr("delayed_type", DelayedOperation)
	g.SetAttr("delayed_operation", OpArithmetic)
	g.Scalar("method", a.method)
	g.Scalar("side", a.side)
	if a.along < 0 {
		g.Scalar("value", a.value[0])
	} else {
		g.Put("value", append([]float64(nil), a.value...))
		g.Scalar("along", int32(a.along))
	}
	a.seed.write(g.Group("seed"))
}

type mathNode struct {
	seed   Node
	method string
}

// Math applies an elementwise function such as "log1p".
func Math(seed Node, method string) Node {
	return mathNode{seed: seed, method: method}
}

func (m mathNode) write(g *Group) {
	g.SetAttr("delayed_type", DelayedOperation)
	g.SetAttr("delayed_operation", OpMath)
	g.Scalar("method", m.method)
	m.seed.write(g.Group("seed"))
}

// WriteDelayed stores the expression n in g.
func WriteDelayed(g *Group, n Node) {
	n.write(g)
	g.SetAttr("delayed_version", DelayedVersion)
}

// LogNormalized builds log2(1 + seed / sizeFactor) with one size factor per
// column.
func LogNormalized(seed Node, sizeFactors []float64) Node {
	scaled := ArithmeticAlong(seed, "/", "right", sizeFactors, 1)
	return Arithmetic(Math(scaled, "log1p"), "/", "right", math.Ln2)
}

// Resolver loads the dense column-major values of an external seed.
type Resolver func(path, group string) (nrow, ncol int, values []float64, err error)

// Evaluate computes a delayed array into dense column-major values.
func Evaluate(g *Group, resolve Resolver) (nrow, ncol int, values []float64, err error) {
	kind, _ := g.Attrs["delayed_type"].(string)
	switch kind {
	case DelayedArray:
		path, err := stringAt(g, "path")
		if err != nil {
			return 0, 0, nil, err
		}
		group, err := stringAt(g, "group")
		if err != nil {
			return 0, 0, nil, err
		}
		return resolve(path, group)
	case DelayedOperation:
	default:
		return 0, 0, nil, fmt.Errorf("h5: unknown delayed type %q", kind)
	}

	seed, ok := g.Groups["seed"]
	if !ok {
		return 0, 0, nil, fmt.Errorf("h5: operation without seed")
	}
	nrow, ncol, values, err = Evaluate(seed, resolve)
	if err != nil {
		return 0, 0, nil, err
	}
	method, err := stringAt(g, "method")
	if err != nil {
		return 0, 0, nil, err
	}

	op, _ := g.Attrs["delayed_operation"].(string)
	switch op {
	case OpMath:
		var f func(float64) float64
		switch method {
		case "log1p":
			f = math.Log1p
		case "log":
			f = math.Log
		case "exp":
			f = math.Exp
		case "sqrt":
			f = math.Sqrt
		default:
			return 0, 0, nil, fmt.Errorf("h5: unknown math method %q", method)
		}
		for i, v := range values {
			values[i] = f(v)
		}
	case OpArithmetic:
		if err := applyArithmetic(g, method, nrow, ncol, values); err != nil {
			return 0, 0, nil, err
		}
	default:
		return 0, 0, nil, fmt.Errorf("h5: unknown delayed operation %q", op)
	}
	return nrow, ncol, values, nil
}

func applyArithmetic(g *Group, method string, nrow, ncol int, values []float64) error {
	side, err := stringAt(g, "side")
	if err != nil {
		return err
	}
	vd, ok := g.Datasets["value"]
	if !ok {
		return fmt.Errorf("h5: arithmetic without value")
	}
	operand, err := vd.Float64s()
	if err != nil {
		return err
	}
	along := -1
	if ad, ok := g.Datasets["along"]; ok {
		a, err := ad.Float64s()
		if err != nil || len(a) != 1 {
			return fmt.Errorf("h5: bad along")
		}
		along = int(a[0])
	}

	var f func(x, y float64) float64
	switch method {
	case "+":
		f = func(x, y float64) float64 { return x + y }
	case "-":
		f = func(x, y float64) float64 { return x - y }
	case "*":
		f = func(x, y float64) float64 { return x * y }
	case "/":
		f = func(x, y float64) float64 { return x / y }
	default:
		return fmt.Errorf("h5: unknown arithmetic method %q", method)
	}

	switch {
	case along < 0 && len(operand) != 1,
		along == 0 && len(operand) != nrow,
		along == 1 && len(operand) != ncol,
		along > 1:
		return fmt.Errorf("h5: %d values do not fit a %dx%d array along %d", len(operand), nrow, ncol, along)
	}
	for j := 0; j < ncol; j++ {
		for i := 0; i < nrow; i++ {
			v := operand[0]
			switch along {
			case 0:
				v = operand[i]
			case 1:
				v = operand[j]
			}
			k := j*nrow + i
			if side == "left" {
				values[k] = f(v, values[k])
			} else {
				values[k] = f(values[k], v)
			}
		}
	}
	return nil
}

func stringAt(g *Group, name string) (string, error) {
	d, ok := g.Datasets[name]
	if !ok {
		return "", fmt.Errorf("h5: missing %q", name)
	}
	return d.String()
}
