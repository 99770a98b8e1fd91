// Package expr implements the expression language embedded in option
// values: arithmetic, comparison, boolean logic, string operations and
// a small function set, evaluated after variable substitution.
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind discriminates evaluated values.
type ValueKind int

const (
	KindInt ValueKind = iota
	KindFloat
	KindString
	KindBool
)

// Value is the result of evaluating an expression.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

// IntValue, FloatValue, StringValue and BoolValue build typed values.
func IntValue(i int64) Value      { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value  { return Value{Kind: KindFloat, Float: f} }
func StringValue(s string) Value  { return Value{Kind: KindString, Str: s} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }

// String renders the value the way it is spliced back into option text.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return v.Str
	}
}

func (v Value) isNumber() bool { return v.Kind == KindInt || v.Kind == KindFloat }

func (v Value) asFloat() float64 {
	if v.Kind == KindInt {
		return float64(v.Int)
	}
	return v.Float
}

// Truthy follows the conventional rules: zero, empty string and false
// are falsy, everything else truthy.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindInt:
		return v.Int != 0
	case KindFloat:
		return v.Float != 0
	case KindString:
		return v.Str != ""
	default:
		return v.Bool
	}
}

// EvalError is a structured evaluation failure: unknown identifier,
// division by zero, type mismatch, malformed syntax.
type EvalError struct {
	Pos int
	Msg string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression error at %d: %s", e.Pos, e.Msg)
}

// Eval parses and evaluates one expression. Variable substitution is
// expected to have happened already (see Interpolate).
func Eval(src string) (Value, error) {
	n, err := newParser(src).parse()
	if err != nil {
		return Value{}, err
	}
	return eval(n)
}

func eval(n node) (Value, error) {
	switch n := n.(type) {
	case *numberLit:
		if n.isInt {
			return IntValue(n.i), nil
		}
		return FloatValue(n.f), nil
	case *stringLit:
		return StringValue(n.s), nil
	case *boolLit:
		return BoolValue(n.b), nil
	case *identExpr:
		return Value{}, &EvalError{Pos: n.pos, Msg: "unknown identifier " + strconv.Quote(n.name)}
	case *prefixExpr:
		return evalPrefix(n)
	case *infixExpr:
		return evalInfix(n)
	case *callExpr:
		return evalCall(n)
	}
	return Value{}, &EvalError{Msg: fmt.Sprintf("unsupported node %T", n)}
}

func evalPrefix(n *prefixExpr) (Value, error) {
	right, err := eval(n.right)
	if err != nil {
		return Value{}, err
	}
	switch n.op {
	case tMinus:
		switch right.Kind {
		case KindInt:
			return IntValue(-right.Int), nil
		case KindFloat:
			return FloatValue(-right.Float), nil
		}
		return Value{}, &EvalError{Msg: "unary minus on non-number"}
	case tNot:
		return BoolValue(!right.Truthy()), nil
	}
	return Value{}, &EvalError{Msg: "unsupported prefix operator"}
}

func evalInfix(n *infixExpr) (Value, error) {
	// and/or short-circuit before the right side is evaluated.
	if n.typ == tAnd || n.typ == tOr {
		left, err := eval(n.left)
		if err != nil {
			return Value{}, err
		}
		if n.typ == tAnd && !left.Truthy() {
			return BoolValue(false), nil
		}
		if n.typ == tOr && left.Truthy() {
			return BoolValue(true), nil
		}
		right, err := eval(n.right)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(right.Truthy()), nil
	}

	left, err := eval(n.left)
	if err != nil {
		return Value{}, err
	}
	right, err := eval(n.right)
	if err != nil {
		return Value{}, err
	}

	switch n.typ {
	case tPlus:
		if left.Kind == KindString || right.Kind == KindString {
			return StringValue(left.String() + right.String()), nil
		}
		return numericOp(n, left, right)
	case tMinus, tStar, tSlash, tPercent, tFloorDiv:
		return numericOp(n, left, right)
	case tEQ:
		eq, err := valuesEqual(n, left, right)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(eq), nil
	case tNE:
		eq, err := valuesEqual(n, left, right)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(!eq), nil
	case tLT, tLE, tGT, tGE:
		return compare(n, left, right)
	case tIn:
		if left.Kind != KindString || right.Kind != KindString {
			return Value{}, &EvalError{Pos: n.pos, Msg: "in requires strings"}
		}
		return BoolValue(strings.Contains(right.Str, left.Str)), nil
	}
	return Value{}, &EvalError{Pos: n.pos, Msg: "unsupported operator " + n.op}
}

func numericOp(n *infixExpr, left, right Value) (Value, error) {
	if !left.isNumber() || !right.isNumber() {
		return Value{}, &EvalError{Pos: n.pos, Msg: n.op + " requires numbers"}
	}

	if left.Kind == KindInt && right.Kind == KindInt {
		a, b := left.Int, right.Int
		switch n.typ {
		case tPlus:
			return IntValue(a + b), nil
		case tMinus:
			return IntValue(a - b), nil
		case tStar:
			return IntValue(a * b), nil
		case tPercent:
			if b == 0 {
				return Value{}, &EvalError{Pos: n.pos, Msg: "division by zero"}
			}
			return IntValue(a % b), nil
		case tFloorDiv:
			if b == 0 {
				return Value{}, &EvalError{Pos: n.pos, Msg: "division by zero"}
			}
			return IntValue(int64(math.Floor(float64(a) / float64(b)))), nil
		case tSlash:
			if b == 0 {
				return Value{}, &EvalError{Pos: n.pos, Msg: "division by zero"}
			}
			if a%b == 0 {
				return IntValue(a / b), nil
			}
			return FloatValue(float64(a) / float64(b)), nil
		}
	}

	a, b := left.asFloat(), right.asFloat()
	switch n.typ {
	case tPlus:
		return FloatValue(a + b), nil
	case tMinus:
		return FloatValue(a - b), nil
	case tStar:
		return FloatValue(a * b), nil
	case tSlash:
		if b == 0 {
			return Value{}, &EvalError{Pos: n.pos, Msg: "division by zero"}
		}
		return FloatValue(a / b), nil
	case tPercent:
		if b == 0 {
			return Value{}, &EvalError{Pos: n.pos, Msg: "division by zero"}
		}
		return FloatValue(math.Mod(a, b)), nil
	case tFloorDiv:
		if b == 0 {
			return Value{}, &EvalError{Pos: n.pos, Msg: "division by zero"}
		}
		return FloatValue(math.Floor(a / b)), nil
	}
	return Value{}, &EvalError{Pos: n.pos, Msg: "unsupported operator " + n.op}
}

func valuesEqual(n *infixExpr, left, right Value) (bool, error) {
	if left.isNumber() && right.isNumber() {
		return left.asFloat() == right.asFloat(), nil
	}
	if left.Kind == KindString && right.Kind == KindString {
		return left.Str == right.Str, nil
	}
	if left.Kind == KindBool && right.Kind == KindBool {
		return left.Bool == right.Bool, nil
	}
	return false, &EvalError{Pos: n.pos, Msg: "cannot compare " + kindName(left.Kind) + " and " + kindName(right.Kind)}
}

func compare(n *infixExpr, left, right Value) (Value, error) {
	var cmp int
	switch {
	case left.isNumber() && right.isNumber():
		a, b := left.asFloat(), right.asFloat()
		switch {
		case a < b:
			cmp = -1
		case a > b:
			cmp = 1
		}
	case left.Kind == KindString && right.Kind == KindString:
		cmp = strings.Compare(left.Str, right.Str)
	default:
		return Value{}, &EvalError{Pos: n.pos, Msg: "cannot order " + kindName(left.Kind) + " and " + kindName(right.Kind)}
	}
	switch n.typ {
	case tLT:
		return BoolValue(cmp < 0), nil
	case tLE:
		return BoolValue(cmp <= 0), nil
	case tGT:
		return BoolValue(cmp > 0), nil
	default:
		return BoolValue(cmp >= 0), nil
	}
}

func kindName(k ValueKind) string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "bool"
	}
}

func evalCall(n *callExpr) (Value, error) {
	args := make([]Value, len(n.args))
	// if() evaluates its condition first and only the selected branch,
	// so unresolved branches do not poison the result.
	if n.name == "if" {
		if len(n.args) != 3 {
			return Value{}, &EvalError{Pos: n.pos, Msg: "if takes (cond, a, b)"}
		}
		cond, err := eval(n.args[0])
		if err != nil {
			return Value{}, err
		}
		if cond.Truthy() {
			return eval(n.args[1])
		}
		return eval(n.args[2])
	}
	for i, a := range n.args {
		v, err := eval(a)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}

	switch n.name {
	case "int":
		return callInt(n, args)
	case "float":
		if len(args) != 1 {
			return Value{}, &EvalError{Pos: n.pos, Msg: "float takes one argument"}
		}
		switch args[0].Kind {
		case KindInt:
			return FloatValue(float64(args[0].Int)), nil
		case KindFloat:
			return args[0], nil
		case KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(args[0].Str), 64)
			if err != nil {
				return Value{}, &EvalError{Pos: n.pos, Msg: "float: " + strconv.Quote(args[0].Str)}
			}
			return FloatValue(f), nil
		}
		return Value{}, &EvalError{Pos: n.pos, Msg: "float on bool"}
	case "str":
		if len(args) != 1 {
			return Value{}, &EvalError{Pos: n.pos, Msg: "str takes one argument"}
		}
		return StringValue(args[0].String()), nil
	case "round":
		if len(args) != 1 || !args[0].isNumber() {
			return Value{}, &EvalError{Pos: n.pos, Msg: "round takes one number"}
		}
		return IntValue(int64(math.Round(args[0].asFloat()))), nil
	case "min", "max":
		return callMinMax(n, args)
	case "format":
		return callFormat(n, args)
	}
	return Value{}, &EvalError{Pos: n.pos, Msg: "unknown function " + strconv.Quote(n.name)}
}

func callInt(n *callExpr, args []Value) (Value, error) {
	if len(args) != 1 {
		return Value{}, &EvalError{Pos: n.pos, Msg: "int takes one argument"}
	}
	switch args[0].Kind {
	case KindInt:
		return args[0], nil
	case KindFloat:
		return IntValue(int64(args[0].Float)), nil
	case KindString:
		s := strings.TrimSpace(args[0].Str)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return IntValue(i), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return IntValue(int64(f)), nil
		}
		return Value{}, &EvalError{Pos: n.pos, Msg: "int: " + strconv.Quote(args[0].Str)}
	case KindBool:
		if args[0].Bool {
			return IntValue(1), nil
		}
		return IntValue(0), nil
	}
	return Value{}, &EvalError{Pos: n.pos, Msg: "int: unsupported value"}
}

func callMinMax(n *callExpr, args []Value) (Value, error) {
	if len(args) < 1 {
		return Value{}, &EvalError{Pos: n.pos, Msg: n.name + " needs at least one argument"}
	}
	best := args[0]
	for _, v := range args {
		if !v.isNumber() {
			return Value{}, &EvalError{Pos: n.pos, Msg: n.name + " requires numbers"}
		}
		if n.name == "min" && v.asFloat() < best.asFloat() {
			best = v
		}
		if n.name == "max" && v.asFloat() > best.asFloat() {
			best = v
		}
	}
	return best, nil
}

// callFormat implements format(value, spec) with the padding/width
// subset of a conventional format-spec mini-language: [fill][width]
// with an optional .precision for floats ("02" zero-pads to width 2).
func callFormat(n *callExpr, args []Value) (Value, error) {
	if len(args) != 2 || args[1].Kind != KindString {
		return Value{}, &EvalError{Pos: n.pos, Msg: "format takes (value, spec)"}
	}
	spec := args[1].Str
	zero := strings.HasPrefix(spec, "0") && len(spec) > 1
	if zero {
		spec = spec[1:]
	}
	widthStr, precStr, hasPrec := strings.Cut(spec, ".")
	width := 0
	if widthStr != "" {
		w, err := strconv.Atoi(widthStr)
		if err != nil {
			return Value{}, &EvalError{Pos: n.pos, Msg: "bad format spec " + strconv.Quote(args[1].Str)}
		}
		width = w
	}

	var out string
	v := args[0]
	switch {
	case hasPrec:
		prec, err := strconv.Atoi(strings.TrimSuffix(precStr, "f"))
		if err != nil || !v.isNumber() {
			return Value{}, &EvalError{Pos: n.pos, Msg: "bad format spec " + strconv.Quote(args[1].Str)}
		}
		out = strconv.FormatFloat(v.asFloat(), 'f', prec, 64)
	default:
		out = v.String()
	}

	for len(out) < width {
		if zero {
			// Keep a leading sign ahead of the padding.
			if strings.HasPrefix(out, "-") {
				out = "-0" + out[1:]
			} else {
				out = "0" + out
			}
		} else {
			out = " " + out
		}
	}
	return StringValue(out), nil
}
