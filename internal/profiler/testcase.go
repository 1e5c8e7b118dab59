package profiler

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"time"
)

// TestCase is the profiler's contract with callers: a named snippet executed
// against the code under measurement.
type TestCase struct {
	Name    string
	Setup   string // evaluated once before the test expression
	Code    string // the expression/statement to time
	Timeout time.Duration
}

// GenerateTestCases derives synthetic test cases by walking the code's
// declared functions. Each qualifying exported function gets one call with
// parameter values chosen by naive name-based heuristics. If no function
// qualifies, a single generic "execute the module" case is returned.
func GenerateTestCases(code string, timeout time.Duration) []TestCase {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "profile.go", code, 0)
	if err != nil {
		return []TestCase{genericCase(timeout)}
	}

	var cases []TestCase
	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok {
			return true
		}
		// Skip methods, main, and unexported functions.
		if fn.Recv != nil || !fn.Name.IsExported() || fn.Name.Name == "main" {
			return true
		}

		args, ok := syntheticArgs(fn.Type.Params)
		if !ok {
			return true
		}

		call := fmt.Sprintf("%s(%s)", fn.Name.Name, strings.Join(args, ", "))
		// Discard non-error results so the call is a valid statement.
		if fn.Type.Results != nil && len(fn.Type.Results.List) > 0 {
			call = "_ = func() interface{} { " + assignResults(fn, call) + " }()"
		}

		cases = append(cases, TestCase{
			Name:    "call_" + fn.Name.Name,
			Code:    call,
			Timeout: timeout,
		})
		return true
	})

	if len(cases) == 0 {
		return []TestCase{genericCase(timeout)}
	}
	return cases
}

func genericCase(timeout time.Duration) TestCase {
	return TestCase{
		Name:    "execute_module",
		Code:    "", // empty test code means "evaluating the module is the test"
		Timeout: timeout,
	}
}

// assignResults wraps a call so all return values are consumed.
func assignResults(fn *ast.FuncDecl, call string) string {
	n := 0
	for _, field := range fn.Type.Results.List {
		if len(field.Names) == 0 {
			n++
		} else {
			n += len(field.Names)
		}
	}
	blanks := make([]string, n)
	for i := range blanks {
		blanks[i] = "_"
	}
	if n == 1 {
		return fmt.Sprintf("_ = %s; return nil", call)
	}
	return fmt.Sprintf("%s = %s; return nil", strings.Join(blanks, ", "), call)
}

// syntheticArgs builds literal arguments for a parameter list. Returns false
// when any parameter type has no safe literal, which disqualifies the
// function from synthetic testing.
func syntheticArgs(params *ast.FieldList) ([]string, bool) {
	if params == nil || len(params.List) == 0 {
		return nil, true
	}

	var args []string
	for _, field := range params.List {
		count := len(field.Names)
		if count == 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			name := ""
			if i < len(field.Names) {
				name = field.Names[i].Name
			}
			lit, ok := literalFor(name, field.Type)
			if !ok {
				return nil, false
			}
			args = append(args, lit)
		}
	}
	return args, true
}

// literalFor picks a literal for a parameter by type, flavored by the
// parameter name: collection-like names get a small list, count-like names a
// small number, everything else a representative zero-adjacent value.
func literalFor(name string, typ ast.Expr) (string, bool) {
	lower := strings.ToLower(name)
	collectionish := strings.Contains(lower, "list") || strings.Contains(lower, "items") ||
		strings.Contains(lower, "values") || strings.HasSuffix(lower, "s")
	countish := lower == "n" || strings.Contains(lower, "count") ||
		strings.Contains(lower, "size") || strings.Contains(lower, "limit")

	switch t := typ.(type) {
	case *ast.Ident:
		switch t.Name {
		case "string":
			if collectionish {
				return `"alpha,beta,gamma"`, true
			}
			return `"example"`, true
		case "int", "int8", "int16", "int32", "int64", "uint", "uint8", "uint16", "uint32", "uint64":
			if countish {
				return "3", true
			}
			return "42", true
		case "float32", "float64":
			return "1.5", true
		case "bool":
			return "true", true
		case "byte", "rune":
			return "65", true
		}
		return "", false
	case *ast.ArrayType:
		if elem, ok := t.Elt.(*ast.Ident); ok {
			switch elem.Name {
			case "string":
				return `[]string{"a", "b", "c"}`, true
			case "int":
				return "[]int{1, 2, 3}", true
			case "float64":
				return "[]float64{1.0, 2.0, 3.0}", true
			case "byte":
				return `[]byte("abc")`, true
			}
		}
		return "", false
	case *ast.MapType:
		key, kok := t.Key.(*ast.Ident)
		val, vok := t.Value.(*ast.Ident)
		if kok && vok && key.Name == "string" && val.Name == "string" {
			return `map[string]string{"k": "v"}`, true
		}
		return "", false
	case *ast.InterfaceType:
		if len(t.Methods.List) == 0 {
			return `"example"`, true
		}
		return "", false
	}
	return "", false
}
