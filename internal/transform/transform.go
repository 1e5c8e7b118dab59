// Package transform applies candidate modifications to Go source text.
//
// Modification families are an enumerable tagged variant, selected by a
// classifier, each carrying its own apply logic. Application is a pure
// function of (original content, candidate): applying the same candidate to
// the same original in the sandbox and in production yields byte-identical
// output.
package transform

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// Kind enumerates the known transformation families.
type Kind int

const (
	// KindGenericAppend appends generated code as a clearly marked block.
	// The default for unrecognized opportunity types.
	KindGenericAppend Kind = iota
	// KindSleepRewrite rewrites blocking time.Sleep calls into a
	// context-cancellable wait and inserts the missing import.
	KindSleepRewrite
	// KindScoredSelection appends a scored-selection implementation for
	// naive-selection replacement opportunities.
	KindScoredSelection
	// KindAnnotationOnly appends a comment-only annotation. Chosen when the
	// generated code is empty or a placeholder; it passes checks trivially
	// but produces no behavioral change, and downstream reporting must
	// distinguish it from a real improvement.
	KindAnnotationOnly
)

func (k Kind) String() string {
	switch k {
	case KindSleepRewrite:
		return "sleep_rewrite"
	case KindScoredSelection:
		return "scored_selection"
	case KindAnnotationOnly:
		return "annotation_only"
	default:
		return "generic_append"
	}
}

// Substantive reports whether this kind produces a behavioral change.
func (k Kind) Substantive() bool {
	return k != KindAnnotationOnly
}

// Classify selects the transformation family for an opportunity and its
// generated code.
func Classify(opportunity, generatedCode string) Kind {
	if IsPlaceholder(generatedCode) {
		return KindAnnotationOnly
	}
	lower := strings.ToLower(opportunity)
	switch {
	case strings.Contains(lower, "sleep"):
		return KindSleepRewrite
	case strings.Contains(lower, "selection") || strings.Contains(lower, "scored"):
		return KindScoredSelection
	default:
		return KindGenericAppend
	}
}

// IsPlaceholder reports whether generated code signals "no real change":
// empty, whitespace, or comment-only text.
func IsPlaceholder(code string) bool {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return true
	}
	for _, line := range strings.Split(trimmed, "\n") {
		l := strings.TrimSpace(line)
		if l == "" || strings.HasPrefix(l, "//") {
			continue
		}
		return false
	}
	return true
}

// Apply runs the family's transformation against the original content and
// validates that the result still parses under the host grammar.
func Apply(kind Kind, original, generatedCode, opportunity, candidateID string) (string, error) {
	var modified string
	switch kind {
	case KindSleepRewrite:
		modified = applySleepRewrite(original)
	case KindScoredSelection:
		modified = applyAppend(original, generatedCode, candidateID, "scored selection")
	case KindAnnotationOnly:
		modified = applyAnnotation(original, opportunity, candidateID)
	default:
		modified = applyAppend(original, generatedCode, candidateID, "generated improvement")
	}

	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "modified.go", modified, parser.ParseComments); err != nil {
		return "", fmt.Errorf("transformed source does not parse: %w", err)
	}
	return modified, nil
}

const cancellableWaitHelper = `
// waitCancellable sleeps for d but returns early when ctx is cancelled.
func waitCancellable(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
`

// applySleepRewrite rewrites every blocking time.Sleep call into a
// context-cancellable wait, appending the helper once and inserting the
// context import if absent. Call sites are located through the AST, so
// "time.Sleep(" inside comments or string literals is left alone. Semantics
// are preserved: the background context never cancels, so existing call sites
// keep their timing while gaining a seam for real contexts.
func applySleepRewrite(original string) string {
	spans := sleepCallSpans(original)
	if len(spans) == 0 {
		return original
	}

	// Rewrite back to front so earlier offsets stay valid.
	modified := original
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		modified = modified[:s.start] + "waitCancellable(context.Background(), " + modified[s.end:]
	}
	if !strings.Contains(original, "func waitCancellable(") {
		modified += cancellableWaitHelper
	}
	modified = EnsureImport(modified, "context")
	modified = EnsureImport(modified, "time")
	return modified
}

// span is a half-open byte range covering one "time.Sleep(" call prefix.
type span struct {
	start, end int
}

// sleepCallSpans returns the byte ranges of every time.Sleep call prefix,
// from the call expression's start through its opening parenthesis.
func sleepCallSpans(src string) []span {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "src.go", src, parser.ParseComments)
	if err != nil {
		return nil
	}

	var spans []span
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		pkg, ok := sel.X.(*ast.Ident)
		if !ok || pkg.Name != "time" || sel.Sel.Name != "Sleep" {
			return true
		}
		spans = append(spans, span{
			start: fset.Position(call.Pos()).Offset,
			end:   fset.Position(call.Lparen).Offset + 1,
		})
		return true
	})
	return spans
}

// applyAppend appends generated code as a marked block, merging any package
// clause and imports the generator emitted into the host file.
func applyAppend(original, generatedCode, candidateID, label string) string {
	body, imports := stripPackageAndImports(generatedCode)

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(original, "\n"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("// ---- codevolve:%s %s ----\n", candidateID, label))
	sb.WriteString(strings.TrimSpace(body))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("// ---- end codevolve:%s ----\n", candidateID))

	out := sb.String()
	for _, imp := range imports {
		out = EnsureImport(out, imp)
	}
	return out
}

// applyAnnotation appends a comment-only block describing the opportunity.
func applyAnnotation(original, opportunity, candidateID string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(original, "\n"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("// ---- codevolve:%s annotation ----\n", candidateID))
	sb.WriteString(fmt.Sprintf("// opportunity: %s\n", opportunity))
	sb.WriteString("// no executable change was generated for this candidate\n")
	sb.WriteString(fmt.Sprintf("// ---- end codevolve:%s ----\n", candidateID))
	return sb.String()
}

// EnsureImport inserts an import for path if the source does not already
// import it. With no existing import, the new declaration is inserted before
// the first non-import line after the package clause.
func EnsureImport(src, path string) string {
	quoted := `"` + path + `"`
	if hasImport(src, quoted) {
		return src
	}

	lines := strings.Split(src, "\n")

	// Grouped import block: insert into it.
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "import (") {
			out := make([]string, 0, len(lines)+1)
			out = append(out, lines[:i+1]...)
			out = append(out, "\t"+quoted)
			out = append(out, lines[i+1:]...)
			return strings.Join(out, "\n")
		}
	}

	// Single-line imports: add another next to the last one.
	lastSingle := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), `import "`) {
			lastSingle = i
		}
	}
	if lastSingle >= 0 {
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:lastSingle+1]...)
		out = append(out, `import `+quoted)
		out = append(out, lines[lastSingle+1:]...)
		return strings.Join(out, "\n")
	}

	// No import at all: insert before the first non-import line after the
	// package clause.
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "package ") {
			out := make([]string, 0, len(lines)+2)
			out = append(out, lines[:i+1]...)
			out = append(out, "", `import `+quoted)
			out = append(out, lines[i+1:]...)
			return strings.Join(out, "\n")
		}
	}
	return `import ` + quoted + "\n" + src
}

// hasImport reports whether the quoted path appears in an import position.
func hasImport(src, quoted string) bool {
	for _, line := range strings.Split(src, "\n") {
		l := strings.TrimSpace(line)
		if l == quoted || strings.HasPrefix(l, `import `+quoted) ||
			(strings.HasPrefix(l, `_ `) && strings.Contains(l, quoted)) {
			return true
		}
		// Aliased form inside a block: `alias "path"`.
		if strings.HasSuffix(l, quoted) && !strings.Contains(l, "//") &&
			!strings.Contains(l, "=") && len(l) > len(quoted) {
			fields := strings.Fields(l)
			if len(fields) == 2 && fields[1] == quoted {
				return true
			}
		}
	}
	return false
}

// stripPackageAndImports removes a package clause and import declarations
// from a generated fragment so it can be appended to a host file, returning
// the remaining body and the import paths to merge.
func stripPackageAndImports(code string) (string, []string) {
	lines := strings.Split(code, "\n")
	var (
		body    []string
		imports []string
		inBlock bool
	)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "package "):
			continue
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
			continue
		case inBlock && trimmed == ")":
			inBlock = false
			continue
		case inBlock:
			if p := strings.Trim(trimmed, `"`); p != "" && trimmed != "" {
				imports = append(imports, strings.Trim(strings.Trim(trimmed, " \t"), `"`))
			}
			continue
		case strings.HasPrefix(trimmed, `import "`):
			imports = append(imports, strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`))
			continue
		}
		body = append(body, line)
	}
	return strings.Join(body, "\n"), imports
}
