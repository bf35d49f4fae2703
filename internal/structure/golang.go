package structure

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strconv"

	"github.com/steveyegge/patternscan/internal/detection"
)

// GoParser parses Go source with go/parser.
type GoParser struct{}

// Language implements Parser.
func (GoParser) Language() string { return "Go" }

// Parse implements Parser.
func (GoParser) Parse(_ context.Context, path string, content []byte) (*Facts, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.SkipObjectResolution)
	if err != nil {
		return nil, detection.Wrap(detection.ErrParse, "parse "+path, err)
	}

	facts := &Facts{
		Path:     path,
		Language: "Go",
		Package:  file.Name.Name,
	}
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		facts.Imports = append(facts.Imports, p)
	}

	seen := make(map[string]bool)
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		if x, ok := sel.X.(*ast.Ident); ok {
			name := x.Name + "." + sel.Sel.Name
			if !seen[name] {
				seen[name] = true
				facts.Calls = append(facts.Calls, name)
			}
		}
		return true
	})
	sort.Strings(facts.Calls)
	return facts, nil
}
