package tools

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// GoAnalyzer is a lightweight static-analysis provider for Go repositories,
// backing the get_symbols / get_interface / get_dependencies lookups when no
// external analysis service is configured.
type GoAnalyzer struct {
	Root string
}

// Symbols parses one file and lists its declared types, methods, and
// functions with their visibility.
func (a *GoAnalyzer) Symbols(ctx context.Context, path string) (string, error) {
	abs := filepath.Join(a.Root, filepath.FromSlash(path))
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, abs, nil, parser.SkipObjectResolution)
	if err != nil {
		return "", fmt.Errorf("get_symbols: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n", file.Name.Name)
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				kind := "type"
				switch ts.Type.(type) {
				case *ast.InterfaceType:
					kind = "interface"
				case *ast.StructType:
					kind = "struct"
				}
				fmt.Fprintf(&b, "%s %s %s\n", visibility(ts.Name.Name), kind, ts.Name.Name)
			}
		case *ast.FuncDecl:
			if d.Recv != nil && len(d.Recv.List) == 1 {
				fmt.Fprintf(&b, "%s method (%s) %s\n", visibility(d.Name.Name), typeName(d.Recv.List[0].Type), d.Name.Name)
			} else {
				fmt.Fprintf(&b, "%s func %s\n", visibility(d.Name.Name), d.Name.Name)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Interface scans the repository for a named interface declaration and
// returns its method set.
func (a *GoAnalyzer) Interface(ctx context.Context, name string) (string, error) {
	var found string
	err := filepath.WalkDir(a.Root, func(path string, entry os.DirEntry, err error) error {
		if err != nil || found != "" {
			return filepath.SkipAll
		}
		if entry.IsDir() {
			if entry.Name() == ".git" || entry.Name() == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}

		fset := token.NewFileSet()
		file, perr := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
		if perr != nil {
			return nil
		}
		for _, decl := range file.Decls {
			gd, ok := decl.(*ast.GenDecl)
			if !ok {
				continue
			}
			for _, spec := range gd.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok || ts.Name.Name != name {
					continue
				}
				iface, ok := ts.Type.(*ast.InterfaceType)
				if !ok {
					continue
				}
				rel, _ := filepath.Rel(a.Root, path)
				var b strings.Builder
				fmt.Fprintf(&b, "interface %s (%s)\n", name, rel)
				for _, m := range iface.Methods.List {
					for _, n := range m.Names {
						fmt.Fprintf(&b, "  %s\n", n.Name)
					}
				}
				found = strings.TrimRight(b.String(), "\n")
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("interface %q not found", name)
	}
	return found, nil
}

// Dependencies lists the module requirements declared in go.mod.
func (a *GoAnalyzer) Dependencies(ctx context.Context) (string, error) {
	data, err := os.ReadFile(filepath.Join(a.Root, "go.mod"))
	if err != nil {
		return "", fmt.Errorf("get_dependencies: %w", err)
	}
	var b strings.Builder
	inBlock := false
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "require ("):
			inBlock = true
		case inBlock && trimmed == ")":
			inBlock = false
		case inBlock && trimmed != "":
			b.WriteString(trimmed + "\n")
		case strings.HasPrefix(trimmed, "require "):
			b.WriteString(strings.TrimPrefix(trimmed, "require ") + "\n")
		}
	}
	if b.Len() == 0 {
		return "no dependencies declared", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func visibility(name string) string {
	if name == "" {
		return "private"
	}
	if name[0] >= 'A' && name[0] <= 'Z' {
		return "public"
	}
	return "private"
}

func typeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeName(t.X)
	case *ast.IndexExpr:
		return typeName(t.X)
	default:
		return "?"
	}
}

// NoSearcher is the semantic-search stand-in when no embedding backend is
// configured. It returns a fixed message the model can act on.
type NoSearcher struct{}

// Semantic tells the model to fall back to lexical search.
func (NoSearcher) Semantic(ctx context.Context, query string) (string, error) {
	return "semantic search is not available in this run; use search_files instead", nil
}
