package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"reflect"
	"runtime"

	"golang.org/x/tools/go/ast/astutil"

	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

// resolveCode locates the source of fn. The snippet is empty when the
// source file cannot be read, as in stripped binaries.
func resolveCode(name string, fn any) storage.CodeDefinition {
	def := storage.CodeDefinition{FunctionName: name}
	v := reflect.ValueOf(fn)
	if v.Kind() == reflect.Func && !v.IsNil() {
		if rf := runtime.FuncForPC(v.Pointer()); rf != nil {
			def.ModulePath, def.FirstLine = rf.FileLine(rf.Entry())
		}
	}
	if def.ModulePath != "" {
		def.Code = sourceSnippet(def.ModulePath, def.FirstLine)
	}
	def.ID = codeID(def)
	return def
}

func codeID(def storage.CodeDefinition) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", def.FunctionName, def.ModulePath, def.FirstLine)
	h.Write([]byte(def.Code))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// sourceSnippet returns the innermost function declaration or literal
// that starts on line of path.
func sourceSnippet(path string, line int) string {
	src, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.SkipObjectResolution)
	if err != nil || line <= 0 {
		return ""
	}
	tf := fset.File(file.Pos())
	if tf == nil || line > tf.LineCount() {
		return ""
	}

	var best ast.Node
	ast.Inspect(file, func(n ast.Node) bool {
		switch n.(type) {
		case *ast.FuncDecl, *ast.FuncLit:
			if fset.Position(n.Pos()).Line == line {
				best = n
			}
		}
		return true
	})
	if best == nil {
		start := tf.LineStart(line)
		enclosing, _ := astutil.PathEnclosingInterval(file, start, start)
		for _, n := range enclosing {
			switch n.(type) {
			case *ast.FuncDecl, *ast.FuncLit:
				best = n
			}
			if best != nil {
				break
			}
		}
	}
	if best == nil {
		return ""
	}
	from, to := tf.Offset(best.Pos()), tf.Offset(best.End())
	if from < 0 || to > len(src) || from >= to {
		return ""
	}
	return string(src[from:to])
}
