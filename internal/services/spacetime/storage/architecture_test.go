package storage_test

import (
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

const modulePath = "github.com/louisbranch/spacetime"

// Persistence sits below capture and replay. A storage package importing
// either would make the recorder's own writes recursive.
func TestStorageDoesNotImportRecordingLayers(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, modulePath+"/internal/services/spacetime/storage/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		t.Fatal("package load reported errors")
	}

	forbidden := []string{
		modulePath + "/internal/services/spacetime/recorder",
		modulePath + "/internal/services/spacetime/replay",
		modulePath + "/internal/services/spacetime/session",
	}
	packages.Visit(pkgs, nil, func(pkg *packages.Package) {
		if !strings.HasPrefix(pkg.PkgPath, modulePath) {
			return
		}
		for path := range pkg.Imports {
			for _, bad := range forbidden {
				if path == bad || strings.HasPrefix(path, bad+"/") {
					t.Errorf("%s imports %s", pkg.PkgPath, path)
				}
			}
		}
	})
}
