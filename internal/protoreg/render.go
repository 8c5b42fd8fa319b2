package protoreg

import (
	"io"
	"os"
	"path/filepath"

	"github.com/jhump/protoreflect/v2/protoprint"
)

// Render writes the .proto source of the registry's file to w.
func Render(r *Registry, w io.Writer) error {
	pp := protoprint.Printer{}
	return pp.PrintProtoFile(r.File(), w)
}

// RenderFile writes the .proto source under outDir at FilePath.
func RenderFile(r *Registry, outDir string) error {
	fp := filepath.Join(outDir, r.File().Path())
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(fp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return Render(r, f)
}
