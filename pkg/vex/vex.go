package vex

import (
	"fmt"
	"os"

	"github.com/patchverify/patchverify/pkg/types"
)

type Vex interface {
	CreateVEXDocument(report *types.ScanReport) (string, error)
}

// TryOutputVexDocument writes report as a VEX document of the given format to file.
func TryOutputVexDocument(report *types.ScanReport, format, file string) error {
	var doc string
	var err error

	switch format {
	case "openvex":
		ov := &OpenVex{}
		doc, err = ov.CreateVEXDocument(report)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported output format %s specified", format)
	}
	return os.WriteFile(file, []byte(doc), 0o600)
}
