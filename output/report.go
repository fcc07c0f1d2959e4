package output

import (
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/lherman-cs/go-mcapx/extract"
)

// ReportName is the file name used by ReportWriter.
const ReportName = "report.cbor"

var reportMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// ReportWriter stores run reports as CBOR next to the extracted topics.
type ReportWriter struct {
	Root string
}

func (w ReportWriter) Write(report *extract.Report) error {
	b, err := reportMode.Marshal(report)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.Root, 0o755); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(w.Root, ReportName), func(f io.Writer) error {
		_, err := f.Write(b)
		return err
	})
}

// ReadReport loads a report written by ReportWriter.
func ReadReport(name string) (*extract.Report, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}

	var report extract.Report
	if err := cbor.Unmarshal(b, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
