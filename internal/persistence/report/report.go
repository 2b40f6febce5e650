package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"lakecommons.ai/internal/protocol"
)

const FileName = "report.json"

// FileSink writes the final report to <runDir>/report.json.
type FileSink struct {
	Path string
}

func NewFileSink(runDir string) *FileSink {
	return &FileSink{Path: filepath.Join(runDir, FileName)}
}

func (s *FileSink) EmitReport(r protocol.Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	b = append(b, '\n')
	if err := writeFileAtomic(s.Path, b); err != nil {
		return fmt.Errorf("write report %s: %w", s.Path, err)
	}
	return nil
}

func Read(path string) (protocol.Report, error) {
	var r protocol.Report
	b, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("parse report %s: %w", path, err)
	}
	return r, nil
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
