package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rafabd1/wcvs/internal/utils"
)

// Report formats understood by Writer.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Writer renders a ScanResult.
type Writer struct {
	format string
	logger utils.Logger
}

// NewWriter creates a Writer for format (json or text).
func NewWriter(format string, logger utils.Logger) *Writer {
	if format == "" {
		format = FormatJSON
	}
	return &Writer{format: strings.ToLower(format), logger: logger}
}

// WriteFile writes the report to outputPath, or to stdout when it is empty.
func (w *Writer) WriteFile(result *ScanResult, outputPath string) error {
	if outputPath == "" {
		return w.Write(os.Stdout, result)
	}
	if err := utils.EnsureFilepathExists(outputPath); err != nil {
		return err
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := w.Write(f, result); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close report file: %w", err)
	}
	w.logger.Infof("Report written to %s", outputPath)
	return nil
}

// Write renders result to out in the configured format.
func (w *Writer) Write(out io.Writer, result *ScanResult) error {
	switch w.format {
	case FormatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	case FormatText:
		return writeText(out, result)
	default:
		return fmt.Errorf("unsupported report format %q", w.format)
	}
}

func writeText(out io.Writer, r *ScanResult) error {
	var b strings.Builder
	counts := r.CountByConfidence()
	fmt.Fprintf(&b, "Scan %s [%s]\n", r.ScanID, r.State)
	fmt.Fprintf(&b, "Targets: %s\n", strings.Join(r.Target.Seeds, ", "))
	fmt.Fprintf(&b, "Duration: %s, URLs: %d, probes: %s\n", r.Duration().Round(time.Millisecond), len(r.Candidates), strings.Join(r.ProbesExecuted, ", "))
	fmt.Fprintf(&b, "Findings: %d (confirmed %d, likely %d, informational %d)\n",
		len(r.Findings), counts[ConfidenceConfirmed], counts[ConfidenceLikely], counts[ConfidenceInformational])

	for _, f := range r.Findings {
		b.WriteString("---\n")
		fmt.Fprintf(&b, "[%s] %s (%s, CVSS %.1f)\n", f.Confidence, f.Kind, f.Severity.Level, f.Severity.Score)
		fmt.Fprintf(&b, "URL: %s\n", f.URL)
		fmt.Fprintf(&b, "Description: %s\n", f.Description)
		if f.UnkeyedInput != "" {
			fmt.Fprintf(&b, "Input: %s\n", f.UnkeyedInput)
		}
		if f.Payload != "" {
			fmt.Fprintf(&b, "Payload: %s\n", f.Payload)
		}
		if f.ProofOfConcept != "" {
			fmt.Fprintf(&b, "Proof of concept:\n  %s\n", strings.ReplaceAll(f.ProofOfConcept, "\n", "\n  "))
		}
		for _, s := range f.Evidence.Statistics {
			fmt.Fprintf(&b, "Statistic: %s = %.3f %s\n", s.Name, s.Value, s.Detail)
		}
		fmt.Fprintf(&b, "Remediation: %s\n", f.Remediation)
	}

	if len(r.Failures) > 0 {
		b.WriteString("---\nSoft failures:\n")
		for _, sf := range r.Failures {
			fmt.Fprintf(&b, "  %s %s: %s\n", sf.Probe, sf.URL, sf.Error)
		}
	}
	_, err := io.WriteString(out, b.String())
	return err
}
