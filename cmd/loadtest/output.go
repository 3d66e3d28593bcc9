package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"
)

func printSummary(out io.Writer, s summary, cfg config) {
	sc := s.Scenarios
	_, _ = fmt.Fprintf(out, "checkout loadtest: mode=%s run=%s sku=%s\n", cfg.mode, cfg.target(), cfg.sku)
	_, _ = fmt.Fprintf(out, "scenarios: total=%d ok=%d failed=%d error_rate=%.4f elapsed=%.2fs throughput=%.2f/s\n",
		sc.Total, sc.OK, sc.Failed, sc.ErrorRate, s.ElapsedSeconds, s.Throughput)
	_, _ = fmt.Fprintf(out, "scenario latency ms: %s\n", sc.LatencyMs)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STEP\tCALLS\tOK\tFAILED\tP90 MS")
	for _, name := range slices.Sorted(maps.Keys(s.Steps)) {
		st := s.Steps[name]
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f\n", name, st.Total, st.OK, st.Failed, st.LatencyMs.P90)
	}
	_ = tw.Flush()

	v := s.Stock
	if v == nil {
		return
	}
	verdict := "ok"
	if !v.Passed {
		verdict = "FAILED: " + v.Problem
	}
	_, _ = fmt.Fprintf(out, "stock: reserved=%d rejected=%d released=%d available=%d held=%d expected_held=%d verification=%s\n",
		v.Reserved, v.Rejected, v.Released, v.After.Available, v.After.Reserved, v.ExpectedReserved, verdict)
}

// saveSummary пишет отчёт в файл. Относительный путь не может выходить за текущий каталог.
func saveSummary(path string, s summary) error {
	clean := filepath.Clean(path)
	if clean == "." || clean == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if !filepath.IsAbs(clean) && !filepath.IsLocal(clean) {
		return fmt.Errorf("output path escapes current directory: %s", path)
	}

	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(clean, append(raw, '\n'), 0o600)
}
