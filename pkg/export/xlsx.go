// Package export writes container summaries for spreadsheet tools.
package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/trialflow/trialflow/pkg/container"
	"github.com/trialflow/trialflow/pkg/trialdef"
)

// Sheet names.
const (
	SheetSummary = "summary"
	SheetTrials  = "trials"
	SheetExtents = "extents"
)

var (
	trialHeader  = []any{"trial", "start", "stop", "offset"}
	extentHeader = []any{"trial", "slab_start", "slab_stop", "rows", "status", "file", "checksum", "error"}
)

// WriteWorkbook writes a workbook describing m to path. The trials sheet
// holds the reconciled trial definition and can be read back with
// ReadTrialDefinition.
func WriteWorkbook(path string, m container.Manifest) error {
	f, err := buildWorkbook(m)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save xlsx: %w", err)
	}
	return nil
}

// Write streams the workbook to w.
func Write(w io.Writer, m container.Manifest) error {
	f, err := buildWorkbook(m)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteTo(w)
	return err
}

func buildWorkbook(m container.Manifest) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		f.Close()
		return nil, err
	}
	for _, name := range []string{SheetTrials, SheetExtents} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, err
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}

	steps := []func(*excelize.File, container.Manifest, int) error{
		writeSummary, writeTrials, writeExtents,
	}
	for _, step := range steps {
		if err := step(f, m, bold); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func writeSummary(f *excelize.File, m container.Manifest, bold int) error {
	rows := [][]any{
		{"id", m.ID},
		{"dataset", m.Dataset},
		{"dtype", m.DType},
		{"shape", joinInts(m.Shape)},
		{"dimord", strings.Join(m.Dimord, ",")},
		{"kernel", m.Kernel},
		{"samplerate", m.SampleRate},
		{"compression", m.Compression},
		{"averaged", m.Averaged},
		{"failed", joinInts(m.Failed)},
		{"created_at", m.CreatedAt.Format("2006-01-02T15:04:05Z07:00")},
	}
	for _, w := range m.Warnings {
		rows = append(rows, []any{"warning", w})
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColStyle(SheetSummary, "A", bold)
}

func writeTrials(f *excelize.File, m container.Manifest, bold int) error {
	if err := writeHeader(f, SheetTrials, trialHeader, bold); err != nil {
		return err
	}
	for i, trl := range m.TrialDefinition {
		row := make([]any, 0, len(trl)+1)
		row = append(row, i)
		for _, v := range trl {
			row = append(row, v)
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetTrials, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeExtents(f *excelize.File, m container.Manifest, bold int) error {
	if err := writeHeader(f, SheetExtents, extentHeader, bold); err != nil {
		return err
	}
	for i, e := range m.Extents {
		row := []any{e.Trial, e.Slab.Start, e.Slab.Stop, e.Slab.Len(), e.Status, e.File, e.Checksum, e.Error}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetExtents, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeHeader(f *excelize.File, sheet string, header []any, bold int) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	return f.SetCellStyle(sheet, "A1", last, bold)
}

// ReadTrialDefinition reads the trials sheet of a workbook written by
// WriteWorkbook. Extra columns after offset are kept.
func ReadTrialDefinition(r io.Reader) (*trialdef.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer f.Close()

	rows, err := f.Rows(SheetTrials)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("trials sheet is empty")
	}
	if _, err := rows.Columns(); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var out [][]int64
	line := 1
	for rows.Next() {
		line++
		cols, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		if len(cols) < 2 {
			continue
		}
		// First column is the trial number.
		vals := make([]int64, 0, len(cols)-1)
		for _, c := range cols[1:] {
			v, err := strconv.ParseInt(strings.TrimSpace(c), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid value %q", line, c)
			}
			vals = append(vals, v)
		}
		out = append(out, vals)
	}
	return trialdef.NewTable(out)
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
