// Package report renders extraction history as an XLSX workbook.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/promptmeta/store"
)

// SheetName is the worksheet holding the history rows.
const SheetName = "History"

var columns = []struct {
	header string
	width  float64
	value  func(e store.Extraction) any
}{
	{"ID", 8, func(e store.Extraction) any { return e.ID }},
	{"Filename", 28, func(e store.Extraction) any { return e.Filename }},
	{"Source Model", 16, func(e store.Extraction) any { return e.SourceModel }},
	{"Prompt", 60, func(e store.Extraction) any { return e.Prompt }},
	{"Prompts", 40, func(e store.Extraction) any { return joinPrompts(e.Prompts) }},
	{"Width", 8, func(e store.Extraction) any { return e.Width }},
	{"Height", 8, func(e store.Extraction) any { return e.Height }},
	{"Version", 20, func(e store.Extraction) any { return e.Version }},
	{"Profile", 24, func(e store.Extraction) any { return e.Profile }},
	{"Job ID", 38, func(e store.Extraction) any { return e.JobID }},
	{"Author", 16, func(e store.Extraction) any { return e.Author }},
	{"Created", 22, func(e store.Extraction) any { return e.CreatedDate }},
	{"Extracted At", 22, func(e store.Extraction) any { return e.ExtractedAt }},
}

// Headers returns the column headers in sheet order.
func Headers() []string {
	h := make([]string, len(columns))
	for i, c := range columns {
		h[i] = c.header
	}
	return h
}

// WriteXLSX writes one header row and one row per extraction to w.
func WriteXLSX(w io.Writer, rows []store.Extraction) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c.header
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(SheetName, col, col, c.width); err != nil {
			return fmt.Errorf("setting column width: %w", err)
		}
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(columns), 1)
	if err := f.SetCellStyle(SheetName, "A1", last, bold); err != nil {
		return fmt.Errorf("styling header: %w", err)
	}

	for i, e := range rows {
		values := make([]any, len(columns))
		for j, c := range columns {
			values[j] = c.value(e)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// joinPrompts flattens the stored JSON prompt list into "a | b | c".
func joinPrompts(raw string) string {
	if raw == "" {
		return ""
	}
	var prompts []string
	if err := json.Unmarshal([]byte(raw), &prompts); err != nil {
		return raw
	}
	return strings.Join(prompts, " | ")
}
