package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/xuri/excelize/v2"
)

// Sheet names of the XLSX export.
const (
	SheetReport   = "report"
	SheetFailures = "failures"
)

// WriteCSV writes a header line and rows in Columns order.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for i := range rows {
		if err := cw.Write(rows[i].Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes rows to path, replacing any existing file.
func WriteCSVFile(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteCSV(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// WriteXLSX saves the report rows and any failures as a workbook.
func WriteXLSX(path string, rep *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetReport); err != nil {
		return err
	}
	if err := setRow(f, SheetReport, 1, toAny(Columns)); err != nil {
		return err
	}
	for i := range rep.Rows {
		if err := setRow(f, SheetReport, i+2, rep.Rows[i].values()); err != nil {
			return err
		}
	}
	if err := f.SetPanes(SheetReport, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}

	if len(rep.Failures) > 0 {
		if _, err := f.NewSheet(SheetFailures); err != nil {
			return err
		}
		if err := setRow(f, SheetFailures, 1, []any{"field_code", "error"}); err != nil {
			return err
		}
		for i, fl := range rep.Failures {
			if err := setRow(f, SheetFailures, i+2, []any{fl.FieldCode, fl.Err.Error()}); err != nil {
				return err
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, vals []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &vals)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
