package spreadsheet

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// xlsxReader 使用 excelize 的行迭代器读取第一个工作表。
type xlsxReader struct {
	file  *excelize.File
	sheet string
}

func openXLSX(path string) (*xlsxReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrParse)
	}
	return &xlsxReader{file: f, sheet: sheets[0]}, nil
}

func (r *xlsxReader) scan(fn func(index int, row []string) bool) error {
	rows, err := r.file.Rows(r.sheet)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer rows.Close()

	for i := 0; rows.Next(); i++ {
		cols, err := rows.Columns()
		if err != nil {
			return fmt.Errorf("%w: row %d: %v", ErrParse, i+1, err)
		}
		if !fn(i, cols) {
			return nil
		}
	}
	if err := rows.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

func (r *xlsxReader) Header() ([]string, error) {
	var header []string
	err := r.scan(func(_ int, row []string) bool {
		header = cleanHeader(row)
		return false
	})
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("%w: sheet %q is empty", ErrParse, r.sheet)
	}
	return header, nil
}

func (r *xlsxReader) RowCount() (int, error) {
	n := 0
	err := r.scan(func(index int, _ []string) bool {
		if index > 0 {
			n++
		}
		return true
	})
	return n, err
}

func (r *xlsxReader) ReadRange(start, end int) ([][]string, error) {
	start, end = checkRange(start, end)
	var rows [][]string
	err := r.scan(func(index int, row []string) bool {
		data := index - 1
		if data < start {
			return true
		}
		if data >= end {
			return false
		}
		rows = append(rows, row)
		return true
	})
	return rows, err
}

func (r *xlsxReader) Close() error {
	return r.file.Close()
}
