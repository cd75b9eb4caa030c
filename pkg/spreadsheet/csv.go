package spreadsheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

// delimitedReader 每次调用都重新打开文件顺序扫描，内存占用只与单行大小相关。
type delimitedReader struct {
	path  string
	comma rune
}

func openDelimited(path string, comma rune) (*delimitedReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return &delimitedReader{path: path, comma: comma}, nil
}

// scan 依次把每一行（含表头，index 0）交给 fn，fn 返回 false 时停止。
func (r *delimitedReader) scan(fn func(index int, row []string) bool) error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = r.comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	for i := 0; ; i++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		if !fn(i, row) {
			return nil
		}
	}
}

func (r *delimitedReader) Header() ([]string, error) {
	var header []string
	err := r.scan(func(_ int, row []string) bool {
		header = cleanHeader(row)
		return false
	})
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("%w: file is empty", ErrParse)
	}
	return header, nil
}

func (r *delimitedReader) RowCount() (int, error) {
	n := 0
	err := r.scan(func(index int, _ []string) bool {
		if index > 0 {
			n++
		}
		return true
	})
	return n, err
}

func (r *delimitedReader) ReadRange(start, end int) ([][]string, error) {
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
		rows = append(rows, append([]string(nil), row...))
		return true
	})
	return rows, err
}

func (r *delimitedReader) Close() error { return nil }
