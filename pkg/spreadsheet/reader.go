// Package spreadsheet 以流式方式读取 CSV / XLSX 表格：表头、数据行数以及任意行区间，
// 不会把整个文件读入内存。
package spreadsheet

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported 表示文件扩展名不是受支持的表格格式。
	ErrUnsupported = errors.New("unsupported spreadsheet format")
	// ErrParse 表示文件内容无法被解析。
	ErrParse = errors.New("spreadsheet parse error")
)

const utf8BOM = "\ufeff"

// Reader 提供对单个表格文件的只读访问。数据行从 0 开始编号，不含表头。
type Reader interface {
	// Header 返回第一行（表头）。
	Header() ([]string, error)
	// RowCount 返回数据行数，通过流式扫描统计。
	RowCount() (int, error)
	// ReadRange 返回 [start, end) 区间内的数据行；超出文件末尾的部分被忽略。
	ReadRange(start, end int) ([][]string, error)
	Close() error
}

type format int

const (
	formatUnknown format = iota
	formatCSV
	formatTSV
	formatXLSX
)

func detect(name string) format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return formatCSV
	case ".tsv":
		return formatTSV
	case ".xlsx", ".xlsm":
		return formatXLSX
	default:
		return formatUnknown
	}
}

// IsSpreadsheet 报告文件名是否是可导入的表格。
func IsSpreadsheet(name string) bool {
	return detect(name) != formatUnknown
}

// Open 按扩展名选择具体的读取器。
func Open(path string) (Reader, error) {
	switch detect(path) {
	case formatCSV:
		return openDelimited(path, ',')
	case formatTSV:
		return openDelimited(path, '\t')
	case formatXLSX:
		return openXLSX(path)
	default:
		return nil, ErrUnsupported
	}
}

func cleanHeader(row []string) []string {
	out := make([]string, len(row))
	for i, cell := range row {
		if i == 0 {
			cell = strings.TrimPrefix(cell, utf8BOM)
		}
		out[i] = strings.TrimSpace(cell)
	}
	return out
}

func checkRange(start, end int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end < start {
		end = start
	}
	return start, end
}
