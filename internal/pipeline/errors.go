package pipeline

import (
	"errors"

	"catalog-ingest-go/pkg/archive"
	"catalog-ingest-go/pkg/spreadsheet"
	"catalog-ingest-go/pkg/tasks"
)

// ErrParse 标记表头等内容层面的解析错误。
var ErrParse = errors.New("parse error")

// Permanent 标记一个不应重试的错误。
func Permanent(err error) error {
	return tasks.Permanent(err)
}

// IsPermanent 报告 err 是否为永久错误。
func IsPermanent(err error) bool {
	return tasks.IsPermanent(err)
}

// isParseError 报告 err 是否由文件内容本身引起，这类错误对上传是致命的且不会重试。
func isParseError(err error) bool {
	return errors.Is(err, ErrParse) ||
		errors.Is(err, spreadsheet.ErrParse) ||
		errors.Is(err, spreadsheet.ErrUnsupported) ||
		errors.Is(err, archive.ErrInvalidArchive)
}
