// Package archive 解压 zip 压缩包并对成员文件分类。
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"catalog-ingest-go/pkg/spreadsheet"
)

// ErrInvalidArchive 表示压缩包损坏或包含非法路径。
var ErrInvalidArchive = errors.New("invalid archive")

// Class 是压缩包成员的分类。
type Class string

const (
	ClassSpreadsheet Class = "spreadsheet"
	ClassImage       Class = "image"
	ClassDocument    Class = "document"
	ClassSkip        Class = "skip"
)

var (
	imageExts    = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true, ".tif": true, ".tiff": true}
	documentExts = map[string]bool{".pdf": true, ".doc": true, ".docx": true}
	osArtifacts  = map[string]bool{"thumbs.db": true, "desktop.ini": true, ".ds_store": true}
)

// Member 描述一个已解压到本地的成员文件。
type Member struct {
	// RelPath 是压缩包内的相对路径，统一使用 "/" 分隔。
	RelPath string
	AbsPath string
	Size    int64
	Class   Class
}

// Classify 根据文件名对成员分类，系统生成的隐藏文件一律跳过。
func Classify(name string) Class {
	name = filepath.ToSlash(name)
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return ClassSkip
	}
	base := path.Base(name)
	if strings.HasPrefix(base, ".") || osArtifacts[strings.ToLower(base)] {
		return ClassSkip
	}
	ext := strings.ToLower(path.Ext(base))
	switch {
	case spreadsheet.IsSpreadsheet(base):
		return ClassSpreadsheet
	case imageExts[ext]:
		return ClassImage
	case documentExts[ext]:
		return ClassDocument
	default:
		return ClassSkip
	}
}

// DatasetFolder 返回成员所在的顶层目录名，根目录下的成员返回 ""。
func DatasetFolder(relPath string) string {
	relPath = strings.TrimPrefix(filepath.ToSlash(relPath), "/")
	i := strings.Index(relPath, "/")
	if i <= 0 {
		return ""
	}
	return relPath[:i]
}

// Extract 把 src 中的所有非跳过成员解压到 destDir，返回解压出的成员列表。
// 目录项与 ClassSkip 成员不会写入磁盘。
func Extract(src io.ReaderAt, size int64, destDir string) ([]Member, error) {
	zr, err := zip.NewReader(src, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, err
	}

	var members []Member
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rel := path.Clean(strings.ReplaceAll(f.Name, "\\", "/"))
		target := filepath.Join(root, filepath.FromSlash(rel))
		if path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") ||
			!strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, fmt.Errorf("%w: illegal member path %q", ErrInvalidArchive, f.Name)
		}

		class := Classify(rel)
		if class == ClassSkip {
			continue
		}
		n, err := extractFile(f, target)
		if err != nil {
			return nil, err
		}
		members = append(members, Member{RelPath: rel, AbsPath: target, Size: n, Class: class})
	}
	return members, nil
}

func extractFile(f *zip.File, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("%w: extract %s: %v", ErrInvalidArchive, f.Name, err)
	}
	return n, nil
}

// ExtractFile 打开本地压缩包文件并解压。
func ExtractFile(archivePath, destDir string) ([]Member, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Extract(f, info.Size(), destDir)
}

// Count 统计每个分类的成员数量。
func Count(members []Member) map[Class]int {
	out := make(map[Class]int)
	for _, m := range members {
		out[m.Class]++
	}
	return out
}
