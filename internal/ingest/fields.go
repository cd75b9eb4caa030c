// Package ingest 负责把表格数据行归一化并批量写入零件目录。
package ingest

import (
	"strings"
)

// Field 是表格中的核心字段。
type Field string

const (
	FieldPartNumber   Field = "part_number"
	FieldDescription  Field = "description"
	FieldManufacturer Field = "manufacturer"
	FieldImage        Field = "image"
)

// DefaultSynonyms 是核心字段到可接受表头写法的映射，比较时忽略大小写并折叠空白。
var DefaultSynonyms = map[Field][]string{
	FieldPartNumber: {
		"part_number", "part number", "part no", "part no.", "part #", "part#", "partnumber", "part_no",
		"pn", "p/n", "mpn", "manufacturer part number", "mfr part number", "mfg part number", "sku", "item number",
	},
	FieldDescription: {
		"description", "desc", "part description", "product description", "item description", "name", "product name",
	},
	FieldManufacturer: {
		"manufacturer", "mfr", "mfg", "manufacturer name", "brand", "vendor", "maker", "make",
	},
	FieldImage: {
		"image", "image filename", "image file", "image_filename", "image name", "picture", "photo", "img",
	},
}

// FieldMap 是由同义词表构建的查找表。
type FieldMap struct {
	lookup map[string]Field
}

// NewFieldMap 从同义词表构建 FieldMap。同一个写法出现在多个字段下时，后出现的不会覆盖先出现的。
func NewFieldMap(synonyms map[Field][]string) FieldMap {
	lookup := make(map[string]Field)
	// 固定顺序，保证结果确定。
	for _, f := range []Field{FieldPartNumber, FieldDescription, FieldManufacturer, FieldImage} {
		for _, s := range synonyms[f] {
			key := normalizeHeader(s)
			if _, ok := lookup[key]; !ok {
				lookup[key] = f
			}
		}
	}
	return FieldMap{lookup: lookup}
}

// Columns 记录核心字段所在的列号（-1 表示不存在）以及其余列。
type Columns struct {
	PartNumber   int
	Description  int
	Manufacturer int
	Image        int
	// Extra 是非核心列：列号 → 表头原文。
	Extra map[int]string
}

// HasPartNumber 报告表头中是否找到了零件号列。
func (c Columns) HasPartNumber() bool {
	return c.PartNumber >= 0
}

// Resolve 在表头中定位核心字段。一个字段出现多次时取第一列，其余列作为附加属性。
func (m FieldMap) Resolve(header []string) Columns {
	cols := Columns{PartNumber: -1, Description: -1, Manufacturer: -1, Image: -1, Extra: make(map[int]string)}
	for i, h := range header {
		name := strings.TrimSpace(h)
		f, ok := m.lookup[normalizeHeader(name)]
		switch {
		case ok && f == FieldPartNumber && cols.PartNumber < 0:
			cols.PartNumber = i
		case ok && f == FieldDescription && cols.Description < 0:
			cols.Description = i
		case ok && f == FieldManufacturer && cols.Manufacturer < 0:
			cols.Manufacturer = i
		case ok && f == FieldImage && cols.Image < 0:
			cols.Image = i
		case name != "":
			cols.Extra[i] = name
		}
	}
	return cols
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
