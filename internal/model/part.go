package model

import "time"

// Part 是归一化后的零件目录记录。
// (part_number, manufacturer, dataset_context) 上有唯一索引，manufacturer 保存归一化后的厂商名。
type Part struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	PartNumber     string    `gorm:"type:varchar(191);not null;uniqueIndex:idx_part_key,priority:1" json:"partNumber"`
	Manufacturer   string    `gorm:"type:varchar(191);not null;default:'';uniqueIndex:idx_part_key,priority:2" json:"manufacturer"`
	DatasetContext string    `gorm:"type:varchar(191);not null;uniqueIndex:idx_part_key,priority:3" json:"datasetContext"`
	Description    string    `gorm:"type:text" json:"description"`
	UploadID       uint      `gorm:"not null;index" json:"uploadId"`
	BatchID        string    `gorm:"type:varchar(64);not null" json:"batchId"`
	Active         bool      `gorm:"not null;default:true" json:"active"`
	ExternalID     *string   `gorm:"type:varchar(128)" json:"externalId,omitempty"`
	ImageRef       *string   `gorm:"type:varchar(512)" json:"imageRef,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`

	Attributes []PartAttribute `gorm:"foreignKey:PartID" json:"attributes,omitempty"`
}

func (Part) TableName() string {
	return "parts"
}

// Key 返回零件的业务唯一键。
func (p Part) Key() PartKey {
	return PartKey{PartNumber: p.PartNumber, Manufacturer: p.Manufacturer}
}

// PartKey 是一个数据集上下文内的业务键。
type PartKey struct {
	PartNumber   string
	Manufacturer string
}

// PartAttribute 保存表格中的非核心列以及若干簿记属性。
// 每次更新零件时，其属性集合会被整体清空后重写。
type PartAttribute struct {
	ID     uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	PartID uint   `gorm:"not null;index:idx_attr_part" json:"-"`
	Name   string `gorm:"type:varchar(191);not null;index:idx_attr_name" json:"name"`
	Value  string `gorm:"type:text" json:"value"`
}

func (PartAttribute) TableName() string {
	return "part_attributes"
}

// 簿记属性名。
const (
	AttrDatasetContext      = "dataset_context"
	AttrRawManufacturer     = "raw_manufacturer"
	AttrSourceImageFilename = "source_image_filename"
)
