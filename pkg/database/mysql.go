package database

import (
	"time"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 数据库连接
func InitMySQL(cfg config.MySQLConfig) {
	var err error
	DB, err = gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	// 配置连接池
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}

	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 10))
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 100))
	if cfg.ConnMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Info("MySQL database connected successfully")
}

// Migrate 为导入流水线的所有模型建表或补齐列与索引。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Upload{},
		&model.UploadLog{},
		&model.ImportChunk{},
		&model.Part{},
		&model.PartAttribute{},
	); err != nil {
		return err
	}
	if db.Dialector.Name() == "mysql" {
		return binaryPartKeys(db)
	}
	return nil
}

// binaryPartKeys 把零件业务键列改成二进制排序规则。
// 默认的 utf8mb4 排序规则大小写不敏感，"ABC-1" 和 "abc-1" 会撞上同一个唯一索引，
// 而导入时按 Go 字符串精确比较回查 ID，两边必须一致。
func binaryPartKeys(db *gorm.DB) error {
	return db.Exec("ALTER TABLE `parts` " +
		"MODIFY `part_number` varchar(191) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL, " +
		"MODIFY `manufacturer` varchar(191) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL DEFAULT '', " +
		"MODIFY `dataset_context` varchar(191) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL").Error
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
