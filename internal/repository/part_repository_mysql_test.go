package repository_test

import (
	"context"
	"testing"

	"catalog-ingest-go/internal/model"
	"catalog-ingest-go/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true}),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return gormDB, mock
}

func TestUpsertUsesOnDuplicateKeyUpdate(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewPartRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `parts` .*ON DUPLICATE KEY UPDATE .*`description`.*`upload_id`.*`batch_id`").
		WillReturnResult(sqlmock.NewResult(10, 2))
	mock.ExpectCommit()

	err := repo.Upsert(context.Background(), []model.Part{
		{PartNumber: "LM358", Manufacturer: "TEXAS INSTRUMENTS", DatasetContext: "default", UploadID: 1, BatchID: "b", Active: true},
		{PartNumber: "NE555", Manufacturer: "STMICROELECTRONICS", DatasetContext: "default", UploadID: 1, BatchID: "b", Active: true},
	}, 500)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSplitsIntoBatches(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewPartRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `parts`").WillReturnResult(sqlmock.NewResult(1, 2))
	mock.ExpectExec("INSERT INTO `parts`").WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()

	parts := []model.Part{
		{PartNumber: "A", DatasetContext: "d", BatchID: "b", Active: true},
		{PartNumber: "B", DatasetContext: "d", BatchID: "b", Active: true},
		{PartNumber: "C", DatasetContext: "d", BatchID: "b", Active: true},
	}
	assert.NoError(t, repo.Upsert(context.Background(), parts, 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachImageJoinsOnSourceImageAttribute(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewPartRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `parts` SET `image_ref`=.* WHERE upload_id IN .* AND id IN \\(SELECT `part_id` FROM `part_attributes` WHERE name = \\? AND value IN").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	n, err := repo.AttachImage(context.Background(), []uint{2, 3}, []string{"lm358.png", "lm358"}, "images/1/ti/lm358.png")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
