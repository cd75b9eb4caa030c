package database

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func TestBinaryPartKeysSwitchesKeyColumnsToBinaryCollation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	gormDB, err := gorm.Open(mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectExec("ALTER TABLE `parts` " +
		"MODIFY `part_number` varchar\\(191\\) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL, " +
		"MODIFY `manufacturer` varchar\\(191\\) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL DEFAULT '', " +
		"MODIFY `dataset_context` varchar\\(191\\) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, binaryPartKeys(gormDB))
	assert.NoError(t, mock.ExpectationsWereMet())
}
