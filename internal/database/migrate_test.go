package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesOrdered(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	require.Len(t, names, 4)
	assert.Equal(t, "0001_pipeline_records.up.sql", names[0])
	assert.Equal(t, "0004_audit_log.up.sql", names[3])
}

func TestApplyMigrationsSkipsRecorded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	existsQuery := regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)")

	// First three already applied.
	for _, version := range []string{
		"0001_pipeline_records.up.sql",
		"0002_approval_requests.up.sql",
		"0003_inventory_balances.up.sql",
	} {
		mock.ExpectQuery(existsQuery).
			WithArgs(version).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	}

	mock.ExpectQuery(existsQuery).
		WithArgs("0004_audit_log.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE audit_log")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version) VALUES ($1)")).
		WithArgs("0004_audit_log.up.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := ApplyMigrations(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"0004_audit_log.up.sql"}, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMigrationsRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("0001_pipeline_records.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TYPE record_kind")).
		WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	applied, err := ApplyMigrations(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_pipeline_records.up.sql")
	assert.Empty(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
