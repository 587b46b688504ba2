package postgres_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/internal/store/postgres"
)

var tables = map[string]postgres.Table{
	"listing": {Name: "listing_search", IDColumn: "id"},
	"seller":  {Name: "sellers", IDColumn: "id"},
}

func TestLoad_ReturnsMapRecords(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "listing_search" WHERE "id"::text = ANY($1) ORDER BY "id"`)).
		WithArgs([]string{"1", "2"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title"}).
			AddRow("1", "Benchy").
			AddRow("2", "Calibration cube"))

	source := postgres.NewSource(mock, tables)
	records, err := source.Load(context.Background(), "listing", []string{"1", "2"})
	require.NoError(t, err)

	require.Len(t, records, 2)
	first := records[0].(map[string]any)
	assert.Equal(t, "1", first["id"])
	assert.Equal(t, "Benchy", first["title"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_EmptyIDsSkipsQuery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	source := postgres.NewSource(mock, tables)
	records, err := source.Load(context.Background(), "listing", nil)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_UnmappedModelFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	source := postgres.NewSource(mock, tables)
	_, err = source.Load(context.Background(), "order", []string{"1"})
	assert.Error(t, err)
}

func TestPage_KeysetPagination(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "sellers" WHERE $1 = '' OR "id"::text > $1 ORDER BY "id" LIMIT $2`)).
		WithArgs("005", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "username"}).
			AddRow("006", "alice").
			AddRow("007", "bob"))

	source := postgres.NewSource(mock, tables)
	records, err := source.Page(context.Background(), "seller", "005", 2)
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "006", records[0].(map[string]any)["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "listing_search" WHERE "seller_id" = $1 ORDER BY "id"`)).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "seller_id"}).
			AddRow("1", "s1"))

	source := postgres.NewSource(mock, tables)
	records, err := source.ListBy(context.Background(), "listing", "seller_id", "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
