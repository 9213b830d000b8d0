package store

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/bench"
)

func testSchema() bench.Schema {
	return bench.Schema{Fields: []bench.FieldSpec{
		{Name: "version", Rule: bench.ScalarRule{Key: "version"}},
		{Name: "Model", Rule: bench.MetricRule{MetricID: 5}},
	}}
}

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock, "records", testSchema(), zap.NewNop())
	require.NoError(t, err)
	return s, mock
}

func TestNewWithPoolRejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "records; DROP TABLE users", testSchema(), nil)
	require.Error(t, err)
}

func TestUpsertWholeRow(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	version := "6.5.0"
	row := bench.Row{ID: 42, Values: []*string{&version, nil}}

	mock.ExpectExec(`INSERT INTO records \(id, "version", "Model"\)`).
		WithArgs(int64(42), &version, (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Upsert(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsMismatchedRow(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	err := s.Upsert(context.Background(), bench.Row{ID: 1, Values: []*string{nil}})
	require.Error(t, err)

	err = s.Upsert(context.Background(), bench.Row{ID: 0, Values: []*string{nil, nil}})
	require.Error(t, err)
}

func TestEnsureAttempted(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO records \(id\) VALUES \(\$1\) ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, s.EnsureAttempted(context.Background(), 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaxIDEmptyTable(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM records`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))

	max, err := s.MaxID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllNullIDs(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT id FROM records WHERE "version" IS NULL AND "Model" IS NULL ORDER BY id`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).
			AddRow(int64(3)).
			AddRow(int64(9)))

	ids, err := s.AllNullIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPresentIDs(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT id FROM records ORDER BY id`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).
			AddRow(int64(1)).
			AddRow(int64(2)).
			AddRow(int64(5)))

	ids, err := s.PresentIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 5}, ids)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec(`DELETE FROM records WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.Delete(context.Background(), 99))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitMatchingVersionKeepsTable(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT version FROM schema_version LIMIT 1`).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(schemaVersion))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS records`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitVersionMismatchDropsAndRecreates(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT version FROM schema_version LIMIT 1`).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(schemaVersion + 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS records`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`DROP TABLE IF EXISTS records`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS records`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`DELETE FROM schema_version`).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO schema_version \(version\) VALUES \(\$1\)`).
		WithArgs(schemaVersion).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
