package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPing()
	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	return store, mock
}

func TestPostgresStore_Save_Upsert(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO reviews").
		WithArgs("version-a", "dr-alvarez", "M17.0", "Accepted", "", "consistent",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), created))

	r := &Review{
		ProtocolVersionID: "version-a",
		ClinicianID:       "dr-alvarez",
		DiagnosisCode:     "M17.0",
		Decision:          DecisionAccepted,
		Notes:             "consistent",
	}
	require.NoError(t, store.Save(context.Background(), r))
	assert.Equal(t, int64(7), r.ID)
	assert.Equal(t, created, r.CreatedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save_DBError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO reviews").
		WillReturnError(fmt.Errorf("connection reset"))

	err := store.Save(context.Background(), &Review{
		ProtocolVersionID: "version-a",
		ClinicianID:       "dr-alvarez",
		Decision:          DecisionAccepted,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save review")
}

func TestPostgresStore_Count_Mock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
