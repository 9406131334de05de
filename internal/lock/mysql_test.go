package lock

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	getLockSQL     = regexp.QuoteMeta("SELECT GET_LOCK(?, ?)")
	releaseLockSQL = regexp.QuoteMeta("SELECT RELEASE_LOCK(?)")
	isUsedLockSQL  = regexp.QuoteMeta("SELECT IS_USED_LOCK(?)")
)

func TestMySQLBackendAcquireGranted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(getLockSQL).
		WithArgs("Order_12", int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"granted"}).AddRow(1))
	mock.ExpectQuery(releaseLockSQL).
		WithArgs("Order_12").
		WillReturnRows(sqlmock.NewRows([]string{"released"}).AddRow(1))

	backend := NewMySQLBackend(db)
	session, ok, err := backend.Acquire(context.Background(), "Order_12", 2500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := session.Release(context.Background())
	require.NoError(t, err)
	assert.True(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBackendAcquireTimeoutAndNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(getLockSQL).
		WithArgs("Order_1", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"granted"}).AddRow(0))
	mock.ExpectQuery(getLockSQL).
		WithArgs("Order_1", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"granted"}).AddRow(nil))

	backend := NewMySQLBackend(db)
	for i := 0; i < 2; i++ {
		session, ok, err := backend.Acquire(context.Background(), "Order_1", 5*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, session)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBackendAcquireDeadlockError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(getLockSQL).
		WithArgs("Order_2", int64(1)).
		WillReturnError(errors.New("Error 3058: Deadlock found when trying to get user-level lock"))

	backend := NewMySQLBackend(db)
	_, ok, err := backend.Acquire(context.Background(), "Order_2", time.Second)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "Deadlock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLSessionReleaseNotOwned(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(getLockSQL).
		WillReturnRows(sqlmock.NewRows([]string{"granted"}).AddRow(1))
	mock.ExpectQuery(releaseLockSQL).
		WithArgs("Order_3").
		WillReturnRows(sqlmock.NewRows([]string{"released"}).AddRow(0))

	backend := NewMySQLBackend(db)
	session, ok, err := backend.Acquire(context.Background(), "Order_3", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := session.Release(context.Background())
	require.NoError(t, err)
	assert.False(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBackendInspect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(isUsedLockSQL).
		WithArgs("Order_4").
		WillReturnRows(sqlmock.NewRows([]string{"holder"}).AddRow(int64(8812)))
	mock.ExpectQuery(isUsedLockSQL).
		WithArgs("Order_5").
		WillReturnRows(sqlmock.NewRows([]string{"holder"}).AddRow(nil))

	backend := NewMySQLBackend(db)

	held, err := backend.Inspect(context.Background(), "Order_4")
	require.NoError(t, err)
	assert.True(t, held)

	held, err = backend.Inspect(context.Background(), "Order_5")
	require.NoError(t, err)
	assert.False(t, held)

	assert.NoError(t, mock.ExpectationsWereMet())
}
