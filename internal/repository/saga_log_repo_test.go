package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"fulfillment/internal/model"
)

func setupSagaLogMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	t.Cleanup(func() { sqlDB.Close() })
	return gormDB, mock
}

func TestSagaLogRepository_Record(t *testing.T) {
	db, mock := setupSagaLogMockDB(t)
	repo := NewSagaLogRepository(db)

	msg := "insufficient stock: good 5 has 1, requested 2"
	entry := &model.SagaLog{
		SagaID:      "s1",
		Participant: "warehouse",
		UserID:      "u1",
		OrderID:     "o1",
		Operation:   "create",
		Outcome:     "rollout",
		Result:      model.ResultRejected,
		Error:       &msg,
		MessageID:   "1-0",
		CreatedAt:   time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `saga_logs`").
		WithArgs(entry.SagaID, entry.Participant, entry.UserID, entry.OrderID, entry.Operation,
			entry.Outcome, entry.Result, entry.Error, entry.MessageID, entry.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Record(context.Background(), entry))
	assert.Equal(t, uint64(1), entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaLogRepository_ListByOrder(t *testing.T) {
	db, mock := setupSagaLogMockDB(t)
	repo := NewSagaLogRepository(db)

	rows := sqlmock.NewRows([]string{"id", "saga_id", "participant", "user_id", "order_id", "operation", "outcome", "result"}).
		AddRow(2, "s1", "orders", "u1", "o1", "commit", "commit", "ok").
		AddRow(1, "s1", "orders", "u1", "o1", "create", "create", "ok")

	mock.ExpectQuery("SELECT \\* FROM `saga_logs` WHERE user_id = \\? AND order_id = \\? ORDER BY id DESC LIMIT \\?").
		WithArgs("u1", "o1", 10).
		WillReturnRows(rows)

	logs, err := repo.ListByOrder(context.Background(), model.OrderRef{UserID: "u1", OrderID: "o1"}, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "commit", logs[0].Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaLogRepository_ListBySaga(t *testing.T) {
	db, mock := setupSagaLogMockDB(t)
	repo := NewSagaLogRepository(db)

	mock.ExpectQuery("SELECT \\* FROM `saga_logs` WHERE saga_id = \\? ORDER BY id ASC").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "saga_id"}).AddRow(1, "s1"))

	logs, err := repo.ListBySaga(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaLogRepository_PurgeBefore(t *testing.T) {
	db, mock := setupSagaLogMockDB(t)
	repo := NewSagaLogRepository(db)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `saga_logs` WHERE created_at < \\?").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := repo.PurgeBefore(context.Background(), cutoff, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaLogRepository_PurgeBeforeBatch(t *testing.T) {
	db, mock := setupSagaLogMockDB(t)
	repo := NewSagaLogRepository(db)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery("SELECT `id` FROM `saga_logs` WHERE created_at < \\? ORDER BY id ASC LIMIT \\?").
		WithArgs(cutoff, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7).AddRow(9))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `saga_logs` WHERE id IN \\(\\?,\\?\\)").
		WithArgs(7, 9).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.PurgeBefore(context.Background(), cutoff, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mock.ExpectQuery("SELECT `id` FROM `saga_logs`").
		WithArgs(cutoff, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	n, err = repo.PurgeBefore(context.Background(), cutoff, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
