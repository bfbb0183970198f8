package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kasuganosora/mailsystem/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// gorm pings during initialization
	mock.ExpectPing()

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	return New(gdb, time.Second, zap.NewNop()), mock
}

func TestMock_MarkClaimed_LostRace(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "mails" SET "status"=`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.MarkClaimed(context.Background(), 7, 2, time.Now())
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.NoError(t, mock.ExpectationsWereMet(), "no claim record is written")
}

func TestMock_MarkClaimed_Winner(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "mails" SET "status"=`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "mail_claims"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	require.NoError(t, s.MarkClaimed(context.Background(), 7, 2, time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_BeginFails_Unavailable(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	err := s.Quarantine(context.Background(), 7)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_BeginFails_Retryable(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)
	err := s.InsertMail(context.Background(), &model.Mail{RecipientID: 2, Title: "t"}, nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, ErrRetryable, "nothing ran")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_FailureInsideTx_NotRetryable(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "mails"`)).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := s.InsertMail(context.Background(), &model.Mail{RecipientID: 2, Title: "t"}, nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrRetryable, "the insert may have reached the server")
}

func TestMock_StatementError_NotUnavailable(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "mails"`)).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.Quarantine(context.Background(), 7)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestMock_Ping(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectPing()
	assert.NoError(t, s.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
