package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-relay/internal/config"
	appErrors "github.com/unclebandit/smsleopard-relay/internal/errors"
	"github.com/unclebandit/smsleopard-relay/internal/model"
)

func newMockRepo(t *testing.T, kind config.DatabaseKind, table string) (*OutboxRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cnf := &config.Configuration{
		Kind:           kind,
		TableName:      table,
		FetchProcedure: config.DEFAULT_FETCH_PROCEDURE,
		MarkProcedure:  config.DEFAULT_MARK_PROCEDURE,
	}
	repo, err := New(cnf, db, time.Second)
	require.NoError(t, err)
	return repo, mock
}

func collect(t *testing.T, repo *OutboxRepository) ([]model.OutboxRecord, []error) {
	t.Helper()
	var (
		records []model.OutboxRecord
		errs    []error
	)
	for rec, err := range repo.FetchPending(context.Background()) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func TestNew_UnsupportedKind(t *testing.T) {
	_, err := New(&config.Configuration{Kind: "DB2"}, nil, time.Second)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ConfigurationInvalid))
}

func TestFetchPending_SQLServer(t *testing.T) {
	repo, mock := newMockRepo(t, config.SQLServer, "")

	rows := sqlmock.NewRows([]string{"SmsID", "MobileNumber", "MessageText"}).
		AddRow(1, "+1555", "hi").
		AddRow(2, "+1556", "there")
	mock.ExpectQuery("USP_VF_FETCH_SMS").WillReturnRows(rows).RowsWillBeClosed()

	records, errs := collect(t, repo)
	assert.Empty(t, errs)
	assert.Equal(t, []model.OutboxRecord{
		{ID: 1, Recipient: "+1555", Body: "hi"},
		{ID: 2, Recipient: "+1556", Body: "there"},
	}, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending_NotRestartable(t *testing.T) {
	repo, mock := newMockRepo(t, config.SQLServer, "")

	mock.ExpectQuery("USP_VF_FETCH_SMS").
		WillReturnRows(sqlmock.NewRows([]string{"SmsID", "MobileNumber", "MessageText"}).AddRow(1, "+1555", "hi"))

	seq := repo.FetchPending(context.Background())
	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)

	var second []error
	for _, err := range seq {
		second = append(second, err)
	}
	require.Len(t, second, 1)
	assert.ErrorIs(t, second[0], ErrCursorConsumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending_QueryError(t *testing.T) {
	repo, mock := newMockRepo(t, config.SQLServer, "")
	mock.ExpectQuery("USP_VF_FETCH_SMS").WillReturnError(errors.New("login failed for user 'relay'"))

	records, errs := collect(t, repo)
	assert.Empty(t, records)
	require.Len(t, errs, 1)
	assert.True(t, appErrors.Is(errs[0], appErrors.StoreConnectivity))
	assert.Contains(t, errs[0].Error(), "login failed")
}

func TestFetchPending_BadRowIsSkipped(t *testing.T) {
	repo, mock := newMockRepo(t, config.SQLServer, "")

	rows := sqlmock.NewRows([]string{"SmsID", "MobileNumber", "MessageText"}).
		AddRow("not-a-number", "+1555", "hi").
		AddRow(2, "+1556", nil)
	mock.ExpectQuery("USP_VF_FETCH_SMS").WillReturnRows(rows)

	records, errs := collect(t, repo)
	require.Len(t, errs, 1)
	assert.True(t, appErrors.Is(errs[0], appErrors.RecordProcessing))
	assert.Equal(t, []model.OutboxRecord{{ID: 2, Recipient: "+1556", Body: ""}}, records)
}

func TestFetchPending_RowIterationError(t *testing.T) {
	repo, mock := newMockRepo(t, config.SQLServer, "")

	rows := sqlmock.NewRows([]string{"SmsID", "MobileNumber", "MessageText"}).
		AddRow(1, "+1555", "hi").
		AddRow(2, "+1556", "there").
		RowError(1, errors.New("connection reset by peer"))
	mock.ExpectQuery("USP_VF_FETCH_SMS").WillReturnRows(rows)

	records, errs := collect(t, repo)
	assert.Len(t, records, 1)
	require.Len(t, errs, 1)
	assert.True(t, appErrors.Is(errs[0], appErrors.StoreConnectivity))
}

func TestFetchPending_BreakClosesRows(t *testing.T) {
	repo, mock := newMockRepo(t, config.SQLServer, "")

	rows := sqlmock.NewRows([]string{"SmsID", "MobileNumber", "MessageText"}).
		AddRow(1, "+1555", "hi").
		AddRow(2, "+1556", "there")
	mock.ExpectQuery("USP_VF_FETCH_SMS").WillReturnRows(rows).RowsWillBeClosed()

	for rec, err := range repo.FetchPending(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.ID)
		break
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTransmitted_SQLServer(t *testing.T) {
	repo, mock := newMockRepo(t, config.SQLServer, "")
	mock.ExpectExec("USP_VF_UPDATE_SMS").
		WithArgs(sql.Named("SmsID", int64(7))).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkTransmitted(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTransmitted_Error(t *testing.T) {
	repo, mock := newMockRepo(t, config.SQLServer, "")
	mock.ExpectExec("USP_VF_UPDATE_SMS").
		WithArgs(sql.Named("SmsID", int64(9))).
		WillReturnError(errors.New("deadlock victim"))

	err := repo.MarkTransmitted(context.Background(), 9)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.StoreConnectivity))

	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, int64(9), appErr.RecordID)
}

func TestPostgresProcedures(t *testing.T) {
	repo, mock := newMockRepo(t, config.Postgres, "")

	mock.ExpectQuery("SELECT * FROM USP_VF_FETCH_SMS()").
		WillReturnRows(sqlmock.NewRows([]string{"id", "mobile", "message"}).AddRow(3, "+254700000000", "hello"))
	mock.ExpectExec("CALL USP_VF_UPDATE_SMS($1)").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	records, errs := collect(t, repo)
	require.Empty(t, errs)
	require.Len(t, records, 1)
	assert.NoError(t, repo.MarkTransmitted(context.Background(), records[0].ID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOracleFetchPending_CallError(t *testing.T) {
	repo, mock := newMockRepo(t, config.Oracle, "")
	mock.ExpectExec("BEGIN USP_VF_FETCH_SMS(:1); END;").
		WillReturnError(errors.New("ORA-06550: line 1, column 7: PLS-00201"))

	records, errs := collect(t, repo)
	assert.Empty(t, records)
	require.Len(t, errs, 1)
	assert.True(t, appErrors.Is(errs[0], appErrors.StoreConnectivity))
	assert.Contains(t, errs[0].Error(), "ORA-06550")
	assert.Contains(t, errs[0].Error(), "Oracle USP_VF_FETCH_SMS")

	assert.Equal(t, 0, repo.DB.Stats().InUse)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOracleMarkTransmitted(t *testing.T) {
	repo, mock := newMockRepo(t, config.Oracle, "")
	mock.ExpectExec("BEGIN USP_VF_UPDATE_SMS(:1); END;").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkTransmitted(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountBacklog(t *testing.T) {
	cases := []struct {
		kind  config.DatabaseKind
		table string
		query string
	}{
		{config.SQLServer, "dbo.VF_SMS", "SELECT COUNT(*) FROM [dbo].[VF_SMS] WHERE [SMS_process_on] IS NULL"},
		{config.Oracle, "VF_SMS", "SELECT COUNT(*) FROM VF_SMS WHERE SMS_process_on IS NULL"},
		{config.Postgres, "VF_SMS", `SELECT COUNT(*) FROM "VF_SMS" WHERE "SMS_process_on" IS NULL`},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			repo, mock := newMockRepo(t, tc.kind, tc.table)
			mock.ExpectQuery(tc.query).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

			n, err := repo.CountBacklog(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCountBacklog_NoTable(t *testing.T) {
	repo, _ := newMockRepo(t, config.SQLServer, "")
	_, err := repo.CountBacklog(context.Background())
	assert.ErrorIs(t, err, ErrBacklogUnavailable)
}

func TestCountBacklog_InvalidIdentifier(t *testing.T) {
	repo, _ := newMockRepo(t, config.SQLServer, "VF_SMS]; DROP TABLE x; --")
	_, err := repo.CountBacklog(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ConfigurationInvalid))
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, validIdentifier("SMS_process_on", 30))
	assert.True(t, validIdentifier("T1", 30))
	assert.False(t, validIdentifier("", 30))
	assert.False(t, validIdentifier("1table", 30))
	assert.False(t, validIdentifier("bad-name", 30))
	assert.False(t, validIdentifier("A_VERY_LONG_ORACLE_IDENTIFIER_NAME", 30))
}
