package repository

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/unclebandit/smsleopard-relay/internal/config"
	appErrors "github.com/unclebandit/smsleopard-relay/internal/errors"
	"github.com/unclebandit/smsleopard-relay/internal/model"
)

// OutboxRepositoryInterface defines the methods the dispatcher needs
type OutboxRepositoryInterface interface {
	FetchPending(ctx context.Context) iter.Seq2[model.OutboxRecord, error]
	MarkTransmitted(ctx context.Context, id int64) error
	CountBacklog(ctx context.Context) (int64, error)
	Close() error
}

var (
	ErrCursorConsumed     = errors.New("pending cursor already consumed")
	ErrBacklogUnavailable = errors.New("backlog query needs a table name")
)

// dialect is the store specific half of the repository: how the two
// procedures are invoked and how identifiers are quoted.
type dialect interface {
	name() string
	openPending(ctx context.Context, conn *sql.Conn, proc string) (*sql.Rows, error)
	markTransmitted(ctx context.Context, conn *sql.Conn, proc string, id int64) error
	quoteIdent(ident string) (string, error)
}

// OutboxRepository calls the fetch/mark stored procedures. Each operation
// takes its own connection from the pool and gives it back when done.
type OutboxRepository struct {
	DB *sql.DB

	timeout   time.Duration
	fetchProc string
	markProc  string
	table     string
	processed string
	dialect   dialect
}

// New picks the dialect for the configured store kind.
func New(cnf *config.Configuration, db *sql.DB, timeout time.Duration) (*OutboxRepository, error) {
	var d dialect
	switch cnf.Kind {
	case config.SQLServer:
		d = sqlServerDialect{}
	case config.Oracle:
		d = oracleDialect{}
	case config.Postgres:
		d = postgresDialect{}
	default:
		return nil, appErrors.New(appErrors.ConfigurationInvalid, "new repository",
			fmt.Errorf("database type %q is not supported", cnf.Kind))
	}

	return &OutboxRepository{
		DB:        db,
		timeout:   timeout,
		fetchProc: cnf.FetchProcedure,
		markProc:  cnf.MarkProcedure,
		table:     cnf.TableName,
		processed: cnf.Column(config.ColumnProcessedOn),
		dialect:   d,
	}, nil
}

// FetchPending runs the fetch procedure and yields its rows in store order.
// The sequence can be ranged over once; the procedure stamps every returned
// row as processed, so running it again would claim a different batch.
func (r *OutboxRepository) FetchPending(ctx context.Context) iter.Seq2[model.OutboxRecord, error] {
	const op = "fetch pending"
	var consumed atomic.Bool

	return func(yield func(model.OutboxRecord, error) bool) {
		if consumed.Swap(true) {
			yield(model.OutboxRecord{}, appErrors.New(appErrors.RecordProcessing, op, ErrCursorConsumed))
			return
		}

		// the timeout bounds opening the cursor; rows stay readable for as long as the caller iterates
		qctx, cancel := context.WithCancel(ctx)
		defer cancel()
		timer := time.AfterFunc(r.timeout, cancel)

		conn, err := r.DB.Conn(qctx)
		if err != nil {
			timer.Stop()
			yield(model.OutboxRecord{}, appErrors.New(appErrors.StoreConnectivity, op,
				errors.Wrapf(err, "acquire %s connection", r.dialect.name())))
			return
		}
		defer conn.Close()

		rows, err := r.dialect.openPending(qctx, conn, r.fetchProc)
		timer.Stop()
		if err != nil {
			yield(model.OutboxRecord{}, appErrors.New(appErrors.StoreConnectivity, op,
				errors.Wrapf(err, "%s %s", r.dialect.name(), r.fetchProc)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec       model.OutboxRecord
				recipient sql.NullString
				body      sql.NullString
			)
			if err := rows.Scan(&rec.ID, &recipient, &body); err != nil {
				if !yield(model.OutboxRecord{}, appErrors.New(appErrors.RecordProcessing, op,
					errors.Wrap(err, "scan outbox row"))) {
					return
				}
				continue
			}
			rec.Recipient = recipient.String
			rec.Body = body.String

			if !yield(rec, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(model.OutboxRecord{}, appErrors.New(appErrors.StoreConnectivity, op,
				errors.Wrap(err, "read outbox rows")))
		}
	}
}

// MarkTransmitted stamps the record's transmitted column through the mark procedure.
func (r *OutboxRepository) MarkTransmitted(ctx context.Context, id int64) error {
	const op = "mark transmitted"

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return appErrors.NewRecord(appErrors.StoreConnectivity, op, id,
			errors.Wrapf(err, "acquire %s connection", r.dialect.name()))
	}
	defer conn.Close()

	if err := r.dialect.markTransmitted(ctx, conn, r.markProc, id); err != nil {
		return appErrors.NewRecord(appErrors.StoreConnectivity, op, id,
			errors.Wrapf(err, "%s %s", r.dialect.name(), r.markProc))
	}
	return nil
}

// CountBacklog counts rows the fetch procedure has not claimed yet.
func (r *OutboxRepository) CountBacklog(ctx context.Context) (int64, error) {
	const op = "count backlog"

	if r.table == "" {
		return 0, ErrBacklogUnavailable
	}
	table, err := r.dialect.quoteIdent(r.table)
	if err != nil {
		return 0, appErrors.New(appErrors.ConfigurationInvalid, op, err)
	}
	column, err := r.dialect.quoteIdent(r.processed)
	if err != nil {
		return 0, appErrors.New(appErrors.ConfigurationInvalid, op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NULL", table, column)

	var n int64
	if err := r.DB.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, appErrors.New(appErrors.StoreConnectivity, op, errors.Wrap(err, r.dialect.name()))
	}
	return n, nil
}

func (r *OutboxRepository) Close() error {
	return r.DB.Close()
}
