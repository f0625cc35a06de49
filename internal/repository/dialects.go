package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	go_ora "github.com/sijms/go-ora/v2"
)

// SQL Server: go-mssqldb runs a bare procedure name as an RPC call.
type sqlServerDialect struct{}

func (sqlServerDialect) name() string { return "SQL Server" }

func (sqlServerDialect) openPending(ctx context.Context, conn *sql.Conn, proc string) (*sql.Rows, error) {
	return conn.QueryContext(ctx, proc)
}

func (sqlServerDialect) markTransmitted(ctx context.Context, conn *sql.Conn, proc string, id int64) error {
	_, err := conn.ExecContext(ctx, proc, sql.Named("SmsID", id))
	return err
}

func (sqlServerDialect) quoteIdent(ident string) (string, error) {
	return quoteParts(ident, 128, func(p string) string { return "[" + p + "]" })
}

// Oracle: the fetch procedure hands its rows back through an OUT ref cursor.
type oracleDialect struct{}

func (oracleDialect) name() string { return "Oracle" }

func (oracleDialect) openPending(ctx context.Context, conn *sql.Conn, proc string) (*sql.Rows, error) {
	var cursor go_ora.RefCursor
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("BEGIN %s(:1); END;", proc), sql.Out{Dest: &cursor}); err != nil {
		return nil, err
	}
	return go_ora.WrapRefCursor(ctx, conn, &cursor)
}

func (oracleDialect) markTransmitted(ctx context.Context, conn *sql.Conn, proc string, id int64) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf("BEGIN %s(:1); END;", proc), id)
	return err
}

// unquoted, so Oracle folds to upper case the same way the provisioning scripts did
func (oracleDialect) quoteIdent(ident string) (string, error) {
	return quoteParts(ident, 30, func(p string) string { return p })
}

// Postgres: the fetch side is a set returning function, the mark side a procedure.
type postgresDialect struct{}

func (postgresDialect) name() string { return "Postgres" }

func (postgresDialect) openPending(ctx context.Context, conn *sql.Conn, proc string) (*sql.Rows, error) {
	return conn.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s()", proc))
}

func (postgresDialect) markTransmitted(ctx context.Context, conn *sql.Conn, proc string, id int64) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf("CALL %s($1)", proc), id)
	return err
}

func (postgresDialect) quoteIdent(ident string) (string, error) {
	return quoteParts(ident, 63, pq.QuoteIdentifier)
}

// quoteParts validates each dot separated part of an identifier and quotes it.
func quoteParts(ident string, maxLen int, quote func(string) string) (string, error) {
	parts := strings.Split(ident, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid identifier %q", ident)
	}
	for i, p := range parts {
		if !validIdentifier(p, maxLen) {
			return "", fmt.Errorf("invalid identifier %q", ident)
		}
		parts[i] = quote(p)
	}
	return strings.Join(parts, "."), nil
}

// validIdentifier: starts with a letter, then letters, digits or underscores.
func validIdentifier(s string, maxLen int) bool {
	if s == "" || len(s) > maxLen {
		return false
	}
	for i, c := range s {
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if i == 0 && !isLetter {
			return false
		}
		if !isLetter && !(c >= '0' && c <= '9') && c != '_' {
			return false
		}
	}
	return true
}
