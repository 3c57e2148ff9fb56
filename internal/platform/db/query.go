package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Query builds filtered SELECTs with positional arguments.
type Query struct {
	table   string
	cols    string
	where   []string
	args    []interface{}
	orderBy string
}

// NewQuery creates a query over table returning cols.
func NewQuery(table, cols string) *Query {
	return &Query{table: table, cols: cols}
}

// Where appends an AND condition. Each "?" in cond is bound, in order, to the
// next value of args.
func (q *Query) Where(cond string, args ...interface{}) *Query {
	var b strings.Builder
	n := 0
	for _, r := range cond {
		if r == '?' && n < len(args) {
			q.args = append(q.args, args[n])
			n++
			fmt.Fprintf(&b, "$%d", len(q.args))
			continue
		}
		b.WriteRune(r)
	}
	q.where = append(q.where, b.String())
	return q
}

// OrderBy sets the ORDER BY expression.
func (q *Query) OrderBy(expr string) *Query {
	q.orderBy = expr
	return q
}

func (q *Query) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// CountSQL returns the count query and its arguments.
func (q *Query) CountSQL() (string, []interface{}) {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", q.table, q.whereSQL()), q.args
}

// SelectSQL returns the unpaginated data query and its arguments.
func (q *Query) SelectSQL() (string, []interface{}) {
	sql := fmt.Sprintf("SELECT %s FROM %s%s", q.cols, q.table, q.whereSQL())
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql, q.args
}

// PageSQL returns the data query with LIMIT/OFFSET and its arguments.
func (q *Query) PageSQL(limit, offset int) (string, []interface{}) {
	sql, args := q.SelectSQL()
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	out := make([]interface{}, len(args), len(args)+2)
	copy(out, args)
	return sql, append(out, limit, offset)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation, optionally on a specific constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !asPgError(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}
