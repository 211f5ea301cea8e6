package sqldoc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/filter"
)

const rowColumns = "a0.row_id, a0.id, a0.version, a0.valid_from, a0.valid_to, a0.last_write, a0.hash, a0.content, a0.idx"

type collection struct {
	db    *sql.DB
	d     Dialect
	name  string
	table string
}

func (c *collection) Name() string { return c.name }

func (c *collection) selectSQL(q docstore.Query, what string) (string, []any, error) {
	l := newLowerer(c.d)
	where, err := l.lower(q.Filter, "a0")
	if err != nil {
		return "", nil, err
	}
	stmt := "SELECT " + what + " FROM " + c.table + " a0 WHERE (" + where + ")"
	if q.AfterRow > 0 {
		stmt += " AND a0.row_id > " + l.bind(q.AfterRow)
	}
	if what == rowColumns {
		stmt += " ORDER BY a0.row_id"
	}
	if q.Limit > 0 {
		stmt += " LIMIT " + strconv.Itoa(q.Limit)
	}
	return stmt, l.args, nil
}

func (c *collection) Explain(q docstore.Query) (string, []any, error) {
	return c.selectSQL(q, rowColumns)
}

func (c *collection) Find(ctx context.Context, q docstore.Query) ([]*docstore.Row, error) {
	stmt, args, err := c.selectSQL(q, rowColumns)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.name, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*docstore.Row
	for rows.Next() {
		var (
			r            docstore.Row
			content, idx []byte
		)
		if err := rows.Scan(&r.RowID, &r.ID, &r.Version, &r.ValidFrom, &r.ValidTo, &r.LastWrite, &r.Hash, &content, &idx); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.name, err)
		}
		r.Content = content
		r.Index = idx
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (c *collection) Count(ctx context.Context, f filter.Filter) (int64, error) {
	stmt, args, err := c.selectSQL(docstore.Query{Filter: f}, "COUNT(*)")
	if err != nil {
		return 0, err
	}
	var n int64
	if err := c.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

func (c *collection) DeleteWhere(ctx context.Context, f filter.Filter) (int64, error) {
	sub, args, err := c.selectSQL(docstore.Query{Filter: f}, "a0.row_id")
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, "DELETE FROM "+c.table+" WHERE row_id IN ("+sub+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", c.name, err)
	}
	return res.RowsAffected()
}

func (c *collection) Apply(ctx context.Context, b docstore.WriteBatch) (err error) {
	if b.Empty() {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", c.name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	p := c.d.Placeholder
	live := strconv.FormatInt(docstore.Forever, 10)

	closeSQL := "UPDATE " + c.table + " SET valid_to = " + p(1) + ", last_write = " + p(2) +
		" WHERE row_id = " + p(3) + " AND valid_to = " + live
	for _, cl := range b.Closes {
		if err = expectOne(tx.ExecContext(ctx, closeSQL, cl.ValidTo, cl.LastWrite, cl.RowID)); err != nil {
			return err
		}
	}

	touchSQL := "UPDATE " + c.table + " SET last_write = " + p(1) +
		" WHERE row_id = " + p(2) + " AND valid_to = " + live
	for _, t := range b.Touches {
		if err = expectOne(tx.ExecContext(ctx, touchSQL, t.LastWrite, t.RowID)); err != nil {
			return err
		}
	}

	insertSQL := "INSERT INTO " + c.table + " (id, version, valid_from, valid_to, last_write, hash, content, idx) VALUES (" +
		p(1) + ", " + p(2) + ", " + p(3) + ", " + p(4) + ", " + p(5) + ", " + p(6) + ", " + p(7) + ", " + p(8) + ") RETURNING row_id"
	for _, r := range b.Inserts {
		err = tx.QueryRowContext(ctx, insertSQL, r.ID, r.Version, r.ValidFrom, r.ValidTo, r.LastWrite, r.Hash, string(r.Content), string(r.Index)).Scan(&r.RowID)
		if err != nil {
			if c.d.IsUniqueViolation(err) {
				err = docstore.ErrConflict
				return err
			}
			return fmt.Errorf("insert into %s: %w", c.name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		if c.d.IsUniqueViolation(err) {
			err = docstore.ErrConflict
			return err
		}
		return fmt.Errorf("commit %s: %w", c.name, err)
	}
	return nil
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return docstore.ErrConflict
	}
	return nil
}

// IsConflict reports whether err is a write conflict.
func IsConflict(err error) bool { return errors.Is(err, docstore.ErrConflict) }
