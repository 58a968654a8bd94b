// Package sqlite is a DataProvider storing records as JSON documents in one
// SQLite table. Filters, sorting and paging run in SQL through SQLite's JSON
// functions and follow the same conventions as the memory provider.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	dp "github.com/unkn0wn-root/dataprovider"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	resource TEXT NOT NULL,
	id       TEXT NOT NULL,
	doc      TEXT NOT NULL,
	UNIQUE (resource, id)
);
CREATE INDEX IF NOT EXISTS records_resource ON records (resource, seq);
`

// Provider is safe for concurrent use.
type Provider struct {
	db  *sql.DB
	log dp.Logger
}

var _ dp.DataProvider = (*Provider)(nil)

// Open opens (or creates) the database at dsn, e.g. "file:admin.db" or
// ":memory:".
func Open(dsn string, logger dp.Logger) (*Provider, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one connection: an in-memory database is per connection and SQLite
	// serializes writers anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	if logger == nil {
		logger = dp.NopLogger{}
	}
	return &Provider{db: db, log: logger}, nil
}

func (p *Provider) Close() error { return p.db.Close() }

// Seed inserts records, replacing any with the same id.
func (p *Provider) Seed(ctx context.Context, resource string, recs []dp.Record) error {
	return p.tx(ctx, func(tx *sql.Tx) error {
		for _, r := range recs {
			id := r.ID()
			if id == "" {
				id = dp.Identifier(uuid.NewString())
			}
			doc, err := encode(r, id)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO records (resource, id, doc) VALUES (?, ?, ?)
				 ON CONFLICT (resource, id) DO UPDATE SET doc = excluded.doc`,
				resource, string(id), doc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Provider) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return dp.NormalizeError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var te *dp.TransportError
		if errors.As(err, &te) {
			return te
		}
		return dp.NewTransportError(http.StatusInternalServerError, err.Error(), nil)
	}
	if err := tx.Commit(); err != nil {
		return dp.NewTransportError(http.StatusInternalServerError, err.Error(), nil)
	}
	return nil
}

func encode(r dp.Record, id dp.Identifier) (string, error) {
	doc := make(dp.Record, len(r)+1)
	for k, v := range r {
		doc[k] = v
	}
	doc["id"] = string(id)
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(b), nil
}

func decode(doc string) (dp.Record, error) {
	var r dp.Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

func notFound(resource string, id dp.Identifier) error {
	return dp.NewTransportError(http.StatusNotFound, fmt.Sprintf("%s %s not found", resource, id), nil)
}

// ==============================
// Reads
// ==============================

func (p *Provider) GetList(ctx context.Context, resource string, params dp.GetListParams) (*dp.ListResult, error) {
	return p.query(ctx, resource, params.Filter, params.Sort, params.Pagination)
}

func (p *Provider) GetManyReference(ctx context.Context, resource string, params dp.GetManyReferenceParams) (*dp.ListResult, error) {
	f := dp.Filter{}
	for k, v := range params.Filter {
		f[k] = v
	}
	f[params.Target] = string(params.ID)
	return p.query(ctx, resource, f, params.Sort, params.Pagination)
}

func (p *Provider) query(ctx context.Context, resource string, f dp.Filter, s dp.Sort, pg dp.Pagination) (*dp.ListResult, error) {
	where, args, err := buildWhere(resource, f)
	if err != nil {
		return nil, err
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records r WHERE "+where, args...).Scan(&total); err != nil {
		return nil, dp.NormalizeError(err)
	}

	q := "SELECT doc FROM records r WHERE " + where
	if s.Field != "" {
		path, err := jsonPath(s.Field)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if strings.EqualFold(string(s.Order), string(dp.SortDesc)) {
			dir = "DESC"
		}
		q += " ORDER BY json_extract(r.doc, ?) IS NULL, json_extract(r.doc, ?) " + dir + ", r.seq"
		args = append(args, path, path)
	} else {
		q += " ORDER BY r.seq"
	}
	if pg.PerPage > 0 {
		page := pg.Page
		if page < 1 {
			page = 1
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, pg.PerPage, (page-1)*pg.PerPage)
	}

	recs, err := p.scan(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return &dp.ListResult{Data: recs, Total: total}, nil
}

func (p *Provider) scan(ctx context.Context, q string, args ...any) ([]dp.Record, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dp.NormalizeError(err)
	}
	defer rows.Close()
	out := []dp.Record{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, dp.NormalizeError(err)
		}
		r, err := decode(doc)
		if err != nil {
			return nil, dp.NormalizeError(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, dp.NormalizeError(err)
	}
	return out, nil
}

func (p *Provider) getDoc(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, resource string, id dp.Identifier) (dp.Record, error) {
	var doc string
	err := q.QueryRowContext(ctx, "SELECT doc FROM records WHERE resource = ? AND id = ?", resource, string(id)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(resource, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

func (p *Provider) GetOne(ctx context.Context, resource string, params dp.GetOneParams) (*dp.RecordResult, error) {
	r, err := p.getDoc(ctx, p.db, resource, params.ID)
	if err != nil {
		return nil, dp.NormalizeError(err)
	}
	return &dp.RecordResult{Data: r}, nil
}

// GetMany returns the records that exist, in the order of params.IDs.
func (p *Provider) GetMany(ctx context.Context, resource string, params dp.GetManyParams) (*dp.RecordsResult, error) {
	if len(params.IDs) == 0 {
		return &dp.RecordsResult{Data: []dp.Record{}}, nil
	}
	args := []any{resource}
	for _, id := range params.IDs {
		args = append(args, string(id))
	}
	recs, err := p.scan(ctx,
		"SELECT doc FROM records WHERE resource = ? AND id IN ("+placeholders(len(params.IDs))+")", args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[dp.Identifier]dp.Record, len(recs))
	for _, r := range recs {
		byID[r.ID()] = r
	}
	out := make([]dp.Record, 0, len(recs))
	for _, id := range params.IDs {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return &dp.RecordsResult{Data: out}, nil
}

// ==============================
// Writes
// ==============================

// Create assigns a UUID when the record has no id.
func (p *Provider) Create(ctx context.Context, resource string, params dp.CreateParams) (*dp.RecordResult, error) {
	id := params.Data.ID()
	if id == "" {
		id = dp.Identifier(uuid.NewString())
	}
	var out dp.Record
	err := p.tx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE resource = ? AND id = ?", resource, string(id)).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return dp.NewTransportError(http.StatusConflict, fmt.Sprintf("%s %s already exists", resource, id), nil)
		}
		doc, err := encode(params.Data, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO records (resource, id, doc) VALUES (?, ?, ?)", resource, string(id), doc); err != nil {
			return err
		}
		out, err = decode(doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.log.Debug("record created", dp.Fields{"resource": resource, "id": id})
	return &dp.RecordResult{Data: out}, nil
}

func (p *Provider) Update(ctx context.Context, resource string, params dp.UpdateParams) (*dp.RecordResult, error) {
	var out dp.Record
	err := p.tx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = p.merge(ctx, tx, resource, params.ID, params.Data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &dp.RecordResult{Data: out}, nil
}

// UpdateMany skips ids that do not exist and returns those it changed.
func (p *Provider) UpdateMany(ctx context.Context, resource string, params dp.UpdateManyParams) (*dp.IDsResult, error) {
	done := make([]dp.Identifier, 0, len(params.IDs))
	err := p.tx(ctx, func(tx *sql.Tx) error {
		for _, id := range params.IDs {
			if _, err := p.merge(ctx, tx, resource, id, params.Data); err != nil {
				if dp.IsStatus(err, http.StatusNotFound) {
					continue
				}
				return err
			}
			done = append(done, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dp.IDsResult{Data: done}, nil
}

func (p *Provider) merge(ctx context.Context, tx *sql.Tx, resource string, id dp.Identifier, data dp.Record) (dp.Record, error) {
	r, err := p.getDoc(ctx, tx, resource, id)
	if err != nil {
		return nil, err
	}
	for k, v := range data {
		if k == "id" {
			continue
		}
		r[k] = v
	}
	doc, err := encode(r, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE records SET doc = ? WHERE resource = ? AND id = ?", doc, resource, string(id)); err != nil {
		return nil, err
	}
	return decode(doc)
}

func (p *Provider) Delete(ctx context.Context, resource string, params dp.DeleteParams) (*dp.RecordResult, error) {
	var out dp.Record
	err := p.tx(ctx, func(tx *sql.Tx) error {
		r, err := p.getDoc(ctx, tx, resource, params.ID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE resource = ? AND id = ?", resource, string(params.ID)); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dp.RecordResult{Data: out}, nil
}

// DeleteMany skips ids that do not exist and returns those it removed.
func (p *Provider) DeleteMany(ctx context.Context, resource string, params dp.DeleteManyParams) (*dp.IDsResult, error) {
	done := make([]dp.Identifier, 0, len(params.IDs))
	err := p.tx(ctx, func(tx *sql.Tx) error {
		for _, id := range params.IDs {
			res, err := tx.ExecContext(ctx, "DELETE FROM records WHERE resource = ? AND id = ?", resource, string(id))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				done = append(done, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dp.IDsResult{Data: done}, nil
}

// Len returns how many records resource holds.
func (p *Provider) Len(ctx context.Context, resource string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE resource = ?", resource).Scan(&n)
	return n, err
}

// ==============================
// Filters
// ==============================

var fieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func jsonPath(field string) (string, error) {
	if !fieldRe.MatchString(field) {
		return "", dp.NewTransportError(http.StatusBadRequest, fmt.Sprintf("invalid field name %q", field), nil)
	}
	return "$." + field, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func splitOp(key string) (field, op string) {
	for _, op := range []string{"neq", "gte", "gt", "lte", "lt", "q"} {
		if strings.HasSuffix(key, "_"+op) {
			return strings.TrimSuffix(key, "_"+op), op
		}
	}
	return key, ""
}

// values flattens a filter value into normalized strings; a slice means "any of".
func values(v any) []any {
	var out []any
	switch x := v.(type) {
	case []any:
		for _, e := range x {
			out = append(out, string(dp.ID(e)))
		}
	case []string:
		for _, e := range x {
			out = append(out, e)
		}
	case []dp.Identifier:
		for _, e := range x {
			out = append(out, string(e))
		}
	default:
		out = append(out, string(dp.ID(v)))
	}
	return out
}

// orderable returns v as a number when it parses as one.
func orderable(v any) any {
	s := string(dp.ID(v))
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func buildWhere(resource string, f dp.Filter) (string, []any, error) {
	conds := []string{"r.resource = ?"}
	args := []any{resource}
	for key, want := range f {
		if key == "q" {
			conds = append(conds, "EXISTS (SELECT 1 FROM json_tree(r.doc) je WHERE je.type = 'text' AND je.value LIKE ?)")
			args = append(args, "%"+fmt.Sprint(want)+"%")
			continue
		}
		field, op := splitOp(key)
		path, err := jsonPath(field)
		if err != nil {
			return "", nil, err
		}
		switch op {
		case "", "neq":
			vs := values(want)
			if len(vs) == 0 {
				conds = append(conds, "0")
				continue
			}
			// json_each visits a scalar as one row and an array element-wise
			c := "EXISTS (SELECT 1 FROM json_each(r.doc, ?) je WHERE CAST(je.value AS TEXT) IN (" + placeholders(len(vs)) + "))"
			if op == "neq" {
				c = "NOT " + c
			}
			conds = append(conds, c)
			args = append(args, path)
			args = append(args, vs...)
		case "gt", "gte", "lt", "lte":
			sym := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[op]
			conds = append(conds, "json_extract(r.doc, ?) "+sym+" ?")
			args = append(args, path, orderable(want))
		case "q":
			conds = append(conds, "CAST(json_extract(r.doc, ?) AS TEXT) LIKE ?")
			args = append(args, path, "%"+fmt.Sprint(want)+"%")
		}
	}
	return strings.Join(conds, " AND "), args, nil
}
