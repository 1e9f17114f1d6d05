// Package sqlconsole runs a small SQL dialect against any document database
// and serves it over the PostgreSQL wire protocol.
//
// Tables are collections. Every row has an "id" column holding the document id;
// the other columns are document fields.
package sqlconsole

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xwb1989/sqlparser"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/docstore"
)

// IDColumn names the document id in every table.
const IDColumn = "id"

// Result is the outcome of one statement. Tag is the PostgreSQL command tag.
type Result struct {
	Columns      []string
	Rows         [][]string
	RowsAffected int
	LastInsertID string
	Tag          string
}

// Executor executes SQL statements against a database.
type Executor struct {
	db       polybase.DatabaseProvider
	logger   polybase.Logger
	now      func() time.Time
	profiler *Profiler
}

// NewExecutor returns an executor over db. A nil logger discards output.
func NewExecutor(db polybase.DatabaseProvider, logger polybase.Logger) *Executor {
	if logger == nil {
		logger = &polybase.NoOpLogger{}
	}
	return &Executor{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithProfiler records a Profile for every statement executed.
func (e *Executor) WithProfiler(p *Profiler) *Executor {
	e.profiler = p
	return e
}

// Execute parses and runs one statement. A trailing semicolon is ignored.
func (e *Executor) Execute(ctx context.Context, sql string) (*Result, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")
	if sql == "" {
		return &Result{}, nil
	}
	if e.profiler == nil {
		return e.execute(ctx, sql)
	}

	prof := &Profile{Statement: strings.ToUpper(strings.Fields(sql)[0])}
	start := time.Now()
	res, err := e.execute(context.WithValue(ctx, profileKey{}, prof), sql)
	prof.Duration = time.Since(start)
	prof.Err = err
	if res != nil {
		prof.Rows = max(len(res.Rows), res.RowsAffected)
	}
	e.profiler.Record(*prof)
	if prof.Duration > e.profiler.Threshold() {
		e.logger.Warn("Slow statement",
			"statement", prof.Statement,
			"table", prof.Table,
			"duration", prof.Duration,
			"full_scan", prof.FullScan)
	}
	return res, err
}

func (e *Executor) execute(ctx context.Context, sql string) (*Result, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, polybase.Wrap(polybase.ErrInvalidData, err, map[string]interface{}{"sql": sql})
	}

	switch s := stmt.(type) {
	case *sqlparser.DDL:
		return e.executeDDL(ctx, s)
	case *sqlparser.Select:
		return e.executeSelect(ctx, s)
	case *sqlparser.Insert:
		return e.executeInsert(ctx, s)
	case *sqlparser.Update:
		return e.executeUpdate(ctx, s)
	case *sqlparser.Delete:
		return e.executeDelete(ctx, s)
	case *sqlparser.Show:
		return e.executeShow(ctx, s)
	}
	return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
		"statement": fmt.Sprintf("%T", stmt),
	})
}

// executeDDL accepts CREATE TABLE as a no-op since collections are implicit.
// DROP TABLE deletes every document of the collection.
func (e *Executor) executeDDL(ctx context.Context, stmt *sqlparser.DDL) (*Result, error) {
	switch stmt.Action {
	case sqlparser.CreateStr:
		return &Result{Tag: "CREATE TABLE"}, nil
	case sqlparser.DropStr:
		name := stmt.Table.Name.String()
		if prof := profileFrom(ctx); prof != nil {
			prof.Table = name
			prof.FullScan = true
		}
		docs, err := e.db.Query(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := e.deleteAll(ctx, name, docs); err != nil {
			return nil, err
		}
		e.logger.Info("Collection dropped", "collection", name, "documents", len(docs))
		return &Result{RowsAffected: len(docs), Tag: "DROP TABLE"}, nil
	}
	return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{"ddl": stmt.Action})
}

// executeShow answers SHOW TABLES with the collection names.
func (e *Executor) executeShow(ctx context.Context, stmt *sqlparser.Show) (*Result, error) {
	if !strings.EqualFold(stmt.Type, "tables") {
		return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{"show": stmt.Type})
	}
	names, err := e.db.Collections(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{"table_name"}}
	for _, n := range names {
		res.Rows = append(res.Rows, []string{n})
	}
	res.Tag = fmt.Sprintf("SELECT %d", len(res.Rows))
	return res, nil
}

func (e *Executor) executeSelect(ctx context.Context, stmt *sqlparser.Select) (*Result, error) {
	if len(stmt.From) != 1 {
		return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"reason": "only single table SELECT is supported",
		})
	}
	table, err := tableName(stmt.From[0])
	if err != nil {
		return nil, err
	}
	if table == "dual" {
		return selectLiterals(stmt)
	}

	docs, err := e.find(ctx, table, stmt.Where)
	if err != nil {
		return nil, err
	}
	if err := orderRows(docs, stmt.OrderBy); err != nil {
		return nil, err
	}
	if docs, err = limitRows(docs, stmt.Limit); err != nil {
		return nil, err
	}

	if n, ok := countStar(stmt.SelectExprs); ok {
		return &Result{
			Columns: []string{n},
			Rows:    [][]string{{strconv.Itoa(len(docs))}},
			Tag:     "SELECT 1",
		}, nil
	}

	var columns, names []string
	for _, expr := range stmt.SelectExprs {
		switch se := expr.(type) {
		case *sqlparser.StarExpr:
			cols := starColumns(docs)
			columns = append(columns, cols...)
			names = append(names, cols...)
		case *sqlparser.AliasedExpr:
			col, ok := se.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
					"expression": sqlparser.String(se.Expr),
				})
			}
			columns = append(columns, col.Name.String())
			name := col.Name.String()
			if !se.As.IsEmpty() {
				name = se.As.String()
			}
			names = append(names, name)
		}
	}

	res := &Result{Columns: names, Rows: make([][]string, len(docs))}
	for i, doc := range docs {
		row := rowOf(doc)
		res.Rows[i] = make([]string, len(columns))
		for j, c := range columns {
			res.Rows[i][j] = formatValue(row[c])
		}
	}
	res.Tag = fmt.Sprintf("SELECT %d", len(res.Rows))
	return res, nil
}

func (e *Executor) executeInsert(ctx context.Context, stmt *sqlparser.Insert) (*Result, error) {
	table := stmt.Table.Name.String()
	if prof := profileFrom(ctx); prof != nil {
		prof.Table = table
	}
	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"reason": "only VALUES is supported for INSERT",
		})
	}
	columns := make([]string, len(stmt.Columns))
	for i, c := range stmt.Columns {
		columns[i] = c.String()
	}

	var lastID string
	for _, tuple := range rows {
		if len(tuple) != len(columns) {
			return nil, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
				"reason": "column and value counts differ",
			})
		}
		fields := polybase.Fields{}
		id := ""
		for i, val := range tuple {
			v, err := evalExpr(val)
			if err != nil {
				return nil, err
			}
			if columns[i] == IDColumn {
				s, ok := v.(string)
				if !ok || s == "" {
					return nil, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
						"field":  IDColumn,
						"reason": "id must be a non-empty string",
					})
				}
				id = s
				continue
			}
			fields[columns[i]] = v
		}
		if id == "" {
			doc, err := e.db.Create(ctx, table, fields)
			if err != nil {
				return nil, err
			}
			lastID = doc.ID
			continue
		}
		if _, err := e.db.Get(ctx, table, id); err == nil {
			return nil, polybase.WithContext(polybase.ErrAlreadyExists, map[string]interface{}{
				"collection": table,
				"id":         id,
			})
		} else if !polybase.IsNotFound(err) {
			return nil, err
		}
		now := e.now()
		doc := polybase.Document{ID: id, Collection: table, Fields: fields, CreatedAt: now, UpdatedAt: now}
		if err := e.db.Upsert(ctx, doc); err != nil {
			return nil, err
		}
		lastID = id
	}
	return &Result{
		RowsAffected: len(rows),
		LastInsertID: lastID,
		Tag:          fmt.Sprintf("INSERT 0 %d", len(rows)),
	}, nil
}

func (e *Executor) executeUpdate(ctx context.Context, stmt *sqlparser.Update) (*Result, error) {
	if len(stmt.TableExprs) != 1 {
		return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"reason": "only single table UPDATE is supported",
		})
	}
	table, err := tableName(stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}
	updates := polybase.Fields{}
	for _, expr := range stmt.Exprs {
		name := expr.Name.Name.String()
		if name == IDColumn {
			return nil, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
				"field":  IDColumn,
				"reason": "document ids are immutable",
			})
		}
		v, err := evalExpr(expr.Expr)
		if err != nil {
			return nil, err
		}
		updates[name] = v
	}

	docs, err := e.find(ctx, table, stmt.Where)
	if err != nil {
		return nil, err
	}
	if len(docs) > 0 {
		err = e.db.Transaction(ctx, func(tx polybase.Tx) error {
			for _, doc := range docs {
				if err := tx.Update(table, doc.ID, updates); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return &Result{RowsAffected: len(docs), Tag: fmt.Sprintf("UPDATE %d", len(docs))}, nil
}

func (e *Executor) executeDelete(ctx context.Context, stmt *sqlparser.Delete) (*Result, error) {
	if len(stmt.TableExprs) != 1 {
		return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"reason": "only single table DELETE is supported",
		})
	}
	table, err := tableName(stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}
	docs, err := e.find(ctx, table, stmt.Where)
	if err != nil {
		return nil, err
	}
	if err := e.deleteAll(ctx, table, docs); err != nil {
		return nil, err
	}
	return &Result{RowsAffected: len(docs), Tag: fmt.Sprintf("DELETE %d", len(docs))}, nil
}

func (e *Executor) deleteAll(ctx context.Context, table string, docs []polybase.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return e.db.Transaction(ctx, func(tx polybase.Tx) error {
		for _, doc := range docs {
			if err := tx.Delete(table, doc.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// find pushes the top-level AND comparisons on fields down to the database
// and evaluates the rest of the WHERE clause on the returned documents.
func (e *Executor) find(ctx context.Context, table string, where *sqlparser.Where) ([]polybase.Document, error) {
	var expr sqlparser.Expr
	if where != nil {
		expr = where.Expr
	}
	var filters []polybase.Filter
	var residual []sqlparser.Expr
	for _, c := range conjuncts(expr) {
		f, ok, err := pushdown(c)
		if err != nil {
			return nil, err
		}
		if ok {
			filters = append(filters, f)
		} else {
			residual = append(residual, c)
		}
	}
	if prof := profileFrom(ctx); prof != nil {
		prof.Table = table
		prof.Pushed = len(filters)
		prof.Residual = len(residual)
		prof.FullScan = len(filters) == 0
	}
	docs, err := e.db.Query(ctx, table, filters...)
	if err != nil {
		return nil, err
	}
	if len(residual) == 0 {
		return docs, nil
	}
	out := docs[:0]
	for _, doc := range docs {
		row := rowOf(doc)
		keep := true
		for _, r := range residual {
			ok, err := matches(row, r)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, doc)
		}
	}
	return out, nil
}

// conjuncts flattens nested ANDs.
func conjuncts(expr sqlparser.Expr) []sqlparser.Expr {
	switch x := expr.(type) {
	case nil:
		return nil
	case *sqlparser.AndExpr:
		return append(conjuncts(x.Left), conjuncts(x.Right)...)
	case *sqlparser.ParenExpr:
		if _, ok := x.Expr.(*sqlparser.AndExpr); ok {
			return conjuncts(x.Expr)
		}
	}
	return []sqlparser.Expr{expr}
}

var operators = map[string]polybase.Operator{
	sqlparser.EqualStr:        polybase.OpEqual,
	sqlparser.NotEqualStr:     polybase.OpNotEqual,
	sqlparser.GreaterThanStr:  polybase.OpGreater,
	sqlparser.GreaterEqualStr: polybase.OpGreaterEqual,
	sqlparser.LessThanStr:     polybase.OpLess,
	sqlparser.LessEqualStr:    polybase.OpLessEqual,
}

// comparison extracts "column op literal", accepting the literal on either side.
func comparison(c *sqlparser.ComparisonExpr) (string, polybase.Operator, interface{}, bool, error) {
	op, ok := operators[c.Operator]
	if !ok {
		return "", "", nil, false, nil
	}
	col, left := c.Left.(*sqlparser.ColName)
	lit := c.Right
	if !left {
		col, ok = c.Right.(*sqlparser.ColName)
		if !ok {
			return "", "", nil, false, nil
		}
		lit = c.Left
		op = flip(op)
	}
	if _, isCol := lit.(*sqlparser.ColName); isCol {
		return "", "", nil, false, nil
	}
	v, err := evalExpr(lit)
	if err != nil {
		return "", "", nil, false, err
	}
	return col.Name.String(), op, v, true, nil
}

func flip(op polybase.Operator) polybase.Operator {
	switch op {
	case polybase.OpGreater:
		return polybase.OpLess
	case polybase.OpGreaterEqual:
		return polybase.OpLessEqual
	case polybase.OpLess:
		return polybase.OpGreater
	case polybase.OpLessEqual:
		return polybase.OpGreaterEqual
	}
	return op
}

// pushdown turns a comparison on a document field into a contract filter.
// Comparisons on the id column stay in memory.
func pushdown(expr sqlparser.Expr) (polybase.Filter, bool, error) {
	c, ok := expr.(*sqlparser.ComparisonExpr)
	if !ok {
		return polybase.Filter{}, false, nil
	}
	field, op, v, ok, err := comparison(c)
	if err != nil || !ok || field == IDColumn || v == nil {
		return polybase.Filter{}, false, err
	}
	return polybase.Where(field, op, v), true, nil
}

// matches evaluates a WHERE expression against a row with the same semantics
// as the database filters.
func matches(row polybase.Fields, expr sqlparser.Expr) (bool, error) {
	switch x := expr.(type) {
	case *sqlparser.AndExpr:
		l, err := matches(row, x.Left)
		if err != nil || !l {
			return false, err
		}
		return matches(row, x.Right)
	case *sqlparser.OrExpr:
		l, err := matches(row, x.Left)
		if err != nil || l {
			return l, err
		}
		return matches(row, x.Right)
	case *sqlparser.NotExpr:
		v, err := matches(row, x.Expr)
		return !v, err
	case *sqlparser.ParenExpr:
		return matches(row, x.Expr)
	case *sqlparser.IsExpr:
		col, ok := x.Expr.(*sqlparser.ColName)
		if !ok {
			break
		}
		v, present := row[col.Name.String()]
		isNull := !present || v == nil
		switch x.Operator {
		case sqlparser.IsNullStr:
			return isNull, nil
		case sqlparser.IsNotNullStr:
			return !isNull, nil
		}
	case *sqlparser.ComparisonExpr:
		field, op, v, ok, err := comparison(x)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		m, err := docstore.NewMatcher(polybase.Where(field, op, v))
		if err != nil {
			return false, err
		}
		return m.Match(row), nil
	}
	return false, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
		"expression": sqlparser.String(expr),
	})
}

func tableName(expr sqlparser.TableExpr) (string, error) {
	if t, ok := expr.(*sqlparser.AliasedTableExpr); ok {
		if tbl, ok := t.Expr.(sqlparser.TableName); ok {
			return tbl.Name.String(), nil
		}
	}
	return "", polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
		"reason": "could not determine table name",
	})
}

// evalExpr converts a literal to its stored JSON form.
func evalExpr(expr sqlparser.Expr) (interface{}, error) {
	switch x := expr.(type) {
	case *sqlparser.SQLVal:
		switch x.Type {
		case sqlparser.StrVal:
			return string(x.Val), nil
		case sqlparser.IntVal, sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(x.Val), 64)
			if err != nil {
				return nil, polybase.Wrap(polybase.ErrInvalidData, err, map[string]interface{}{"value": string(x.Val)})
			}
			return f, nil
		}
	case sqlparser.BoolVal:
		return bool(x), nil
	case *sqlparser.NullVal:
		return nil, nil
	case *sqlparser.UnaryExpr:
		if x.Operator == sqlparser.UMinusStr {
			v, err := evalExpr(x.Expr)
			if f, ok := v.(float64); ok && err == nil {
				return -f, nil
			}
		}
	case *sqlparser.FuncExpr:
		switch strings.ToLower(x.Name.String()) {
		case "gen_random_uuid", "gen_random_uuid7", "uuid":
			return polybase.NewID(), nil
		case "now":
			return time.Now().UTC().Format(time.RFC3339Nano), nil
		}
	}
	return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
		"expression": sqlparser.String(expr),
	})
}

// selectLiterals answers SELECT without a table, such as SELECT version().
func selectLiterals(stmt *sqlparser.Select) (*Result, error) {
	res := &Result{Rows: [][]string{{}}, Tag: "SELECT 1"}
	for _, expr := range stmt.SelectExprs {
		ae, ok := expr.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
				"expression": sqlparser.String(expr),
			})
		}
		var v interface{}
		name := sqlparser.String(ae.Expr)
		if fn, ok := ae.Expr.(*sqlparser.FuncExpr); ok && strings.EqualFold(fn.Name.String(), "version") {
			v, name = "polybase SQL console (PostgreSQL wire compatible)", "version"
		} else {
			var err error
			if v, err = evalExpr(ae.Expr); err != nil {
				return nil, err
			}
		}
		if !ae.As.IsEmpty() {
			name = ae.As.String()
		}
		res.Columns = append(res.Columns, name)
		res.Rows[0] = append(res.Rows[0], formatValue(v))
	}
	return res, nil
}

// countStar recognises SELECT COUNT(*).
func countStar(exprs sqlparser.SelectExprs) (string, bool) {
	if len(exprs) != 1 {
		return "", false
	}
	ae, ok := exprs[0].(*sqlparser.AliasedExpr)
	if !ok {
		return "", false
	}
	fn, ok := ae.Expr.(*sqlparser.FuncExpr)
	if !ok || !strings.EqualFold(fn.Name.String(), "count") {
		return "", false
	}
	if !ae.As.IsEmpty() {
		return ae.As.String(), true
	}
	return "count", true
}

func orderRows(docs []polybase.Document, orderBy sqlparser.OrderBy) error {
	if len(orderBy) == 0 {
		return nil
	}
	cols := make([]string, len(orderBy))
	for i, o := range orderBy {
		col, ok := o.Expr.(*sqlparser.ColName)
		if !ok {
			return polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
				"order": sqlparser.String(o.Expr),
			})
		}
		cols[i] = col.Name.String()
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := rowOf(docs[i]), rowOf(docs[j])
		for k, c := range cols {
			cmp := orderValues(a[c], b[c])
			if cmp == 0 {
				continue
			}
			if orderBy[k].Direction == sqlparser.DescScr {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return nil
}

// orderValues sorts missing values first, then numbers, then everything else
// by its text form.
func orderValues(a, b interface{}) int {
	rank := func(v interface{}) int {
		switch v.(type) {
		case nil:
			return 0
		case float64:
			return 1
		}
		return 2
	}
	if ra, rb := rank(a), rank(b); ra != rb {
		return ra - rb
	}
	if x, ok := a.(float64); ok {
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(formatValue(a), formatValue(b))
}

func limitRows(docs []polybase.Document, limit *sqlparser.Limit) ([]polybase.Document, error) {
	if limit == nil {
		return docs, nil
	}
	n, err := intLiteral(limit.Rowcount)
	if err != nil {
		return nil, err
	}
	offset := 0
	if limit.Offset != nil {
		if offset, err = intLiteral(limit.Offset); err != nil {
			return nil, err
		}
	}
	if offset >= len(docs) {
		return docs[:0], nil
	}
	docs = docs[offset:]
	if n < len(docs) {
		docs = docs[:n]
	}
	return docs, nil
}

func intLiteral(expr sqlparser.Expr) (int, error) {
	v, err := evalExpr(expr)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok || f < 0 {
		return 0, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"value":  sqlparser.String(expr),
			"reason": "expected a non-negative integer",
		})
	}
	return int(f), nil
}

// rowOf exposes the document id alongside its fields.
func rowOf(doc polybase.Document) polybase.Fields {
	row := make(polybase.Fields, len(doc.Fields)+1)
	for k, v := range doc.Fields {
		row[k] = v
	}
	row[IDColumn] = doc.ID
	return row
}

// starColumns is id followed by the sorted union of field names.
func starColumns(docs []polybase.Document) []string {
	seen := map[string]bool{}
	var names []string
	for _, d := range docs {
		for k := range d.Fields {
			if k != IDColumn && !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)
	return append([]string{IDColumn}, names...)
}

// formatValue renders a stored value as PostgreSQL text output.
func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "t"
		}
		return "f"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
