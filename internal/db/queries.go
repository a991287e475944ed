package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ColumnInfo describes one column for describe_table.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	IsPK     bool   `json:"is_pk"`
}

// TableInfo identifies one user table.
type TableInfo struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// ListTables returns user tables, optionally restricted to one schema.
func ListTables(ctx context.Context, pool *sql.DB, schema string) ([]TableInfo, error) {
	q := `SELECT TABLE_SCHEMA, TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
	      WHERE TABLE_TYPE = 'BASE TABLE'`
	var args []any
	if schema != "" {
		q += ` AND TABLE_SCHEMA = @p1`
		args = append(args, schema)
	}
	q += ` ORDER BY TABLE_SCHEMA, TABLE_NAME`
	rows, err := pool.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []TableInfo
	for rows.Next() {
		var t TableInfo
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// DescribeTable returns column metadata for the given schema and table.
// Schema defaults to dbo.
func DescribeTable(ctx context.Context, pool *sql.DB, schema, table string) ([]ColumnInfo, error) {
	if schema == "" {
		schema = "dbo"
	}
	q := `
	SELECT c.COLUMN_NAME, c.DATA_TYPE,
	       CASE WHEN c.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END,
	       CASE WHEN pk.COLUMN_NAME IS NOT NULL THEN 1 ELSE 0 END
	FROM INFORMATION_SCHEMA.COLUMNS c
	LEFT JOIN (
	  SELECT ku.TABLE_SCHEMA, ku.TABLE_NAME, ku.COLUMN_NAME
	  FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
	  JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE ku ON tc.CONSTRAINT_NAME = ku.CONSTRAINT_NAME AND tc.TABLE_SCHEMA = ku.TABLE_SCHEMA
	  WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
	) pk ON c.TABLE_SCHEMA = pk.TABLE_SCHEMA AND c.TABLE_NAME = pk.TABLE_NAME AND c.COLUMN_NAME = pk.COLUMN_NAME
	WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
	ORDER BY c.ORDINAL_POSITION`
	rows, err := pool.QueryContext(ctx, q, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		var nullable, isPK int
		if err := rows.Scan(&c.Name, &c.Type, &nullable, &isPK); err != nil {
			return nil, err
		}
		c.Nullable = nullable == 1
		c.IsPK = isPK == 1
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// Query runs a SELECT with positional params. $1, $2 placeholders are
// converted to @p1, @p2 for the driver. Caller must have validated the SQL
// as read-only.
func Query(ctx context.Context, pool *sql.DB, query string, params []any) ([]map[string]any, error) {
	query = ConvertPlaceholders(query)
	rows, err := pool.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return RowsToMaps(rows)
}

// InsertRow inserts a single row; row keys are column names. Returns every
// inserted column (OUTPUT INSERTED.*) so callers see generated identity and
// default values.
func InsertRow(ctx context.Context, pool *sql.DB, schema, table string, row map[string]any) (map[string]any, error) {
	if schema == "" {
		schema = "dbo"
	}
	if len(row) == 0 {
		return nil, fmt.Errorf("insert row: no columns")
	}
	cols, vals := columnsAndValues(row)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = QuoteIdentifier(c)
	}
	q := fmt.Sprintf("INSERT INTO %s.%s (%s) OUTPUT INSERTED.* VALUES (%s)",
		QuoteIdentifier(schema), QuoteIdentifier(table),
		strings.Join(quoted, ", "), placeholders(len(cols)))
	rows, err := pool.QueryContext(ctx, q, vals...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	inserted, err := RowsToMaps(rows)
	if err != nil {
		return nil, err
	}
	if len(inserted) == 0 {
		return nil, nil
	}
	return inserted[0], nil
}

// UpdateRow updates a single row identified by its primary key. The provided
// key columns must exactly match the table's actual primary key; anything
// else is rejected before any data is touched.
func UpdateRow(ctx context.Context, pool *sql.DB, schema, table string, key, set map[string]any) (int64, error) {
	if schema == "" {
		schema = "dbo"
	}
	if len(key) == 0 {
		return 0, fmt.Errorf("update row: key must contain at least one column")
	}
	if len(set) == 0 {
		return 0, fmt.Errorf("update row: set must contain at least one column")
	}
	if err := validatePKColumns(ctx, pool, schema, table, key); err != nil {
		return 0, err
	}

	setCols, setVals := columnsAndValues(set)
	assigns := make([]string, len(setCols))
	for i, c := range setCols {
		assigns[i] = fmt.Sprintf("%s = @p%d", QuoteIdentifier(c), i+1)
	}
	keyCols, keyVals := columnsAndValues(key)
	wheres := make([]string, len(keyCols))
	for i, c := range keyCols {
		wheres[i] = fmt.Sprintf("%s = @p%d", QuoteIdentifier(c), len(setCols)+i+1)
	}

	q := fmt.Sprintf("UPDATE %s.%s SET %s WHERE %s",
		QuoteIdentifier(schema), QuoteIdentifier(table),
		strings.Join(assigns, ", "), strings.Join(wheres, " AND "))

	params := make([]any, 0, len(setVals)+len(keyVals))
	params = append(params, setVals...)
	params = append(params, keyVals...)

	res, err := pool.ExecContext(ctx, q, params...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("update row: no row found with the given key")
	}
	return n, nil
}

// validatePKColumns fetches the table's real primary key and verifies the
// caller-provided key map matches it exactly (no extra, no missing columns).
func validatePKColumns(ctx context.Context, pool *sql.DB, schema, table string, key map[string]any) error {
	cols, err := DescribeTable(ctx, pool, schema, table)
	if err != nil {
		return fmt.Errorf("update row: describe table: %w", err)
	}
	var pkCols []string
	for _, c := range cols {
		if c.IsPK {
			pkCols = append(pkCols, c.Name)
		}
	}
	if len(pkCols) == 0 {
		return fmt.Errorf("update row: table %q has no primary key; update_data requires one", table)
	}
	provided := make([]string, 0, len(key))
	for k := range key {
		provided = append(provided, k)
	}
	sort.Strings(pkCols)
	sort.Strings(provided)
	if strings.Join(provided, ",") != strings.Join(pkCols, ",") {
		return fmt.Errorf("update row: key columns {%s} do not match primary key {%s}",
			strings.Join(provided, ", "), strings.Join(pkCols, ", "))
	}
	return nil
}

// Exec runs a DDL or DML statement with no parameters and returns the
// affected row count (0 for DDL).
func Exec(ctx context.Context, pool *sql.DB, query string) (int64, error) {
	res, err := pool.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DropTable drops one table with identifier quoting.
func DropTable(ctx context.Context, pool *sql.DB, schema, table string) error {
	if schema == "" {
		schema = "dbo"
	}
	q := fmt.Sprintf("DROP TABLE %s.%s", QuoteIdentifier(schema), QuoteIdentifier(table))
	_, err := pool.ExecContext(ctx, q)
	return err
}

// RowsToMaps builds []map[string]any from sql.Rows.
func RowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}
	var out []map[string]any
	scan := make([]any, len(cols))
	for i := range scan {
		scan[i] = new(any)
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = *(scan[i].(*any))
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// columnsAndValues splits a row map into parallel column/value slices in
// deterministic (sorted) column order.
func columnsAndValues(row map[string]any) ([]string, []any) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = row[c]
	}
	return cols, vals
}

// placeholders renders "@p1, @p2, ..." for n parameters.
func placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i)
	}
	return b.String()
}

var identReplacer = strings.NewReplacer("]", "]]")

// QuoteIdentifier brackets a T-SQL identifier, escaping closing brackets.
func QuoteIdentifier(name string) string {
	return "[" + identReplacer.Replace(name) + "]"
}

var dollarPlaceholder = regexp.MustCompile(`\$(\d+)`)

// ConvertPlaceholders replaces $1, $2, ... with @p1, @p2, ... so clients may
// use either convention.
func ConvertPlaceholders(s string) string {
	return dollarPlaceholder.ReplaceAllString(s, "@p${1}")
}
