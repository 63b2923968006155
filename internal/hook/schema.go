package hook

import (
	"context"
	"fmt"
	"strings"
)

// Column describes a table column by its position in the row images
// reported to Observers.
type Column struct {
	Index int
	Name  string
	Type  string
}

// TableColumns returns the columns of database.table, caching the result.
// It must not be called from an Observer.
func (c *Conn) TableColumns(ctx context.Context, database, table string) ([]Column, error) {
	key := database + "." + table

	c.schemaMu.Lock()
	cols, ok := c.schema[key]
	c.schemaMu.Unlock()
	if ok {
		return cols, nil
	}

	// table_info lists columns in declaration order, which is the order
	// of the values in pre-update row images.
	query := fmt.Sprintf("PRAGMA %s.table_info(%s);", quoteIdent(database), quoteIdent(table))
	rows, err := c.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols = append(cols, Column{Index: cid, Name: name, Type: typ})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found", key)
	}

	c.schemaMu.Lock()
	c.schema[key] = cols
	c.schemaMu.Unlock()

	c.logger.Debugf("Fetched %d columns for %s", len(cols), key)
	return cols, nil
}

// ForgetTable drops cached columns of database.table, eg after ALTER TABLE.
func (c *Conn) ForgetTable(database, table string) {
	c.schemaMu.Lock()
	delete(c.schema, database+"."+table)
	c.schemaMu.Unlock()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
