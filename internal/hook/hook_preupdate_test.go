//go:build sqlite_preupdate_hook

package hook

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE users (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	age  INTEGER
);
CREATE TABLE orders (
	id      INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	total   REAL
);
CREATE TABLE audit (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER
);
CREATE TRIGGER users_audit AFTER INSERT ON users BEGIN
	INSERT INTO audit (user_id) VALUES (NEW.id);
END;
`

type record struct {
	op    Op
	table string
	depth int
	count int
	old   []any
	new   []any
}

type recorder struct {
	conn *Conn
	recs []record
}

func (r *recorder) OnRowChange(ev *Event) error {
	rec := record{op: ev.Op(), table: ev.Table()}
	var err error

	if rec.depth, err = r.conn.NestingDepth(); err != nil {
		return err
	}
	if rec.count, err = r.conn.AffectedRowCount(); err != nil {
		return err
	}
	if ev.Op() != OpInsert {
		row, err := ev.OldRow()
		if err != nil {
			return err
		}
		rec.old = append([]any(nil), row...)
	}
	if ev.Op() != OpDelete {
		row, err := ev.NewRow()
		if err != nil {
			return err
		}
		rec.new = append([]any(nil), row...)
	}
	r.recs = append(r.recs, rec)
	return nil
}

func openTestConn(t *testing.T) *Conn {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "hook.db") + "?_foreign_keys=1"

	conn, err := Open(ctx, dsn, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.True(t, conn.Supported())
	_, err = conn.ExecContext(ctx, testSchema)
	require.NoError(t, err)
	return conn
}

func TestUpdateScenario(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	_, err := conn.ExecContext(ctx, `INSERT INTO users (id, name, age) VALUES (5, 'eve', 30)`)
	require.NoError(t, err)

	rec := &recorder{conn: conn}
	prev, err := conn.Register(rec)
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, err = conn.ExecContext(ctx, `UPDATE users SET age = 31 WHERE id = 5`)
	require.NoError(t, err)

	require.Len(t, rec.recs, 1)
	r := rec.recs[0]
	assert.Equal(t, OpUpdate, r.op)
	assert.Equal(t, "users", r.table)
	assert.Equal(t, 0, r.depth)
	assert.Equal(t, 1, r.count)
	assert.Equal(t, int64(30), r.old[2])
	assert.Equal(t, int64(31), r.new[2])
	// Row images carry TEXT as []byte.
	assert.Equal(t, []byte("eve"), r.old[1])
	assert.Equal(t, []byte("eve"), r.new[1])
}

func TestInvocationsMatchMutatedRows(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	rec := &recorder{conn: conn}
	_, err := conn.Register(rec)
	require.NoError(t, err)

	// Two users, each auditing one row through the trigger.
	_, err = conn.ExecContext(ctx, `INSERT INTO users (id, name, age) VALUES (1, 'a', 20), (2, 'b', 21)`)
	require.NoError(t, err)
	assert.Len(t, rec.recs, 4)

	// Three orders.
	_, err = conn.ExecContext(ctx, `INSERT INTO orders (user_id, total) VALUES (1, 1.5), (1, 2.5), (2, 3.5)`)
	require.NoError(t, err)
	assert.Len(t, rec.recs, 7)

	// One user, and two orders by cascade.
	rec.recs = nil
	_, err = conn.ExecContext(ctx, `DELETE FROM users WHERE id = 1`)
	require.NoError(t, err)
	require.Len(t, rec.recs, 3)

	byTable := map[string]int{}
	for _, r := range rec.recs {
		assert.Equal(t, OpDelete, r.op)
		assert.Nil(t, r.new)
		byTable[r.table]++
	}
	assert.Equal(t, map[string]int{"users": 1, "orders": 2}, byTable)
	assert.Equal(t, 3, rec.recs[2].count)
}

func TestNestingDepthFollowsTriggers(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	rec := &recorder{conn: conn}
	_, err := conn.Register(rec)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO users (id, name) VALUES (1, 'a'), (2, 'b')`)
	require.NoError(t, err)

	var got []string
	var depths, counts []int
	for _, r := range rec.recs {
		got = append(got, r.table)
		depths = append(depths, r.depth)
		counts = append(counts, r.count)
	}
	assert.Equal(t, []string{"users", "audit", "users", "audit"}, got)
	assert.Equal(t, []int{0, 1, 0, 1}, depths)
	assert.Equal(t, []int{1, 2, 3, 4}, counts)

	// The running count restarts with each statement.
	rec.recs = nil
	_, err = conn.ExecContext(ctx, `UPDATE users SET age = 40`)
	require.NoError(t, err)
	require.Len(t, rec.recs, 2)
	assert.Equal(t, 1, rec.recs[0].count)
	assert.Equal(t, 2, rec.recs[1].count)
}

func TestReregisterSwapsObservers(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	first, second := &recorder{conn: conn}, &recorder{conn: conn}

	prev, err := conn.Register(first)
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, err = conn.ExecContext(ctx, `INSERT INTO audit (user_id) VALUES (0)`)
	require.NoError(t, err)
	firstCalls := len(first.recs)
	assert.Equal(t, 1, firstCalls)

	prev, err = conn.Register(second)
	require.NoError(t, err)
	assert.Same(t, first, prev)

	_, err = conn.ExecContext(ctx, `INSERT INTO users (id, name) VALUES (1, 'a')`)
	require.NoError(t, err)
	assert.Len(t, first.recs, firstCalls)
	assert.Len(t, second.recs, 2)

	// Absent observer: nothing fires until the next registration.
	prev, err = conn.Register(nil)
	require.NoError(t, err)
	assert.Same(t, second, prev)

	_, err = conn.ExecContext(ctx, `UPDATE users SET age = 1`)
	require.NoError(t, err)
	assert.Len(t, second.recs, 2)

	prev, err = conn.Register(first)
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, err = conn.ExecContext(ctx, `DELETE FROM users`)
	require.NoError(t, err)
	assert.Len(t, first.recs, firstCalls+1)
}

func TestTransactionRowsAreObserved(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	rec := &recorder{conn: conn}
	_, err := conn.Register(rec)
	require.NoError(t, err)

	require.NoError(t, conn.Tx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO audit (user_id) VALUES (1)`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO audit (user_id) VALUES (2)`)
		return err
	}))
	require.Len(t, rec.recs, 2)
	assert.Equal(t, 1, rec.recs[0].count)
	assert.Equal(t, 1, rec.recs[1].count)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestQueryWritesRestartAffectedCount(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	rec := &recorder{conn: conn}
	_, err := conn.Register(rec)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO audit (user_id) VALUES (1), (2)`)
	require.NoError(t, err)

	var id int64
	require.NoError(t, conn.QueryRowContext(ctx, `INSERT INTO audit (user_id) VALUES (3) RETURNING id`).Scan(&id))
	assert.Equal(t, int64(3), id)

	rows, err := conn.QueryContext(ctx, `DELETE FROM audit WHERE user_id < 3 RETURNING id`)
	require.NoError(t, err)
	var deleted []int64
	for rows.Next() {
		require.NoError(t, rows.Scan(&id))
		deleted = append(deleted, id)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	assert.ElementsMatch(t, []int64{1, 2}, deleted)

	require.NoError(t, conn.Tx(ctx, func(tx *Tx) error {
		return tx.QueryRowContext(ctx, `INSERT INTO audit (user_id) VALUES (4) RETURNING id`).Scan(&id)
	}))

	var counts []int
	for _, r := range rec.recs {
		counts = append(counts, r.count)
	}
	assert.Equal(t, []int{1, 2, 1, 1, 2, 1}, counts)

	// The lock was released, so the connection is usable again.
	_, err = conn.Register(nil)
	require.NoError(t, err)
}

func TestTableColumns(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	cols, err := conn.TableColumns(ctx, "main", "users")
	require.NoError(t, err)
	assert.Equal(t, []Column{
		{Index: 0, Name: "id", Type: "INTEGER"},
		{Index: 1, Name: "name", Type: "TEXT"},
		{Index: 2, Name: "age", Type: "INTEGER"},
	}, cols)

	_, err = conn.ExecContext(ctx, `ALTER TABLE users ADD COLUMN email TEXT`)
	require.NoError(t, err)

	cols, err = conn.TableColumns(ctx, "main", "users")
	require.NoError(t, err)
	assert.Len(t, cols, 3) // Cached.

	conn.ForgetTable("main", "users")
	cols, err = conn.TableColumns(ctx, "main", "users")
	require.NoError(t, err)
	assert.Len(t, cols, 4)

	_, err = conn.TableColumns(ctx, "main", "missing")
	assert.Error(t, err)
}

func TestCloseUnregisters(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)

	_, err := conn.Register(&recorder{conn: conn})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err = conn.Register(&recorder{conn: conn})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = conn.ExecContext(ctx, `DELETE FROM users`)
	assert.ErrorIs(t, err, ErrClosed)
}
