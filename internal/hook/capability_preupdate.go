//go:build sqlite_preupdate_hook

package hook

import "github.com/mattn/go-sqlite3"

// preUpdateHookBuild is true when github.com/mattn/go-sqlite3 compiles in
// sqlite3_preupdate_hook and friends.
const preUpdateHookBuild = true

func (c *Conn) onPreUpdate(d sqlite3.SQLitePreUpdateData) {
	c.dispatch(Op(d.Op), d.DatabaseName, d.TableName, d.OldRowID, d.NewRowID, &d)
}
