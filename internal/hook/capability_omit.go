//go:build !sqlite_preupdate_hook

package hook

import "github.com/mattn/go-sqlite3"

// Without the build tag, (*sqlite3.SQLiteConn).RegisterPreUpdateHook is a
// no-op and SQLitePreUpdateData has no row accessors, regardless of how the
// SQLite library itself was compiled.
const preUpdateHookBuild = false

func (c *Conn) onPreUpdate(sqlite3.SQLitePreUpdateData) {}
