package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"sqlite-cdc/internal/hook"
)

// SQLiteChecker validates that the opened database can be captured
type SQLiteChecker struct {
	conn   *hook.Conn
	logger *logrus.Logger
}

// NewSQLiteChecker creates a new SQLite checker
func NewSQLiteChecker(conn *hook.Conn, logger *logrus.Logger) *SQLiteChecker {
	return &SQLiteChecker{conn: conn, logger: logger}
}

// CheckCapabilities verifies the pre-update hook is available and reports
// settings which change what gets captured
func (c *SQLiteChecker) CheckCapabilities(ctx context.Context) error {
	var version string
	if err := c.conn.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return fmt.Errorf("failed to query sqlite version: %w", err)
	}
	c.logger.Infof("SQLite version: %s", version)

	if !c.conn.Supported() {
		return fmt.Errorf("%w: build with -tags sqlite_preupdate_hook", hook.ErrCapabilityUnavailable)
	}
	c.logger.Info("Pre-update hook is available")

	var foreignKeys int
	if err := c.conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		c.logger.Warn("Could not verify foreign_keys setting")
	} else if foreignKeys == 0 {
		c.logger.Warn("foreign_keys is off: rows removed by ON DELETE/UPDATE actions will not be captured (add _foreign_keys=1 to the DSN)")
	}

	var recursive int
	if err := c.conn.QueryRowContext(ctx, "PRAGMA recursive_triggers").Scan(&recursive); err == nil && recursive == 0 {
		c.logger.Debug("recursive_triggers is off: REPLACE conflict deletions do not fire delete triggers")
	}

	var journalMode string
	if err := c.conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err == nil {
		if !strings.EqualFold(journalMode, "wal") {
			c.logger.Infof("journal_mode is '%s', WAL is recommended for concurrent readers", journalMode)
		}
	}

	return nil
}
