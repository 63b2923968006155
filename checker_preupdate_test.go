//go:build sqlite_preupdate_hook

package main

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlite-cdc/internal/hook"
)

func TestCheckerAcceptsPreUpdateHook(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	conn, err := hook.Open(context.Background(), ":memory:?_foreign_keys=1", logger)
	require.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, NewSQLiteChecker(conn, logger).CheckCapabilities(context.Background()))
}
