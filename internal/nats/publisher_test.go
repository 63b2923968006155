package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sqlite-cdc/internal/models"
)

func TestSubject(t *testing.T) {
	ev := &models.ChangeEvent{Type: "UPDATE", Database: "main", Table: "users"}

	assert.Equal(t, "sqlite-cdc.main.users", Subject("sqlite-cdc.{database}.{table}", ev))
	assert.Equal(t, "cdc.users.update", Subject("cdc.{table}.{type}", ev))
	assert.Equal(t, "changes", Subject("changes", ev))

	ev.Table = "odd.name *"
	assert.Equal(t, "cdc.odd_name__", Subject("cdc.{table}", ev))
}
