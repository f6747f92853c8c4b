package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUsername(t *testing.T) {
	for _, name := range []string{"username", "warning", "robotuser"} {
		assert.ErrorIs(t, ValidateUsername(name), ErrReservedName, name)
	}

	for _, name := range []string{"", " bob", "bob ", "a:::b", "closing"} {
		assert.ErrorIs(t, ValidateUsername(name), ErrInvalidName, name)
	}

	for _, name := range []string{"alice", "bob:", "Warning", "robot user", "élise"} {
		assert.NoError(t, ValidateUsername(name), name)
	}
}

func TestDirectoryEntry_JSON(t *testing.T) {
	data, err := json.Marshal(DirectoryEntry{Username: "bob", State: StateAsleep, Queued: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"bob","state":"asleep","queued":2}`, string(data))
}
