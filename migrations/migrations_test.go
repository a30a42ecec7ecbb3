package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsCarryGooseAnnotations(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	for _, name := range names {
		body, err := fs.ReadFile(FS, name)
		require.NoError(t, err)
		text := string(body)
		assert.True(t, strings.HasPrefix(text, "-- +goose Up"), name)
		assert.Contains(t, text, "-- +goose Down", name)
	}
}

func TestParticipantsKeepInsertionPosition(t *testing.T) {
	body, err := fs.ReadFile(FS, "0001_chat.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "position        BIGSERIAL NOT NULL")
}
