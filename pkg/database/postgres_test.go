package database

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/pkg/config"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "db", Port: 5432, User: "chat", Password: "pw", Name: "classroom", SSLMode: "disable"})
	assert.Equal(t, "host=db port=5432 user=chat password=pw dbname=classroom sslmode=disable", dsn)
}

func TestMigrateRunsGooseUpAtRoot(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	var gotDir string
	var gotDB *sql.DB
	orig := gooseUp
	gooseUp = func(ctx context.Context, conn *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDB, gotDir = conn, dir
		return nil
	}
	defer func() { gooseUp = orig }()

	fsys := fstest.MapFS{"0001_chat.sql": {Data: []byte("-- +goose Up\nCREATE TABLE a (id INT);")}}
	require.NoError(t, Migrate(context.Background(), sqlxDB, fsys, zap.NewNop()))
	assert.Equal(t, ".", gotDir)
	assert.Same(t, db, gotDB)
}

func TestMigrateWrapsGooseFailure(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUp
	gooseUp = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error { return assert.AnError }
	defer func() { gooseUp = orig }()

	err = Migrate(context.Background(), sqlx.NewDb(db, "sqlmock"), fstest.MapFS{}, nil)
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "migrating database")
}
