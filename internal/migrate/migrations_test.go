package migrate_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lfrezen/insurance/internal/db"
	"github.com/lfrezen/insurance/internal/migrate"
)

func TestRunIsIdempotentPerComponent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{DSN: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer conn.Close()

	v, err := migrate.Run(conn, dialect, migrate.Proposals)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	v, err = migrate.Run(conn, dialect, migrate.Proposals)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	v, err = migrate.Run(conn, dialect, migrate.Contracts)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	for _, table := range []string{"proposals", "outbox", "contracts"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), table)
	}
}

func TestRunUnknownComponent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{DSN: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer conn.Close()
	_, err = migrate.Run(conn, dialect, "billing")
	require.Error(t, err)
}
