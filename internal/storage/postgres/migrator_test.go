package postgres

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFiles(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys["sql/migrations/"+name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func TestParseMigrations_SortsAndChecksums(t *testing.T) {
	plan, err := parseMigrations(migrationFiles(map[string]string{
		"0002_orders_index.up.sql":   "CREATE INDEX orders_by_table ON orders (table_id);",
		"0002_orders_index.down.sql": "DROP INDEX orders_by_table;",
		"0001_orders.up.sql":         "CREATE TABLE orders (id TEXT);",
		"0001_orders.down.sql":       "DROP TABLE orders;",
	}))
	require.NoError(t, err)
	require.Len(t, plan, 2)

	assert.Equal(t, int64(1), plan[0].Version)
	assert.Equal(t, "orders", plan[0].Name)
	assert.Equal(t, "orders_index", plan[1].Name)
	assert.Len(t, plan[0].Checksum, 64)
	assert.NotEqual(t, plan[0].Checksum, plan[1].Checksum)

	m, ok := plan.find(2)
	require.True(t, ok)
	assert.Equal(t, "DROP INDEX orders_by_table;", m.Down)
	_, ok = plan.find(3)
	assert.False(t, ok)
}

func TestParseMigrations_Errors(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{
			name:  "no files",
			files: map[string]string{},
			want:  "no migration files",
		},
		{
			name:  "missing down",
			files: map[string]string{"0001_orders.up.sql": "SELECT 1;"},
			want:  "both up and down",
		},
		{
			name:  "bad file name",
			files: map[string]string{"orders.sql": "SELECT 1;"},
			want:  "invalid migration file name",
		},
		{
			name: "blank body",
			files: map[string]string{
				"0001_orders.up.sql":   " \n",
				"0001_orders.down.sql": "DROP TABLE orders;",
			},
			want: "is empty",
		},
		{
			name: "two names for one version",
			files: map[string]string{
				"0001_orders.up.sql": "SELECT 1;",
				"0001_menus.down.sql": "SELECT 1;",
			},
			want: "has two names",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseMigrations(migrationFiles(tc.files))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	plan, err := parseMigrations(migrationsFS)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "kitchen_catalog", plan[0].Name)
	assert.Equal(t, "outbox", plan[1].Name)
}

func TestBuildState_ReportsPendingAndDrift(t *testing.T) {
	plan := migrationPlan{
		{Version: 1, Name: "kitchen_catalog", Checksum: "aaa"},
		{Version: 2, Name: "outbox", Checksum: "bbb"},
		{Version: 3, Name: "menu_prices", Checksum: "ccc"},
	}
	appliedAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	applied := map[int64]appliedMigration{
		1: {Version: 1, Checksum: "aaa", AppliedAt: appliedAt},
		2: {Version: 2, Checksum: "changed", AppliedAt: appliedAt},
	}

	state := buildState(plan, applied)

	assert.Equal(t, int64(2), state.Version)
	assert.Equal(t, 2, state.Applied)
	assert.Equal(t, 1, state.Pending())
	assert.Equal(t, []int64{2}, state.Drifted())
	require.Len(t, state.Entries, 3)
	assert.True(t, state.Entries[0].Applied)
	assert.Equal(t, appliedAt, state.Entries[0].AppliedAt)
	assert.False(t, state.Entries[2].Applied)

	require.ErrorIs(t, checkDrift(plan, applied), ErrMigrationDrift)
}

func TestCheckDrift_SkipsRowsWithoutChecksum(t *testing.T) {
	plan := migrationPlan{{Version: 1, Name: "kitchen_catalog", Checksum: "aaa"}}
	require.NoError(t, checkDrift(plan, map[int64]appliedMigration{1: {Version: 1}}))
}

func TestMigrationStatePending_NeverNegative(t *testing.T) {
	assert.Equal(t, 0, MigrationState{Applied: 3, Available: 2}.Pending())
}
