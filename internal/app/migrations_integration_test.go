package app_test

import (
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsidyflow/internal/testutils"
)

func TestMigrationsDown_KeepsSubsidies(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	suite := testutils.NewIntegrationSuite(t)
	suite.Setup()
	defer suite.Teardown()

	suite.SeedSubsidy("sub-keep", `{"detailUrl":"https://example.go.jp/a"}`, false, []string{"deadline"})

	_, b, _, _ := runtime.Caller(0)
	driver, err := postgres.WithInstance(suite.DB, &postgres.Config{})
	require.NoError(t, err)
	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s/../../migrations", filepath.Dir(b)), "postgres", driver)
	require.NoError(t, err)
	require.NoError(t, m.Down())

	var n int
	require.NoError(t, suite.DB.QueryRow(`SELECT COUNT(*) FROM subsidies`).Scan(&n))
	assert.Equal(t, 1, n)

	var jobs bool
	require.NoError(t, suite.DB.QueryRow(`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'extraction_jobs')`).Scan(&jobs))
	assert.False(t, jobs)
}
