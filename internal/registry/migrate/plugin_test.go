package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepMigrator struct {
	name string
	err  error
	ran  *[]string
}

func (m stepMigrator) Name() string { return m.name }

func (m stepMigrator) Migrate(context.Context) error {
	*m.ran = append(*m.ran, m.name)
	return m.err
}

func withPlugins(t *testing.T, ps ...Plugin) {
	t.Helper()
	saved := plugins
	plugins = ps
	t.Cleanup(func() { plugins = saved })
}

func TestRunAllHonoursOrder(t *testing.T) {
	var ran []string
	withPlugins(t,
		Plugin{Order: 200, Migrator: stepMigrator{name: "indexes", ran: &ran}},
		Plugin{Order: 100, Migrator: stepMigrator{name: "collections", ran: &ran}},
	)
	require.NoError(t, RunAll(context.Background()))
	assert.Equal(t, []string{"collections", "indexes"}, ran)
	assert.Equal(t, []string{"collections", "indexes"}, Names())
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	withPlugins(t,
		Plugin{Order: 1, Migrator: stepMigrator{name: "first", err: boom, ran: &ran}},
		Plugin{Order: 2, Migrator: stepMigrator{name: "second", ran: &ran}},
	)
	err := RunAll(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "migration first failed")
	assert.Equal(t, []string{"first"}, ran)
}
