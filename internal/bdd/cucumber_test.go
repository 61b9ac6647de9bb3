package bdd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cucumber/godog"
	"github.com/plannr/messaging-service/internal/cmd/serve"
	"github.com/plannr/messaging-service/internal/config"
	"github.com/plannr/messaging-service/internal/testutil/cucumber"
	"github.com/stretchr/testify/require"
)

// runFeatures runs every feature file against a server started from cfg.
// Features tagged with a name in skip are not run.
func runFeatures(t *testing.T, cfg *config.Config, extra map[string]interface{}, skip map[string]bool) {
	t.Helper()
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false
	ctx := config.WithContext(context.Background(), cfg)

	srv, err := serve.StartServer(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	featureFiles, err := filepath.Glob(filepath.Join("features", "*.feature"))
	require.NoError(t, err)
	require.NotEmpty(t, featureFiles, "no feature files found")

	opts := cucumber.DefaultOptions()
	for _, arg := range os.Args[1:] {
		if arg == "-test.v=true" || arg == "-test.v" || arg == "-v" {
			opts.Format = "pretty"
		}
	}

	for _, featurePath := range featureFiles {
		name := strings.TrimSuffix(filepath.Base(featurePath), ".feature")
		if skip[name] {
			continue
		}
		t.Run(name, func(t *testing.T) {
			o := opts
			o.TestingT = t
			o.Paths = []string{featurePath}
			defer cucumber.ApplyReportOptions(&o, t.Name())()

			suite := cucumber.NewTestSuite()
			suite.APIURL = fmt.Sprintf("http://localhost:%d", srv.Running.Port)
			suite.TestingT = t
			for k, v := range extra {
				suite.Extra[k] = v
			}

			status := godog.TestSuite{
				Name:                name,
				Options:             &o,
				ScenarioInitializer: suite.InitializeScenario,
			}.Run()
			if status != 0 {
				t.Fail()
			}
		})
	}
}

// memorySkipFeatures need a shared Redis.
var memorySkipFeatures = map[string]bool{"notifications": true}

func TestFeatures(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "memory"
	cfg.CounterType = "memory"
	cfg.NotifyType = "none"
	runFeatures(t, &cfg, nil, memorySkipFeatures)
}
