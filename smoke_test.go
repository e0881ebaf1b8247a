package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"subsidyflow/internal/config"
	"subsidyflow/internal/testutils"
)

func TestSmoke_Startup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping smoke test in short mode")
	}

	// 1. Start Infrastructure
	suite := testutils.NewIntegrationSuite(t).WithNSQ()
	suite.Setup()
	defer suite.Teardown()

	// 2. Configure App to use Infrastructure
	host, port := suite.DBHostPort()
	_, b, _, _ := runtime.Caller(0)
	cfg := &config.Config{
		DBHost:                 host,
		DBPort:                 port,
		DBUser:                 "test",
		DBPass:                 "test",
		DBName:                 "subsidy_test",
		NSQDHost:               suite.NSQAddr,
		EnableAPI:              true,
		MigrationPath:          fmt.Sprintf("file://%s/migrations", filepath.Dir(b)),
		ServerPort:             8081,
		QueueBatchSize:         10,
		QueueLeaseMinutes:      10,
		QueueMaxAttempts:       3,
		QueueShard:             -1,
		CronEnqueueSpec:        "@hourly",
		CronConsumeSpec:        "@hourly",
		BootstrapRetryAttempts: 3,
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// 3. Run App in Background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, cfg, logger); err != nil {
			t.Logf("app run exited: %v", err)
		}
	}()

	// 4. Wait for Health Check
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://localhost:8081/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 500*time.Millisecond)
}
