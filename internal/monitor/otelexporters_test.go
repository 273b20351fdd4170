// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vfsbridge/puffs/cfg"
	"go.opentelemetry.io/otel"
)

func freePort(t *testing.T) int64 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return int64(port)
}

func TestSetupPrometheusDisabled(t *testing.T) {
	opts, shutdown := setupPrometheus(0)

	assert.Empty(t, opts)
	assert.Nil(t, shutdown)
}

func TestResourceCarriesMountID(t *testing.T) {
	res, err := getResource(context.Background(), "mount-42")

	require.NoError(t, err)
	assert.Contains(t, res.String(), "mount-42")
	assert.Contains(t, res.String(), serviceName)
}

func TestMetricsAreServedOnPrometheusPort(t *testing.T) {
	ctx := context.Background()
	port := freePort(t)
	shutdown := SetupOTelMetricExporters(ctx, &cfg.Config{Metrics: cfg.MetricsConfig{PrometheusPort: port}}, "mount-1")
	defer func() { assert.NoError(t, shutdown(ctx)) }()
	counter, err := otel.GetMeterProvider().Meter("test").Int64Counter("puffs/test_requests")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Regexp(t, `(?m)^puffs_test_requests(\{.*\})? 3$`, string(body))
}
