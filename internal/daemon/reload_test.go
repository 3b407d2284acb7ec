package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/internal/observability"
)

func TestApplyConfig(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var audit bytes.Buffer
	observability.SetAuditOutput(zerolog.New(&audit))

	d := createTestDaemon(t, testConfig(t))
	require.True(t, d.Policy().AutoApprove("builtin__clock_now"))

	updated := *d.Config()
	updated.Tools.Servers = []config.ToolServerConfig{{Name: "builtin", Transport: config.TransportBuiltin}}
	updated.Logging.Level = "error"
	updated.Swarm.MaxActiveSwarms = 1
	d.Store().Swap(&updated)

	assert.False(t, d.Policy().AutoApprove("builtin__clock_now"))
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
	assert.Equal(t, 1, d.Store().Limits().MaxActiveSwarms)
	assert.Contains(t, audit.String(), `"action":"reload"`)
	assert.Contains(t, audit.String(), "tools.auto_approve")
}

func TestApplyConfigNoChange(t *testing.T) {
	var audit bytes.Buffer
	observability.SetAuditOutput(zerolog.New(&audit))

	d := createTestDaemon(t, testConfig(t))
	same := *d.Config()
	d.Store().Swap(&same)

	assert.Empty(t, audit.String())
}

func TestHotReloadFromFile(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DataDir, "conduit.json")
	loader := config.NewLoader(path)

	onDisk := *cfg
	onDisk.Tools.Servers = []config.ToolServerConfig{{Name: "builtin", Transport: config.TransportBuiltin, AutoApprove: true}}
	require.NoError(t, loader.Save(&onDisk))

	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})

	require.True(t, d.Policy().AutoApprove("builtin__clock_now"))

	onDisk.Tools.Servers[0].AutoApprove = false
	require.NoError(t, loader.Save(&onDisk))

	assert.Eventually(t, func() bool {
		return !d.Policy().AutoApprove("builtin__clock_now")
	}, 5*time.Second, 20*time.Millisecond)

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestSameServers(t *testing.T) {
	a := []config.ToolServerConfig{{Name: "fs", Transport: "stdio", Command: "mcp-fs", AutoApprove: true}}
	b := []config.ToolServerConfig{{Name: "fs", Transport: "stdio", Command: "mcp-fs"}}
	c := []config.ToolServerConfig{{Name: "fs", Transport: "stdio", Command: "mcp-other"}}

	assert.True(t, sameServers(a, b))
	assert.False(t, sameServers(a, c))
	assert.False(t, sameServers(a, nil))
}
