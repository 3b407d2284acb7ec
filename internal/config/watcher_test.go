package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	path := filepath.Join(t.TempDir(), "conduit.json")
	loader := NewLoader(path)
	require.NoError(t, loader.Save(validConfig()))

	initial, err := loader.Load()
	require.NoError(t, err)
	store := NewStore(initial)

	w, err := NewWatcher(WatcherConfig{Loader: loader, Store: store, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() { assert.NoError(t, w.Stop()) }()

	updated := validConfig()
	updated.Swarm.MaxActiveSwarms = 9
	require.NoError(t, loader.Save(updated))

	require.Eventually(t, func() bool {
		return store.Limits().MaxActiveSwarms == 9
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.json")
	loader := NewLoader(path)
	require.NoError(t, loader.Save(validConfig()))

	initial, err := loader.Load()
	require.NoError(t, err)
	store := NewStore(initial)

	w, err := NewWatcher(WatcherConfig{Loader: loader, Store: store})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"swarm": {"max_iterations": 0}}`), 0o600))
	assert.Error(t, w.Reload())
	assert.Same(t, initial, store.Get())
}
