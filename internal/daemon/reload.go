package daemon

import (
	"context"
	"reflect"
	"slices"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/internal/observability"
)

// applyConfig runs after the store swaps in a reloaded config. Swarm limits
// need nothing here: the governor reads them on every admission and the
// ledger on every tool dispatch. Sections that only take effect on restart are logged.
func (d *Daemon) applyConfig(old, updated *config.Config) {
	var changed, restart []string

	if !slices.Equal(old.AutoApprovedServers(), updated.AutoApprovedServers()) {
		d.policy.Set(updated.AutoApprovedServers(), nil)
		changed = append(changed, "tools.auto_approve")
	}
	if old.Logging.Level != updated.Logging.Level {
		d.logger.SetLevel(updated.Logging.Level)
		changed = append(changed, "logging.level")
	}
	if old.Swarm != updated.Swarm {
		changed = append(changed, "swarm")
	}

	if !reflect.DeepEqual(old.Providers, updated.Providers) || old.DefaultProvider != updated.DefaultProvider {
		restart = append(restart, "providers")
	}
	if !sameServers(old.Tools.Servers, updated.Tools.Servers) {
		restart = append(restart, "tools.servers")
	}
	if old.Gateway != updated.Gateway {
		restart = append(restart, "gateway")
	}
	if old.Streaming != updated.Streaming {
		restart = append(restart, "streaming")
	}
	if old.Janitor != updated.Janitor {
		restart = append(restart, "janitor")
	}
	if old.Tracing != updated.Tracing {
		restart = append(restart, "tracing")
	}

	if len(restart) > 0 {
		d.zl.Warn().Strs("sections", restart).Msg("Config changes take effect after restart")
	}
	if len(changed) == 0 && len(restart) == 0 {
		return
	}

	d.zl.Info().Strs("applied", changed).Msg("Config change applied")
	observability.RecordConfigAudit(context.Background(), "reload", "config_watcher", map[string]interface{}{
		"applied":          changed,
		"requires_restart": restart,
	})
}

// sameServers compares server definitions ignoring AutoApprove, which is
// applied live.
func sameServers(a, b []config.ToolServerConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		x.AutoApprove, y.AutoApprove = false, false
		if !reflect.DeepEqual(x, y) {
			return false
		}
	}
	return true
}
