package agent

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// noticeEvery rate-limits the plugin update notice.
const noticeEvery = 24 * time.Hour

// Notifier tells the operator about conditions that need a human.
type Notifier interface {
	PluginUpdateRequired(currentVersion string)
}

// LogNotifier reports notices at error level.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) PluginUpdateRequired(currentVersion string) {
	n.Log.Error().Msgf("agent.Notice plugin update required version=%s; the relay refuses this version until it is updated", currentVersion)
}

// notifyUpgrade forwards at most one update notice per noticeEvery.
func (a *Agent) notifyUpgrade() {
	if err := a.notices.Add("plugin-update", struct{}{}, cache.DefaultExpiration); err != nil {
		a.log.Debug().Msg("agent.Agent update notice suppressed")
		return
	}
	a.notifier.PluginUpdateRequired(a.cfg.PluginVersion)
}
