package app

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/mapmarket/relaychat/internal/config"
)

// subsystems are the named loggers of this module.
var subsystems = []string{
	"app", "audio", "call", "chat", "config", "conversation",
	"media", "storage", "transport", "typing",
}

// applyLogLevels sets the global level and then the per-subsystem
// overrides. Unknown subsystems are logged and skipped.
func applyLogLevels(l config.Log) {
	level := l.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("log level %q: %v", level, err)
		lvl = logging.LevelInfo
	}
	for _, s := range subsystems {
		_ = logging.SetLogLevel(s, lvl.String())
	}
	for name, lv := range l.Subsystems {
		if err := logging.SetLogLevel(name, lv); err != nil {
			log.Warnf("log level %s=%s: %v", name, lv, err)
		}
	}
}

func logBanner(profileDir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("relaychat session")
	log.Infof(" Profile folder : %s", profileDir)
	log.Infof(" Config file    : %s", cfgPath)
	log.Infof(" Server         : %s", cfg.Relay.URL)
	if cfg.Identity.UserID != "" {
		log.Infof(" Signed in as   : %s", cfg.Identity.UserID)
	}
	log.Info("────────────────────────────────────────")
}
