// Package ops carries the service boilerplate shared by tradegate binaries:
// logging setup, configuration parsing, and the private diagnostics server.
package ops

import (
	log "github.com/sirupsen/logrus"
)

// LogConfig configures the logger of a tradegate binary.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
}

// InitLog applies the LogConfig to the process-global logger.
func InitLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
}
