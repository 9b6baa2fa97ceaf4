package main

import (
	"os"

	"github.com/charmbracelet/log"
)

// setupLogging configures the shared logger from LOGLEVEL, with --debug
// forcing debug output.
func setupLogging(debug bool) {
	log.SetReportTimestamp(true)

	if env := os.Getenv("LOGLEVEL"); env != "" {
		if lvl, err := log.ParseLevel(env); err == nil {
			log.SetLevel(lvl)
		} else {
			log.Warn("unknown LOGLEVEL", "value", env)
		}
	}
	if debug {
		log.SetLevel(log.DebugLevel)
	}
}
