// Package logging builds the process logger.
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// New returns a root logger named name writing to stderr. Unknown levels
// fall back to info.
func New(name, level string, json bool) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      lvl,
		Output:     os.Stderr,
		JSONFormat: json,
	})
}
