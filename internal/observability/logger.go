package observability

import (
	"log/slog"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

// ServiceName tags every log record and trace resource.
const ServiceName = "storm-reroute"

// NewLogger builds the service logger on stdout and installs it as the slog
// default. format is "json" or "text"; level is debug, info, warn or error.
func NewLogger(level, format string) *slog.Logger {
	return sharedobs.NewLogger(level, format).With("service", ServiceName)
}
