package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NodeLogger returns the global logger tagged with app and node identity.
func NodeLogger(app, nodeID string) zerolog.Logger {
	return log.Logger.With().Str("app", app).Str("node", nodeID).Logger()
}
