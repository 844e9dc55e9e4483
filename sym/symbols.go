// Package sym defines the markers cadence attaches to log lines so that
// lifecycle and storage events can be filtered by symbol.
package sym

// Pulse markers for background processing.
const (
	Pulse      = "꩜" // pulse: job queue, workers, schedulers
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
)

// System markers.
const (
	AM   = "≡" // configuration
	DB   = "⊔" // database and storage
	Mail = "✉" // provider traffic: sends and thread checks
)

// All lists every marker in display order.
var All = []string{Pulse, PulseOpen, PulseClose, AM, DB, Mail}
