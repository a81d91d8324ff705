package build

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// NewSubLogger creates a logger for a subsystem tag, backed by the given
// handler. Packages that log call this once at init time through their own
// UseLogger hook; until UseLogger is called they fall back to a disabled
// logger so library code stays silent unless a host wires one in.
func NewSubLogger(tag string, handler btclog.Handler) btclog.Logger {
	if handler == nil {
		return btclog.Disabled
	}

	return btclog.NewSLogger(handler.SubSystem(tag))
}
