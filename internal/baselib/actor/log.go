package actor

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// log is the package-level subsystem logger. It is disabled until a host
// process calls UseLogger, so unit tests and library consumers that never
// wire up logging stay quiet.
var log = btclog.Disabled

// UseLogger sets the logger used by the actor package. Call this once at
// process startup, before any ActorSystem is created.
func UseLogger(logger btclog.Logger) {
	log = logger
}
