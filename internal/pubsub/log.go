package pubsub

import btclog "github.com/btcsuite/btclog/v2"

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by topic replication.
func UseLogger(logger btclog.Logger) { log = logger }
