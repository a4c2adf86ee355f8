/*
Package log provides structured logging for beacon using zerolog.

A single global zerolog.Logger is configured once via Init and used
from every package. Component loggers (WithComponent, WithNodeID,
WithTopic, WithPeer) attach a field to a child logger so related log
lines can be filtered and aggregated without repeating the field at
every call site.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	log.Info("beacon starting")

	raftLog := log.WithNodeID(cfg.NodeID)
	raftLog.Warn().Msg("leader lost, stepping down")

Errorf takes a single error argument rather than a variadic list,
matching Error().Err(err) underneath:

	if err := node.Shutdown(); err != nil {
		log.Errorf("raft shutdown error", err)
	}

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
