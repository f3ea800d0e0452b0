/*
Package log provides structured logging for the indexer using zerolog:
a global logger configured once via Init, plus component-scoped child
loggers created with WithComponent, WithHeight, and WithInscriptionID.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	gatewayLog := log.WithComponent("gateway")
	gatewayLog.Info().Uint64("height", 800000).Msg("block fetched")
*/
package log
