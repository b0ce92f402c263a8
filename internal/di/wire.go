//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"SignalDesk/pkg/config"
	"SignalDesk/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,
		ProvideInstruments,

		// Infrastructure clients
		ProvideCache,
		ProvideClickHouseClient,
		ProvideKafkaProducer,

		// Repositories
		ProvideMarketData,
		ProvideSnapshotStore,
		ProvidePublisher,
		ProvidePaperExchange,
		ProvideConnector,

		// Pipeline stages
		ProvideEngine,
		ProvideScorer,
		ProvideStabilizer,
		ProvideGate,
		ProvideDispatcher,
		ProvideActiveSet,
		ProvideHistory,

		// Use cases
		ProvidePipeline,
		ProvidePollLoop,
		ProvideControlConsumer,

		// Application server
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
