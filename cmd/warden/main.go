package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	NewApp().Run()
}

// NewApp wires the warden server.
func NewApp() *fx.App {
	return fx.New(
		configModule,
		dataModule,
		ledgerModule,
		serviceModule,
		serverModule,

		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),
	)
}
