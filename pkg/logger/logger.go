package logger

import (
	"go.uber.org/zap"
)

// New builds a zap logger for the given environment: "prod" gets the
// production config, "test" the example config (deterministic output),
// anything else the development config.
func New(environment string) (*zap.Logger, error) {
	switch environment {
	case "prod":
		return zap.NewProduction()
	case "test":
		return zap.NewExample(), nil
	default:
		return zap.NewDevelopment()
	}
}

func MustNew(environment string) *zap.Logger {
	return zap.Must(New(environment))
}
