// Package logging builds the zap logger shared by the binaries.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a development logger for dev/qa/test environments and a JSON
// production logger for everything else.
func New(env string) (*zap.Logger, error) {
	var config zap.Config

	switch env {
	case "dev", "qa", "test":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default: // pre-prod, prod
		config = zap.NewProductionConfig()
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}

	return config.Build(zap.AddStacktrace(zap.DPanicLevel))
}
