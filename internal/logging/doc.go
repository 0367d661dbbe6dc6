// Package logging provides structured logging for agentd.
//
// The package wraps Zap with:
//   - a Trace level below Debug
//   - stdout and OpenTelemetry outputs
//   - conversation and trace correlation fields taken from context
//   - key and pattern based secret redaction in the encoder
//   - sampling below Error
//   - an adapter for the Temporal SDK logger interface
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithConversation(ctx, conversationID, runID)
//	logger.Info(ctx, "tool executed", zap.String("tool", name))
//
// Temporal clients and workers log through the same pipeline:
//
//	c, err := client.Dial(client.Options{Logger: logging.NewTemporalLogger(logger)})
//
// Tests use TestLogger:
//
//	tl := logging.NewTestLogger()
//	tl.AssertLogged(t, zapcore.WarnLevel, "input dropped")
package logging
