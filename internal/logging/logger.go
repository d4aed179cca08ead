// Package logging builds the zap logger shared by the server and guardctl.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StandardLogger wraps a zap logger with the field helpers used across hrguard.
type StandardLogger struct {
	logger *zap.Logger
}

// NewStandardLogger writes JSON to stdout in production and a console format
// elsewhere.
func NewStandardLogger(level, environment string) *StandardLogger {
	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if strings.EqualFold(environment, "production") {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoderCfg.TimeKey = "time"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(getZapLevel(level)))
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("service", "hrguard"))

	return &StandardLogger{logger: logger}
}

// NewCLILogger writes plain console lines to w, usually stderr, so command
// output on stdout stays machine readable.
func NewCLILogger(level string, w io.Writer) *StandardLogger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.TimeKey = ""
	encoderCfg.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(w), zap.NewAtomicLevelAt(getZapLevel(level)))
	return &StandardLogger{logger: zap.New(core)}
}

// FromZap wraps an existing logger, typically one built by zaptest or observer.
func FromZap(logger *zap.Logger) *StandardLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StandardLogger{logger: logger}
}

func getZapLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger returns the underlying zap logger.
func (l *StandardLogger) Logger() *zap.Logger {
	return l.logger
}

func (l *StandardLogger) with(fields ...zap.Field) *StandardLogger {
	return &StandardLogger{logger: l.logger.With(fields...)}
}

func (l *StandardLogger) WithService(service string) *StandardLogger {
	return l.with(zap.String("service", service))
}

func (l *StandardLogger) WithComponent(component string) *StandardLogger {
	return l.with(zap.String("component", component))
}

func (l *StandardLogger) WithOperation(operation string) *StandardLogger {
	return l.with(zap.String("operation", operation))
}

func (l *StandardLogger) WithRequestID(requestID string) *StandardLogger {
	return l.with(zap.String("request_id", requestID))
}

func (l *StandardLogger) WithPrincipalID(principalID string) *StandardLogger {
	return l.with(zap.String("principal_id", principalID))
}

func (l *StandardLogger) WithError(err error) *StandardLogger {
	return l.with(zap.Error(err))
}

func (l *StandardLogger) WithFields(fields map[string]interface{}) *StandardLogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return l.with(zf...)
}

func (l *StandardLogger) Debug(msg string, fields ...zap.Field) { l.logger.Debug(msg, fields...) }
func (l *StandardLogger) Info(msg string, fields ...zap.Field)  { l.logger.Info(msg, fields...) }
func (l *StandardLogger) Warn(msg string, fields ...zap.Field)  { l.logger.Warn(msg, fields...) }
func (l *StandardLogger) Error(msg string, fields ...zap.Field) { l.logger.Error(msg, fields...) }

func (l *StandardLogger) LogStartup(service, version string, port int) {
	l.logger.Info("Service starting",
		zap.String("event", "startup"),
		zap.String("service", service),
		zap.String("version", version),
		zap.Int("port", port),
	)
}

func (l *StandardLogger) LogShutdown(service, reason string) {
	l.logger.Info("Service shutting down",
		zap.String("event", "shutdown"),
		zap.String("service", service),
		zap.String("reason", reason),
	)
}

func (l *StandardLogger) LogAPIRequest(method, path string, statusCode int, durationMS int64, requestID string) {
	l.logger.Info("API request",
		zap.String("event", "api_request"),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", durationMS),
		zap.String("request_id", requestID),
	)
}

// LogSecurityEvent records guard decisions such as lockouts and forced
// logouts at warn level so they survive a quiet log level.
func (l *StandardLogger) LogSecurityEvent(eventType, principalID string, details map[string]interface{}) {
	fields := []zap.Field{
		zap.String("event", "security_event"),
		zap.String("type", eventType),
		zap.String("principal_id", principalID),
	}
	for k, v := range details {
		fields = append(fields, zap.Any(k, v))
	}
	l.logger.Warn("Security event", fields...)
}

func (l *StandardLogger) Sync() error {
	return l.logger.Sync()
}
