// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"lab-bench/internal/config"
)

// NewLogger builds the process logger. Output is a comma separated list of
// sinks: "stdout", "stderr" or a file path rotated by lumberjack.
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	sinks, err := logSinks(cfg)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig(true))
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig(false))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func encoderConfig(console bool) zapcore.EncoderConfig {
	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.MessageKey = "message"
	encoder.EncodeCaller = zapcore.ShortCallerEncoder

	if console {
		encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	} else {
		encoder.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	}
	return encoder
}

func logSinks(cfg *config.LoggingConfig) ([]zapcore.WriteSyncer, error) {
	output := cfg.Output
	if output == "" {
		output = "stdout"
	}

	var sinks []zapcore.WriteSyncer
	for _, sink := range strings.Split(output, ",") {
		switch sink = strings.TrimSpace(sink); sink {
		case "":
		case "stdout":
			sinks = append(sinks, zapcore.Lock(os.Stdout))
		case "stderr":
			sinks = append(sinks, zapcore.Lock(os.Stderr))
		default:
			if err := os.MkdirAll(filepath.Dir(sink), 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
			sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
				Filename:   sink,
				MaxSize:    cfg.MaxSize, // MB
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge, // days
				Compress:   cfg.Compress,
			}))
		}
	}
	return sinks, nil
}

// ChannelLogger wraps zap.Logger with channel-specific functionality
type ChannelLogger struct {
	*zap.Logger
	target    string
	transport string
}

// NewChannelLogger creates a logger scoped to one byte channel
func NewChannelLogger(baseLogger *zap.Logger, target, transport string) *ChannelLogger {
	logger := baseLogger.With(
		zap.String("target", target),
		zap.String("transport", transport),
		zap.String("component", "channel"),
	)

	return &ChannelLogger{
		Logger:    logger,
		target:    target,
		transport: transport,
	}
}

// LogConnection logs connection events
func (cl *ChannelLogger) LogConnection(action string, success bool, err error) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.Bool("success", success),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		cl.Warn("Channel connection event", fields...)
	} else {
		cl.Debug("Channel connection event", fields...)
	}
}

// LogProbe logs the outcome of one protocol probe attempt
func (cl *ChannelLogger) LogProbe(protocol string, baudRate int, duration time.Duration, identified bool) {
	fields := []zap.Field{
		zap.String("protocol", protocol),
		zap.Int("baud_rate", baudRate),
		zap.Duration("duration", duration),
		zap.Bool("identified", identified),
	}

	if identified {
		cl.Info("Protocol probe succeeded", fields...)
	} else {
		cl.Info("Protocol probe did not match", fields...)
	}
}

// OperationLogger times one scan, match or release and logs its outcome
type OperationLogger struct {
	logger    *zap.Logger
	startTime time.Time
}

// NewOperationLogger creates an operation-specific logger
func NewOperationLogger(baseLogger *zap.Logger, operationType, operationID string) *OperationLogger {
	return &OperationLogger{
		logger: baseLogger.With(
			zap.String("operation_type", operationType),
			zap.String("operation_id", operationID),
		),
		startTime: time.Now(),
	}
}

// Start logs operation start
func (ol *OperationLogger) Start(fields ...zap.Field) {
	ol.logger.Info("Operation started", fields...)
}

// Success logs successful operation completion
func (ol *OperationLogger) Success(fields ...zap.Field) {
	ol.logger.Info("Operation completed", ol.elapsed(fields)...)
}

// Error logs operation failure
func (ol *OperationLogger) Error(err error, fields ...zap.Field) {
	ol.logger.Error("Operation failed", ol.elapsed(append(fields, zap.Error(err)))...)
}

// Progress logs an intermediate step
func (ol *OperationLogger) Progress(message string, progress float64, fields ...zap.Field) {
	ol.logger.Info(message, ol.elapsed(append(fields, zap.Float64("progress", progress)))...)
}

func (ol *OperationLogger) elapsed(fields []zap.Field) []zap.Field {
	return append([]zap.Field{zap.Duration("elapsed", time.Since(ol.startTime))}, fields...)
}

// ServiceLogger tags every entry with the owning component
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	return &ServiceLogger{
		Logger:      baseLogger.With(zap.String("component", serviceName)),
		serviceName: serviceName,
	}
}

// LogServiceStart logs startup. The configuration is not logged, it carries credentials.
func (sl *ServiceLogger) LogServiceStart(version, environment string) {
	sl.Info("Service starting",
		zap.String("service", sl.serviceName),
		zap.String("version", version),
		zap.String("environment", environment),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping", zap.String("service", sl.serviceName), zap.String("reason", reason))
}

// LogAPIRequest logs HTTP API requests
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
	level := zapcore.InfoLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("user_agent", userAgent),
			zap.String("client_ip", clientIP),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// LoggerWithRequestID adds request ID to logger
func LoggerWithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// LogError is a helper function for consistent error logging
func LogError(logger *zap.Logger, message string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{zap.Error(err)}, fields...)
	logger.Error(message, allFields...)
}

// CloseLogger flushes buffered log entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
