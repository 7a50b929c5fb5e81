package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

type ZapLoggerConfig struct {
	Format string `json:"format"`
	Output string `json:"output"`
	File   string `json:"file"`
}

// NewDefaultLogger builds the "default" logger: console or json encoding to
// stdout, stderr or a file.
func NewDefaultLogger(config *types.LoggerConfig) (types.Logger, error) {
	lc := &ZapLoggerConfig{Format: "console", Output: "stdout"}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, lc); err != nil {
			return nil, types.JoinError(types.ErrLoggerConfigInvalid, err)
		}
	}

	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, types.Errorf(types.ErrLoggerConfigInvalid, "level %q", config.Level)
	}

	sink, err := openSink(lc)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(lc.Format), sink, zap.NewAtomicLevelAt(level))

	return NewZapWrapper(zap.New(core, zap.AddCaller())), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(level))
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}

	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func openSink(lc *ZapLoggerConfig) (zapcore.WriteSyncer, error) {
	switch lc.Output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "file":
		if lc.File == "" {
			return nil, types.ErrLogFileIsEmpty
		}
		if err := os.MkdirAll(filepath.Dir(lc.File), 0o755); err != nil {
			return nil, types.WrapError(err, "failed to create log directory")
		}
		sink, _, err := zap.Open(lc.File)
		if err != nil {
			return nil, types.WrapError(err, "failed to open log file")
		}
		return sink, nil
	default:
		return nil, types.Errorf(types.ErrLoggerConfigInvalid, "output %q", lc.Output)
	}
}

// ZapWrapper adapts *zap.Logger to types.Logger and types.StackLogger.
type ZapWrapper struct {
	Logger *zap.Logger
}

func NewZapWrapper(logger *zap.Logger) types.Logger {
	return &ZapWrapper{Logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (z *ZapWrapper) Sync() error {
	return z.Logger.Sync()
}

func (z *ZapWrapper) Error(msg string, fields ...zap.Field) {
	z.Logger.Error(msg, fields...)
}

func (z *ZapWrapper) Warn(msg string, fields ...zap.Field) {
	z.Logger.Warn(msg, fields...)
}

func (z *ZapWrapper) Info(msg string, fields ...zap.Field) {
	z.Logger.Info(msg, fields...)
}

func (z *ZapWrapper) Debug(msg string, fields ...zap.Field) {
	z.Logger.Debug(msg, fields...)
}

func (z *ZapWrapper) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	z.Logger.Log(lvl, msg, fields...)
}

// ErrorWithStack logs a recovered panic with the useful frames of stack.
func (z *ZapWrapper) ErrorWithStack(msg string, stack string, fields ...zap.Field) {
	z.Logger.Error(msg, append(fields, zap.Strings("stack", stackFrames(stack)))...)
}

// ErrorWithErrStack logs err with the stack recorded by github.com/pkg/errors
// when the chain carries one.
func (z *ZapWrapper) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))

	var tracer interface{ StackTrace() errors.StackTrace }
	if errors.As(err, &tracer) {
		fields = append(fields, zap.Strings("stack", stackFrames(fmt.Sprintf("%+v", tracer.StackTrace()))))
	}

	z.Logger.Error(msg, fields...)
}

// stackFrames drops the goroutine header, blank lines and runtime frames.
func stackFrames(stack string) []string {
	lines := strings.Split(stack, "\n")
	frames := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case line == "",
			strings.HasPrefix(line, "goroutine "),
			strings.HasPrefix(line, "runtime/"),
			strings.Contains(line, "/src/runtime/"):
			continue
		}
		frames = append(frames, line)
	}

	return frames
}
