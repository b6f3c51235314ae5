package server

import (
	"fmt"
	"os"
	goruntime "runtime"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. Output always goes to stdout; when a
// file is configured it is also written there and rotated.
func NewLogger(config *LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}

	if config.File != "" {
		writer := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(writer), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// RedirectDiscordGoLogger routes discordgo's internal log lines through zap.
func RedirectDiscordGoLogger(logger *zap.Logger) {
	logger = logger.With(zap.String("component", "discordgo"))
	discordgo.Logger = func(msgL int, caller int, format string, a ...interface{}) {
		pc, file, line, _ := goruntime.Caller(caller)

		files := strings.Split(file, "/")
		file = files[len(files)-1]

		name := goruntime.FuncForPC(pc).Name()
		fns := strings.Split(name, ".")
		name = fns[len(fns)-1]

		fields := []zap.Field{
			zap.String("file", file),
			zap.Int("line", line),
			zap.String("func", name),
		}
		msg := fmt.Sprintf(format, a...)

		switch msgL {
		case discordgo.LogError:
			logger.Error(msg, fields...)
		case discordgo.LogWarning:
			logger.Warn(msg, fields...)
		case discordgo.LogDebug:
			logger.Debug(msg, fields...)
		default:
			logger.Info(msg, fields...)
		}
	}
}
