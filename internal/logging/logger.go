package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"ordersync/internal/config"

	"github.com/rs/zerolog"
)

// New builds the process logger. Output is stdout, stderr, file, or both
// (stdout and file). The returned closer is nil unless a file was opened.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	console := strings.EqualFold(strings.TrimSpace(cfg.Format), "console")
	wrap := func(w io.Writer) io.Writer {
		if console {
			return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}
		return w
	}

	var (
		output io.Writer
		closer io.Closer
	)
	switch mode := strings.ToLower(strings.TrimSpace(cfg.Output)); mode {
	case "", "stdout":
		output = wrap(os.Stdout)
	case "stderr":
		output = wrap(os.Stderr)
	case "file", "both":
		file, err := openFile(cfg.FilePath, mode)
		if err != nil {
			return nil, nil, err
		}
		closer = file
		// Files always get JSON lines.
		output = file
		if mode == "both" {
			output = zerolog.MultiLevelWriter(wrap(os.Stdout), file)
		}
	default:
		return nil, nil, fmt.Errorf("unknown logging.output %q", cfg.Output)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
	base := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("app", app.Name).
		Str("env", app.Environment).
		Str("version", app.Version).
		Logger()

	return &base, closer, nil
}

func openFile(path, mode string) (*os.File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("logging.output=%s requires logging.file_path", mode)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// ForRun scopes a logger to one sync run.
func ForRun(logger *zerolog.Logger, runID, trigger string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Str("trigger", trigger).Logger()
}
