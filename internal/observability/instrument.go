// Package observability configures process-wide structured logging.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies log records emitted through the OTel bridge.
const instrumentationName = "github.com/florianilch/forcesession"

// Log exporters.
const (
	ExporterNone     = "none"
	ExporterConsole  = "console"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Options selects how logs are emitted.
type Options struct {
	Level slog.Level

	// Format is "text" or "json"; used when Exporter is "none".
	Format string

	// Exporter routes logs through an OpenTelemetry log pipeline instead of
	// writing them to Output. OTLP exporters read the standard OTEL_EXPORTER_OTLP_* variables.
	Exporter string

	// Output defaults to os.Stderr so command output on stdout stays clean.
	Output io.Writer
}

// Instrument installs the default slog logger. The returned function flushes
// and stops the log pipeline and must be called before exit.
func Instrument(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	noop := func(context.Context) error { return nil }

	switch strings.ToLower(opts.Exporter) {
	case "", ExporterNone:
		handler, err := newStreamHandler(opts.Output, opts.Level, opts.Format)
		if err != nil {
			return noop, err
		}
		slog.SetDefault(slog.New(newTraceContextHandler(handler)))
		return noop, nil

	default:
		exporter, err := newExporter(ctx, opts.Exporter, opts.Output)
		if err != nil {
			return noop, err
		}

		processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(opts.Level))
		provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))

		slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))))
		return provider.Shutdown, nil
	}
}

// newStreamHandler creates a handler for human-readable logs.
func newStreamHandler(w io.Writer, level slog.Level, logFormat string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(logFormat) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", logFormat)
	}
}

// newExporter creates the OTel log exporter by name.
func newExporter(ctx context.Context, name string, w io.Writer) (sdklog.Exporter, error) {
	switch strings.ToLower(name) {
	case ExporterConsole:
		return stdoutlog.New(stdoutlog.WithWriter(w))
	case ExporterOTLPHTTP:
		return otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log exporter %q (expected: %s, %s, %s, %s)",
			name, ExporterNone, ExporterConsole, ExporterOTLPHTTP, ExporterOTLPGRPC)
	}
}

// severity maps a slog level to the minimum OTel severity to export.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
