package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

// newExporter 根据配置创建导出器
func newExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	switch cfg.ExporterType {
	case "otlp":
		if cfg.ExporterProtocol == "http" {
			return newOTLPHTTPExporter(ctx, cfg)
		}
		return newOTLPGRPCExporter(ctx, cfg)
	case "stdout":
		return newStdoutExporter()
	case "noop":
		return newNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

// exporterEndpoint 端点取值，配置优先，环境变量次之
func exporterEndpoint(cfg *Config) string {
	if cfg.ExporterEndpoint != "" {
		return cfg.ExporterEndpoint
	}
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
}

// newOTLPGRPCExporter 创建 OTLP gRPC 导出器
func newOTLPGRPCExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{}

	if endpoint := exporterEndpoint(cfg); endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.ExporterHeaders) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.ExporterHeaders))
	}

	return otlptracegrpc.New(ctx, opts...)
}

// newOTLPHTTPExporter 创建 OTLP HTTP 导出器
func newOTLPHTTPExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	opts := []otlptracehttp.Option{}

	if endpoint := exporterEndpoint(cfg); endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.ExporterHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.ExporterHeaders))
	}

	return otlptracehttp.New(ctx, opts...)
}

// newStdoutExporter 创建标准输出导出器（用于开发调试）
func newStdoutExporter() (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithPrettyPrint(),
	)
}

// newNoopExporter 创建空导出器（禁用追踪）
func newNoopExporter() trace.SpanExporter {
	return &noopExporter{}
}

// noopExporter 空导出器实现
type noopExporter struct{}

func (e *noopExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	return nil
}

func (e *noopExporter) Shutdown(ctx context.Context) error {
	return nil
}
