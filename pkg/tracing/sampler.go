package tracing

import (
	"os"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newSampler 环境变量 OTEL_TRACES_SAMPLER 优先于配置
func newSampler(cfg *Config) sdktrace.Sampler {
	if name := os.Getenv("OTEL_TRACES_SAMPLER"); name != "" {
		ratio := parseRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 1.0)
		switch name {
		case "always_on":
			return sdktrace.AlwaysSample()
		case "always_off":
			return sdktrace.NeverSample()
		case "traceidratio":
			return sdktrace.TraceIDRatioBased(ratio)
		case "parentbased_always_off":
			return sdktrace.ParentBased(sdktrace.NeverSample())
		case "parentbased_traceidratio":
			return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
		default:
			return sdktrace.ParentBased(sdktrace.AlwaysSample())
		}
	}

	switch cfg.SamplingType {
	case "always":
		return sdktrace.AlwaysSample()
	case "never":
		return sdktrace.NeverSample()
	case "ratio":
		return sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))
	}
}
