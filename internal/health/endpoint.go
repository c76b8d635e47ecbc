package health

import (
	"context"
	"log/slog"
	"time"
)

// EndpointProber reduces the application's HTTP health endpoint to a
// boolean. It is the in-process alternative to CommandProber for setups
// without an external check binary.
type EndpointProber struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger
}

func NewEndpointProber(url string, timeout time.Duration, lg *slog.Logger) *EndpointProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &EndpointProber{url: url, timeout: timeout, logger: lg}
}

// Probe implements Prober.
func (p *EndpointProber) Probe(_ context.Context) bool {
	if err := CheckEndpoint(p.url, p.timeout); err != nil {
		p.logger.Debug("endpoint probe failed", "url", p.url, "error", err)
		return false
	}
	return true
}
