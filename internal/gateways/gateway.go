// Package gateways implements push.Gateway for the platform push services.
package gateways

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout           = 15 * time.Second
	defaultRequestsPerSecond = 50
	defaultBurst             = 20
	maxErrorBodyBytes        = 4096
)

var (
	errMissingEndpoint = errors.New("gateways: endpoint is required")
	noOpLogger         = zap.NewNop()
)

// StatusError reports a non-success gateway response.
type StatusError struct {
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Reason)
}

// LimitConfig bounds the request rate of one client.
type LimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func newLimiter(cfg LimitConfig) *rate.Limiter {
	perSecond := cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func httpClientOrDefault(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultTimeout}
}

func loggerOrDefault(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}
	return noOpLogger
}
