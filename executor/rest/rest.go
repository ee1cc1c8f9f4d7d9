// Package rest implements the network executor: a synchronous
// request/response call whose URL, headers and payload arrive as rendered
// operation parameters.
package rest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"opset/runtime"
)

// Params are the rendered parameters of a rest operation.
type Params struct {
	Path        string            `mapstructure:"path"`
	Operation   string            `mapstructure:"operation"`
	Headers     map[string]string `mapstructure:"headers"`
	Payload     string            `mapstructure:"payload"`
	ContentType string            `mapstructure:"content_type"`
	AcceptsType string            `mapstructure:"accepts_type"`
}

type Executor struct {
	l      *slog.Logger
	client *resty.Client
	cb     *gobreaker.CircuitBreaker
}

// New builds the executor. TLS verification is commonly disabled because
// targets are lab devices with self-signed certificates.
func New(l *slog.Logger, timeout time.Duration, insecureSkipVerify bool) *Executor {
	client := resty.New().SetTimeout(timeout)
	if insecureSkipVerify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "rest-executor",
		Interval: 1 * time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Executor{l: l, client: client, cb: cb}
}

// Execute performs one request. Any non-2xx response is a ProtocolError and
// terminal for the enclosing run; transport and URL failures surface as
// ConnectionErrors with distinguishable kinds.
func (e *Executor) Execute(ctx context.Context, op runtime.Operation, params map[string]any, run runtime.Context) (string, error) {
	var p Params
	if err := runtime.DecodeParams(params, &p); err != nil {
		return "", err
	}

	target := sanitizePath(p.Path)
	if target == "" {
		return "", fmt.Errorf("operation %s has no path", op.Name)
	}

	method, err := resolveMethod(p.Operation)
	if err != nil {
		return "", err
	}

	req := e.client.R().SetContext(ctx).SetHeaders(buildHeaders(p))
	if method == "POST" && p.Payload != "" {
		req.SetBody(p.Payload)
	}

	e.l.InfoContext(ctx, fmt.Sprintf("Performing %s for operation %s", method, op.Name), "url", target)

	result, err := e.cb.Execute(func() (any, error) {
		return req.Execute(method, target)
	})
	if err != nil {
		return "", classify(target, err)
	}

	resp := result.(*resty.Response)
	if resp.IsError() {
		return resp.String(), &runtime.ProtocolError{
			Target: target,
			Status: strconv.Itoa(resp.StatusCode()),
			Detail: resp.String(),
		}
	}
	return resp.String(), nil
}

// sanitizePath strips the whitespace and line breaks that multi-line YAML
// path definitions carry.
func sanitizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.ReplaceAll(path, "\n", "")
	return strings.ReplaceAll(path, " ", "")
}

func resolveMethod(operation string) (string, error) {
	switch strings.ToLower(operation) {
	case "", "get":
		return "GET", nil
	case "post":
		return "POST", nil
	default:
		return "", fmt.Errorf("unknown rest operation %q", operation)
	}
}

func buildHeaders(p Params) map[string]string {
	headers := make(map[string]string, len(p.Headers)+2)
	if p.ContentType != "" {
		headers["Content-Type"] = p.ContentType
	}
	if p.AcceptsType != "" {
		headers["Accepts-Type"] = p.AcceptsType
	}
	for k, v := range p.Headers {
		headers[k] = v
	}
	return headers
}

func classify(target string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &runtime.ConnectionError{Target: target, Kind: runtime.ConnUnreachable, Err: err}
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Op == "parse" || strings.Contains(uerr.Err.Error(), "unsupported protocol scheme") {
			return &runtime.ConnectionError{Target: target, Kind: runtime.ConnMalformedURL, Err: err}
		}
	}
	return &runtime.ConnectionError{Target: target, Kind: runtime.ConnUnreachable, Err: err}
}
