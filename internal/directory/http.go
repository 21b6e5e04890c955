package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/breaker"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
)

// ErrUnavailable is returned while the directory circuit breaker is open.
var ErrUnavailable = errors.New("directory: service unavailable")

// HTTP queries a remote HR directory service:
//
//	GET {base}/employees/{id}/manager          -> {"id": "mgr-3"}
//	GET {base}/employees/{id}/department-head  -> {"id": "head-1"}
//	GET {base}/roles/{id}/members              -> {"members": ["hr-1"]}
//
// A 404 means "no such relation" and yields an empty result. Calls are
// guarded by a circuit breaker so a failing directory blocks instances
// quickly instead of stalling every request.
type HTTP struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTP builds a directory client from cfg.
func NewHTTP(cfg config.DirectoryConfig, metrics *observability.Metrics, logger *zap.Logger) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: breaker.New("directory", cfg.Breaker, metrics, logger),
	}
}

type idResponse struct {
	ID string `json:"id"`
}

type membersResponse struct {
	Members []string `json:"members"`
}

// GetManager implements model.Directory.
func (d *HTTP) GetManager(ctx context.Context, employeeID string) (string, error) {
	var out idResponse
	if err := d.get(ctx, "/employees/"+url.PathEscape(employeeID)+"/manager", &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.ID), nil
}

// GetDepartmentHead implements model.Directory.
func (d *HTTP) GetDepartmentHead(ctx context.Context, employeeID string) (string, error) {
	var out idResponse
	if err := d.get(ctx, "/employees/"+url.PathEscape(employeeID)+"/department-head", &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.ID), nil
}

// MembersOf implements model.RoleService.
func (d *HTTP) MembersOf(ctx context.Context, roleID string) ([]string, error) {
	var out membersResponse
	if err := d.get(ctx, "/roles/"+url.PathEscape(roleID)+"/members", &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// HealthCheck reports whether the breaker is letting calls through.
func (d *HTTP) HealthCheck(context.Context) error {
	if d.breaker.State() == gobreaker.StateOpen {
		return ErrUnavailable
	}
	return nil
}

// get decodes a JSON body into out. A 404 leaves out untouched and returns
// nil; it does not count as a breaker failure.
func (d *HTTP) get(ctx context.Context, path string, out any) error {
	ctx, span := observability.StartSpan(ctx, "directory.get")
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	_, err = d.breaker.Execute(func() (interface{}, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
		if reqErr != nil {
			return nil, fmt.Errorf("directory: build request: %w", reqErr)
		}
		req.Header.Set("Accept", "application/json")
		observability.InjectTraceHeaders(ctx, req.Header)

		resp, doErr := d.client.Do(req)
		if doErr != nil {
			return nil, fmt.Errorf("directory: GET %s: %w", path, doErr)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			io.Copy(io.Discard, resp.Body)
			return nil, nil
		case resp.StatusCode >= 300:
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("directory: GET %s: status %d", path, resp.StatusCode)
		}
		if decErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); decErr != nil {
			return nil, fmt.Errorf("directory: decode %s: %w", path, decErr)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
