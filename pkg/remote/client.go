package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/logging"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/tracing"
)

const (
	CreateTimeout = 30 * time.Second
	QueryTimeout  = 30 * time.Second
	UploadTimeout = 120 * time.Second
)

// Models
const (
	ModelBase = "sora-2"
	ModelPro  = "sora-2-pro"
)

const (
	DefaultDuration = 10
	MaxProDuration  = 15
)

// maxResponseBytes caps how much of an API response is read into memory
const maxResponseBytes = 10 << 20

// createPaths are tried in order; the second is only used after a 404
var createPaths = []string{"/v1/video/create", "/video/create"}

// QueryPaths are the status endpoints a deployment may expose, tried in order
var QueryPaths = []string{"/v1/video/query", "/v1videoquery", "/video/query"}

// CreateRequest describes a generation job to submit
type CreateRequest struct {
	Prompt      string
	Model       string
	Orientation string
	Size        string
	Duration    int
	Images      []string
}

// CreateResult is what the service returned for a successful create
type CreateResult struct {
	ID     string
	Status models.JobStatus
	Raw    json.RawMessage
}

type createPayload struct {
	Model       string   `json:"model"`
	Orientation string   `json:"orientation"`
	Prompt      string   `json:"prompt"`
	Size        string   `json:"size"`
	Duration    int      `json:"duration"`
	Images      []string `json:"images"`
}

// Client talks to the video generation API and the image upload host
type Client struct {
	host         string
	apiKey       string
	uploadURL    string
	httpClient   *http.Client
	uploadClient *http.Client
	logger       *logging.Logger
	tracer       trace.Tracer
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the client used for create and query calls
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUploadClient replaces the client used for uploads
func WithUploadClient(hc *http.Client) Option {
	return func(c *Client) { c.uploadClient = hc }
}

// WithUploadURL points uploads at a different endpoint
func WithUploadURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.uploadURL = u
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTracer sets the tracer used for request spans
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// NewClient creates a client for baseURL. Only the scheme and host of
// baseURL are kept.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		uploadURL:    DefaultUploadURL,
		httpClient:   &http.Client{Timeout: CreateTimeout},
		uploadClient: &http.Client{Timeout: UploadTimeout},
		logger:       logging.Nop(),
		tracer:       tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}

	host, ok := ResolveHost(baseURL)
	if !ok {
		c.logger.Warn("Unusable base URL, falling back to default host", map[string]interface{}{
			"base_url": baseURL,
			"host":     host,
		})
	}
	c.host = host
	return c
}

// Host returns the resolved scheme://host the client sends requests to
func (c *Client) Host() string {
	return c.host
}

// addAuthHeader adds authentication header to request
func (c *Client) addAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// do sends req and reads the whole (bounded) body
func (c *Client) do(hc *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, &errdefs.TransportError{Op: req.Method, URL: req.URL.Redacted(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &errdefs.TransportError{Op: req.Method, URL: req.URL.Redacted(), Err: err}
	}
	return body, resp.StatusCode, nil
}

// ParseDuration reads a user-supplied duration such as "15" or "15s".
// Anything non-numeric becomes DefaultDuration.
func ParseDuration(s string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "s"))
	if err != nil || n <= 0 {
		return DefaultDuration
	}
	return n
}

// NormalizeDuration applies the per-model duration rules
func NormalizeDuration(model string, d int) int {
	if d <= 0 {
		return DefaultDuration
	}
	if model == ModelPro && d > MaxProDuration {
		return MaxProDuration
	}
	return d
}

// CreateJob submits a new generation job
func (c *Client) CreateJob(ctx context.Context, req CreateRequest) (result *CreateResult, err error) {
	ctx, span := c.tracer.Start(ctx, "remote.create_job", trace.WithAttributes(
		attribute.String("job.model", req.Model),
		attribute.Int("job.images", len(req.Images)),
	))
	defer func() { tracing.Finish(span, err) }()

	images := req.Images
	if images == nil {
		images = []string{}
	}
	payload := createPayload{
		Model:       req.Model,
		Orientation: req.Orientation,
		Prompt:      req.Prompt,
		Size:        req.Size,
		Duration:    NormalizeDuration(req.Model, req.Duration),
		Images:      images,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create request: %w", err)
	}

	for i, path := range createPaths {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")
		c.addAuthHeader(httpReq)

		body, status, err := c.do(c.httpClient, httpReq)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound && i < len(createPaths)-1 {
			c.logger.Warn("Create endpoint not found, trying alternate path", map[string]interface{}{
				"path": path,
			})
			continue
		}
		if status < 200 || status >= 300 {
			return nil, &errdefs.RemoteError{StatusCode: status, Body: string(body), URL: httpReq.URL.Redacted()}
		}
		return decodeCreate(body)
	}
	// unreachable: the last path always returns
	return nil, fmt.Errorf("no create endpoint available")
}

func decodeCreate(body []byte) (*CreateResult, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &errdefs.DecodeError{Body: string(body), Err: err}
	}
	return &CreateResult{
		ID:     stringField(payload, "id"),
		Status: models.ParseStatus(stringField(payload, "status")),
		Raw:    append(json.RawMessage(nil), body...),
	}, nil
}

// QueryStatus fetches the current state of job id. Each status endpoint is
// tried in turn until one answers 200.
func (c *Client) QueryStatus(ctx context.Context, id string) (result *StatusResult, err error) {
	ctx, span := c.tracer.Start(ctx, "remote.query_status", trace.WithAttributes(
		attribute.String("job.id", id),
	))
	defer func() { tracing.Finish(span, err) }()

	exhausted := &errdefs.CandidatesExhaustedError{}
	for _, path := range QueryPaths {
		u := c.host + path + "?id=" + url.QueryEscape(id)
		res, qerr := c.queryOnce(ctx, u)
		tracing.AddEvent(ctx, "status_candidate",
			attribute.String("path", path),
			attribute.String("reason", errdefs.Reason(qerr)),
		)
		if qerr == nil {
			res.Endpoint = path
			if res.ID == "" {
				res.ID = id
			}
			return res, nil
		}

		// a 200 with a body we cannot read is an answer, not a missing endpoint
		var de *errdefs.DecodeError
		var ire *errdefs.InvalidResponseError
		if ctx.Err() != nil || errors.As(qerr, &de) || errors.As(qerr, &ire) {
			return nil, qerr
		}

		c.logger.Debug("Status endpoint failed, trying next", map[string]interface{}{
			"job_id": id,
			"path":   path,
			"error":  qerr,
		})
		exhausted.Candidates = append(exhausted.Candidates, path)
		exhausted.Errs = append(exhausted.Errs, qerr)
	}
	return nil, exhausted
}

func (c *Client) queryOnce(ctx context.Context, u string) (*StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.addAuthHeader(req)

	body, status, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &errdefs.RemoteError{StatusCode: status, Body: string(body), URL: req.URL.Redacted()}
	}
	return Normalize(body)
}
