// Package httpcall implements the HTTP source adapter. Every part of the
// outgoing request (URL placeholders, query, headers, body) is templated with
// transform specs resolved against the execution context, and the call is
// protected by a retry policy and a per-host circuit breaker.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-aggregator/internal/governance"
	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
	"github.com/polisai/polis-aggregator/pkg/transform"
)

// Type is the source type this adapter registers under.
const Type = "http"

// maxBodyBytes bounds how much of a backend response is read.
const maxBodyBytes = 8 << 20

// ErrUnexpectedStatus is returned when the backend answers with a status the
// source does not accept.
var ErrUnexpectedStatus = errors.New("unexpected backend status")

// Config is the adapter-specific part of a source block.
type Config struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	// Vars fills {name} placeholders in URL.
	Vars    *transform.Spec `json:"vars"`
	Query   *transform.Spec `json:"query"`
	Headers *transform.Spec `json:"headers"`
	Body    *transform.Spec `json:"body"`
	// ForwardHeaders copies the named client headers onto the backend request.
	ForwardHeaders []string                  `json:"forwardHeaders"`
	Timeout        runtime.Duration          `json:"timeout"`
	Retry          *governance.RetryConfig   `json:"retry"`
	Breaker        *governance.BreakerConfig `json:"breaker"`
	// AcceptStatus lists the successful statuses. Empty accepts 2xx.
	AcceptStatus []int `json:"acceptStatus"`
}

// Options holds the process-wide collaborators shared by every HTTP source.
type Options struct {
	Client     *http.Client
	Transforms *transform.Engine
	Breakers   *governance.BreakerSet
	Logger     *slog.Logger
}

// StatusError carries a backend status that failed the call.
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d", e.Method, e.URL, e.Status)
}

// Unwrap lets callers match ErrUnexpectedStatus.
func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

type compiled struct {
	url     string
	method  string
	vars    *transform.Compiled
	query   *transform.Compiled
	headers *transform.Compiled
	body    *transform.Compiled
	forward []string
	timeout time.Duration
	retry   *governance.RetryPolicy
	breaker *governance.BreakerConfig
	accept  map[int]bool
}

// Factory returns the source factory bound to opts.
func Factory(opts Options) runtime.SourceFactory {
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if opts.Transforms == nil {
		opts.Transforms = transform.NewEngine(nil)
	}
	if opts.Breakers == nil {
		opts.Breakers = governance.NewBreakerSet()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return func(cfg runtime.SourceConfig) (runtime.Source, error) {
		var raw Config
		if err := cfg.Decode(&raw); err != nil {
			return nil, err
		}
		c, err := compile(opts.Transforms, raw)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
		}
		return &Source{
			name: cfg.Name,
			cfg:  c,
			opts: opts,
			logger: opts.Logger.With(
				"step", cfg.Step,
				"source", cfg.Name,
			),
		}, nil
	}
}

func compile(transforms *transform.Engine, raw Config) (*compiled, error) {
	target := strings.TrimSpace(raw.URL)
	if target == "" {
		return nil, errors.New("url is required")
	}
	if _, err := url.Parse(placeholderFree(target)); err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", target, err)
	}

	method := strings.ToUpper(strings.TrimSpace(raw.Method))
	if method == "" {
		method = http.MethodGet
	}

	c := &compiled{
		url:     target,
		method:  method,
		timeout: raw.Timeout.Std(),
		breaker: raw.Breaker,
	}
	for _, name := range raw.ForwardHeaders {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			c.forward = append(c.forward, name)
		}
	}

	var err error
	if c.vars, err = transforms.Compile(raw.Vars); err != nil {
		return nil, fmt.Errorf("vars: %w", err)
	}
	if c.query, err = transforms.Compile(raw.Query); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if c.headers, err = transforms.Compile(raw.Headers); err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	if c.body, err = transforms.Compile(raw.Body); err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}

	retry := governance.RetryConfig{}
	if raw.Retry != nil {
		retry = *raw.Retry
	}
	c.retry = governance.NewRetryPolicy(retry)

	if len(raw.AcceptStatus) > 0 {
		c.accept = make(map[int]bool, len(raw.AcceptStatus))
		for _, code := range raw.AcceptStatus {
			c.accept[code] = true
		}
	}
	return c, nil
}

// Source is one HTTP backend call for one pipeline run.
type Source struct {
	name   string
	cfg    *compiled
	opts   Options
	logger *slog.Logger

	method  string
	target  *url.URL
	header  http.Header
	payload []byte
	request map[string]any
}

// Prepare resolves the request templates against the context.
func (s *Source) Prepare(ctx context.Context, ec *runtime.ExecutionContext) error {
	tree := ec.Tree()
	transforms := s.opts.Transforms

	vars, err := transforms.Resolve(ctx, tree, s.cfg.vars)
	if err != nil {
		return err
	}
	target, err := url.Parse(expand(s.cfg.url, asMap(transform.Value(vars))))
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}

	query, err := transforms.Resolve(ctx, tree, s.cfg.query)
	if err != nil {
		return err
	}
	values := target.Query()
	for key, v := range asMap(transform.Value(query)) {
		for _, item := range flatten(v) {
			values.Add(key, item)
		}
	}
	target.RawQuery = values.Encode()

	header := make(http.Header)
	clientHeaders := ec.InputRequest().Headers
	for _, name := range s.cfg.forward {
		for _, item := range flatten(clientHeaders[name]) {
			header.Add(name, item)
		}
	}
	headers, err := transforms.Resolve(ctx, tree, s.cfg.headers)
	if err != nil {
		return err
	}
	for key, v := range asMap(transform.Value(headers)) {
		header.Del(key)
		for _, item := range flatten(v) {
			header.Add(key, item)
		}
	}

	var body any
	if s.cfg.body != nil {
		resolved, err := transforms.Resolve(ctx, tree, s.cfg.body)
		if err != nil {
			return err
		}
		body = transform.Value(resolved)
		if body != nil {
			if s.payload, err = json.Marshal(body); err != nil {
				return fmt.Errorf("encode body: %w", err)
			}
			if header.Get("Content-Type") == "" {
				header.Set("Content-Type", "application/json")
			}
		}
	}

	s.method = s.cfg.method
	s.target = target
	s.header = header
	s.request = map[string]any{
		"method":  s.method,
		"url":     target.String(),
		"headers": headerMap(header),
		"body":    body,
	}
	return nil
}

// ShouldRun always schedules the call once prepared.
func (s *Source) ShouldRun(*runtime.ExecutionContext) bool {
	return s.target != nil
}

// attempt performs one call. The returned status belongs to this attempt
// only: a transport failure reports zero. A 5xx response is reported by
// status with a nil error so the retry policy decides.
func (s *Source) attempt(ctx context.Context, breaker *governance.CircuitBreaker) (response, int, error) {
	var resp response
	call := func(ctx context.Context) error {
		r, err := s.roundTrip(ctx)
		if err != nil {
			return err
		}
		resp = r
		if r.status >= http.StatusInternalServerError {
			return &StatusError{Method: s.method, URL: s.target.String(), Status: r.status}
		}
		return nil
	}
	var err error
	if breaker != nil {
		err = breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return resp, statusErr.Status, nil
	}
	return resp, resp.status, err
}

// Execute performs the call with retries and breaker protection.
func (s *Source) Execute(ctx context.Context) (runtime.SourceResult, error) {
	result := runtime.SourceResult{Name: s.name, Request: s.request}
	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}

	var breaker *governance.CircuitBreaker
	if s.cfg.breaker != nil {
		breaker = s.opts.Breakers.Get(s.target.Host, *s.cfg.breaker)
	}

	var resp response
	retries, err := s.cfg.retry.Do(ctx, s.method, func(ctx context.Context) (int, error) {
		r, status, err := s.attempt(ctx, breaker)
		resp = r
		return status, err
	})
	result.Retries = retries
	if err != nil {
		return result, fmt.Errorf("%s %s: %w", s.method, s.target.String(), err)
	}
	if !s.accepted(resp.status) {
		return result, &StatusError{Method: s.method, URL: s.target.String(), Status: resp.status}
	}

	result.Response = runtime.Message{Headers: resp.headers, Body: resp.body}
	if retries > 0 {
		s.logger.Debug("backend call retried", "retries", retries, "status", resp.status)
	}
	return result, nil
}

type response struct {
	status  int
	headers map[string]any
	body    any
}

func (s *Source) roundTrip(ctx context.Context) (response, error) {
	var body io.Reader
	if s.payload != nil {
		body = bytes.NewReader(s.payload)
	}
	req, err := http.NewRequestWithContext(ctx, s.method, s.target.String(), body)
	if err != nil {
		return response{}, err
	}
	req.Header = s.header.Clone()

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	return response{
		status:  resp.StatusCode,
		headers: headerMap(resp.Header),
		body:    decodeBody(resp.Header.Get("Content-Type"), data),
	}, nil
}

func (s *Source) accepted(status int) bool {
	if s.cfg.accept != nil {
		return s.cfg.accept[status]
	}
	return status >= 200 && status < 300
}

// decodeBody parses JSON payloads and keeps everything else as text.
func decodeBody(contentType string, data []byte) any {
	if len(data) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || gjson.ValidBytes(data) {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

// headerMap lower-cases names; single values are kept as strings.
func headerMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if len(values) == 1 {
			out[key] = values[0]
			continue
		}
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		out[key] = list
	}
	return out
}

// expand replaces {name} placeholders with path-escaped values.
func expand(pattern string, vars map[string]any) string {
	if len(vars) == 0 {
		return pattern
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names)*2)
	for _, name := range names {
		items := flatten(vars[name])
		value := ""
		if len(items) > 0 {
			value = items[0]
		}
		pairs = append(pairs, "{"+name+"}", url.PathEscape(value))
	}
	return strings.NewReplacer(pairs...).Replace(pattern)
}

func placeholderFree(pattern string) string {
	var b strings.Builder
	depth := 0
	for _, r := range pattern {
		switch {
		case r == '{':
			depth++
		case r == '}' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// flatten renders a resolved value as a list of strings.
func flatten(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, flatten(item)...)
		}
		return out
	case map[string]any:
		data, _ := json.Marshal(t)
		return []string{string(data)}
	case float64:
		return []string{formatNumber(t)}
	default:
		return []string{fmt.Sprint(t)}
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(f)
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}
