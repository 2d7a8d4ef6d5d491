// Package gateway exposes pipelines over HTTP: the caller-facing data handler
// that resolves and runs aggregations, and the admin API that manages the
// published configs.
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-aggregator/pkg/domain"
	"github.com/polisai/polis-aggregator/pkg/engine"
)

// HeaderReturnContext asks for the execution context to be echoed in the body.
const HeaderReturnContext = "X-Return-Context"

const defaultMaxBodyBytes = 4 << 20

// Resolver finds the pipeline registered for an exact method and path.
type Resolver interface {
	Resolve(method, path string) (*engine.Pipeline, bool)
}

// HandlerConfig holds configuration for creating a data Handler.
type HandlerConfig struct {
	Registry Resolver
	Logger   *slog.Logger
	// MaxBodyBytes caps the inbound body. Zero selects 4 MiB.
	MaxBodyBytes int64
}

// Handler runs the aggregation registered for each inbound request.
type Handler struct {
	registry Resolver
	logger   *slog.Logger
	maxBody  int64
}

// NewHandler constructs the data handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("gateway: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{registry: cfg.Registry, logger: logger, maxBody: maxBody}, nil
}

// HTTPHandler returns h wrapped with request ids, access logging and otel
// server instrumentation.
func (h *Handler) HTTPHandler() http.Handler {
	return otelhttp.NewHandler(RequestID(AccessLog(h.logger)(h)), "aggregator.data")
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pipeline, ok := h.registry.Resolve(r.Method, r.URL.Path)
	if !ok {
		writeError(ctx, w, h.logger, domain.ErrPipelineNotFound)
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		writeJSON(w, h.logger, http.StatusBadRequest, domain.ErrorResponse{
			Code:    CodeInvalidBody,
			Message: err.Error(),
			TraceID: traceIDFrom(ctx),
		})
		return
	}

	in := domain.ClientInput{
		Path:          r.URL.Path,
		Method:        r.Method,
		Headers:       headerMap(r.Header),
		Params:        paramMap(r),
		Body:          body,
		ReturnContext: wantsContext(r),
	}

	result, err := pipeline.Run(ctx, in)
	if err != nil {
		h.logger.Error("aggregation failed",
			"request_id", RequestIDFromContext(ctx),
			"config_id", pipeline.Meta().ID,
			"resource_key", pipeline.Key().String(),
			"error", err,
		)
		writeError(ctx, w, h.logger, err)
		return
	}
	h.writeResult(w, result)
}

func (h *Handler) readBody(r *http.Request) (any, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > h.maxBody {
		return nil, fmt.Errorf("body exceeds %d bytes", h.maxBody)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if isJSON(r.Header.Get("Content-Type")) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		return v, nil
	}
	return string(data), nil
}

func (h *Handler) writeResult(w http.ResponseWriter, result *domain.AggregationResult) {
	for name, value := range result.Headers {
		switch v := value.(type) {
		case nil:
		case string:
			w.Header().Set(name, v)
		case []any:
			for _, item := range v {
				w.Header().Add(name, headerValue(item))
			}
		default:
			w.Header().Set(name, headerValue(v))
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)

	if raw, ok := result.Body.(string); ok && !isJSON(w.Header().Get("Content-Type")) {
		_, _ = io.WriteString(w, raw)
		return
	}
	if err := json.NewEncoder(w).Encode(result.Body); err != nil {
		h.logger.Error("failed to encode aggregation body", "error", err)
	}
}

func headerValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// headerMap lower-cases names; repeated values are joined with ", ".
func headerMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

// paramMap keeps single query values as strings and repeated ones as lists.
func paramMap(r *http.Request) map[string]any {
	query := r.URL.Query()
	out := make(map[string]any, len(query))
	for name, values := range query {
		if len(values) == 1 {
			out[name] = values[0]
			continue
		}
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		out[name] = list
	}
	return out
}

func wantsContext(r *http.Request) bool {
	v, err := strconv.ParseBool(r.Header.Get(HeaderReturnContext))
	return err == nil && v
}
