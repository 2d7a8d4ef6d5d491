package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-aggregator/pkg/domain"
)

// Error codes carried in domain.ErrorResponse.
const (
	CodeNotFound      = "NOT_FOUND"
	CodeInvalidBody   = "INVALID_BODY"
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeSourceFailed  = "SOURCE_FAILED"
	CodeScriptFailed  = "SCRIPT_FAILED"
	CodeInternal      = "INTERNAL"
)

// translate maps a pipeline or registry error to a status and response body.
// The execution context is attached only when the failed run asked for it.
func translate(err error) (int, domain.ErrorResponse) {
	resp := domain.ErrorResponse{Code: CodeInternal, Message: "internal error"}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, domain.ErrPipelineNotFound):
		status, resp.Code, resp.Message = http.StatusNotFound, CodeNotFound, "no aggregation configured for this route"
	case errors.Is(err, domain.ErrConfigInvalid):
		status, resp.Code, resp.Message = http.StatusBadRequest, CodeInvalidConfig, err.Error()
	case errors.Is(err, domain.ErrSourceFailed):
		status, resp.Code, resp.Message = http.StatusBadGateway, CodeSourceFailed, "backend call failed"
	case errors.Is(err, domain.ErrScriptExecution):
		status, resp.Code, resp.Message = http.StatusInternalServerError, CodeScriptFailed, "script execution failed"
	}

	var execErr *domain.ExecutionError
	if errors.As(err, &execErr) {
		if execErr.Stage != "" {
			resp.Message += " at " + execErr.Stage
		}
		if execErr.ReturnContext {
			resp.Context = execErr.Context
		}
	}
	return status, resp
}

func traceIDFrom(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	status, resp := translate(err)
	resp.TraceID = traceIDFrom(ctx)
	writeJSON(w, logger, status, resp)
}
