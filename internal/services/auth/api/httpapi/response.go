package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/larder/internal/platform/errors"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeError renders err in the error envelope. Errors without a domain code
// are logged and reported as INTERNAL with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	domainErr, ok := apperrors.As(err)
	if !ok || domainErr.Code == apperrors.CodeUnknown || domainErr.Code == apperrors.CodeInternal {
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		domainErr = apperrors.Wrap(apperrors.CodeInternal, "internal error", err)
	} else {
		s.logger.InfoContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "code", string(domainErr.Code), "error", domainErr.Message)
	}

	status := domainErr.Code.HTTPStatus()
	if status == http.StatusTooManyRequests {
		if seconds := domainErr.Metadata["remainingSeconds"]; seconds != "" {
			w.Header().Set("Retry-After", seconds)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Error: &apiError{
			Code:    string(domainErr.Code),
			Message: domainErr.UserMessage(r.Header.Get("Accept-Language")),
			Details: publicDetails(domainErr),
		},
	})
}

func publicDetails(err *apperrors.Error) map[string]string {
	if err.Code == apperrors.CodeInternal || len(err.Metadata) == 0 {
		return nil
	}
	details := make(map[string]string, len(err.Metadata))
	for key, value := range err.Metadata {
		details[key] = value
	}
	return details
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperrors.Wrap(apperrors.CodeInvalidRequest, "request body too large", err)
		case errors.Is(err, io.EOF):
			return apperrors.New(apperrors.CodeInvalidRequest, "request body is required")
		default:
			return apperrors.Wrap(apperrors.CodeInvalidRequest, fmt.Sprintf("decode request body: %v", err), err)
		}
	}
	return nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.WithMetadata(apperrors.CodeInvalidRequest, name+" is required", map[string]string{"Field": name})
	}
	return nil
}
