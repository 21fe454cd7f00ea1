package httpapi

import (
	"context"
	"net/http"
	"strings"
)

const operatorHeader = "X-Operator-ID"

type operatorContextKey struct{}

// OperatorMiddleware requires an operator identity on every staff endpoint.
// Authentication happens upstream; the gateway forwards the operator id.
func OperatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		operatorID := operatorIDFromRequest(r)
		if operatorID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing operator identity")
			return
		}
		if len(operatorID) > 128 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "operator id too long")
			return
		}
		ctx := context.WithValue(r.Context(), operatorContextKey{}, operatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operatorFromContext(ctx context.Context) string {
	operatorID, _ := ctx.Value(operatorContextKey{}).(string)
	return operatorID
}

func operatorIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(operatorHeader))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func isPublicEndpoint(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	case "/api/tickets":
		return r.Method == http.MethodPost
	case "/api/tickets/lookup":
		return r.Method == http.MethodGet
	}
	if r.Method != http.MethodGet {
		return false
	}
	if strings.HasPrefix(r.URL.Path, "/api/rooms/") {
		return true
	}
	if strings.HasPrefix(r.URL.Path, "/api/counters/") {
		switch r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:] {
		case "current", "waiting", "completed":
			return true
		}
	}
	return false
}
