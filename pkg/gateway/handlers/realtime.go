package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/realtime-relay/pkg/gateway/apierror"
	"github.com/vango-go/realtime-relay/pkg/gateway/mw"
)

// RealtimeHandler answers plain HTTP requests on the realtime path. Browsers
// probe it before opening the websocket; upgrades never reach it.
type RealtimeHandler struct{}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
		}
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		reqID, _ := mw.RequestIDFrom(r.Context())
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{
			Type:      apierror.ErrInvalidRequest,
			Message:   "method not allowed",
			Code:      "method_not_allowed",
			RequestID: reqID,
		})
	}
}
