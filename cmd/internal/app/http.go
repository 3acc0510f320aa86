package app

import (
	"encoding/json"
	"net/http"

	"docsync/cmd/internal/document"
	"docsync/cmd/internal/realtime"

	"github.com/gorilla/mux"
)

// DocumentSummary is the introspection view of one document.
type DocumentSummary struct {
	ID       string   `json:"id"`
	Users    []string `json:"users"`
	Sessions int      `json:"sessions"`
	Versions int      `json:"versions"`
	Length   int      `json:"length"`
	Content  *string  `json:"content,omitempty"`
}

// VersionEntry is one retained snapshot; Index is the value a client sends in ROLLBACK_DOCUMENT.
type VersionEntry struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
}

type versionsResponse struct {
	ID       string         `json:"id"`
	Versions []VersionEntry `json:"versions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newRouter registers every HTTP route. ws and metricsHandler may be nil to disable them.
func newRouter(log Logger, registry *document.Registry, ws *realtime.WSGateway, metricsHandler http.Handler, ready func() bool) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	if ws != nil {
		r.Handle("/ws", ws).Methods(http.MethodGet)
	}

	// API routes live on the top-level router so a method mismatch yields 405;
	// a PathPrefix subrouter reports it as 404.
	api := func(path string, h http.HandlerFunc) {
		r.Handle(path, WithSecurityHeaders(h)).Methods(http.MethodGet)
	}

	api("/v1/documents", func(w http.ResponseWriter, _ *http.Request) {
		ids := registry.IDs()
		out := make([]DocumentSummary, 0, len(ids))
		for _, id := range ids {
			if d, ok := registry.Lookup(id); ok {
				out = append(out, summarize(d, false))
			}
		}
		writeJSON(w, log, http.StatusOK, out)
	})

	api("/v1/documents/{id}", func(w http.ResponseWriter, req *http.Request) {
		d, ok := registry.Lookup(mux.Vars(req)["id"])
		if !ok {
			writeJSON(w, log, http.StatusNotFound, errorResponse{Error: "document not found"})
			return
		}
		writeJSON(w, log, http.StatusOK, summarize(d, true))
	})

	api("/v1/documents/{id}/versions", func(w http.ResponseWriter, req *http.Request) {
		d, ok := registry.Lookup(mux.Vars(req)["id"])
		if !ok {
			writeJSON(w, log, http.StatusNotFound, errorResponse{Error: "document not found"})
			return
		}
		history := d.VersionHistory()
		resp := versionsResponse{ID: d.ID, Versions: make([]VersionEntry, 0, len(history))}
		for i, s := range history {
			resp.Versions = append(resp.Versions, VersionEntry{Index: i, Content: s})
		}
		writeJSON(w, log, http.StatusOK, resp)
	})

	return r
}

func summarize(d *document.Document, withContent bool) DocumentSummary {
	content := d.Content()
	s := DocumentSummary{
		ID:       d.ID,
		Users:    d.ActiveUsers(),
		Sessions: d.SessionCount(),
		Versions: d.VersionCount(),
		Length:   len(content),
	}
	if withContent {
		s.Content = &content
	}
	return s
}

func writeJSON(w http.ResponseWriter, log Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("http.response.encode.fail", "err", err)
	}
}
