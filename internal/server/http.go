package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// NewHTTPHandler routes the HTTP API:
//
//	POST   /query          run a query and wait for the response
//	POST   /runs           submit a query, returns its run_id
//	GET    /runs/{id}      run status
//	GET    /runs/{id}/result
//	DELETE /runs/{id}      cancel a run
//	POST   /rate           rate a run
//	GET    /ratings/{id}   ratings of a run
//	GET    /datasets       registered datasets
//	GET    /healthz
func NewHTTPHandler(svc *Service) http.Handler {
	h := &httpHandler{svc: svc}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("POST /runs", h.handleSubmit)
	mux.HandleFunc("GET /runs/{id}", h.handleStatus)
	mux.HandleFunc("GET /runs/{id}/result", h.handleResult)
	mux.HandleFunc("DELETE /runs/{id}", h.handleCancel)
	mux.HandleFunc("POST /rate", h.handleRate)
	mux.HandleFunc("GET /ratings/{id}", h.handleRatings)
	mux.HandleFunc("GET /datasets", h.handleDatasets)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "service": "geoscale"})
	})
	return logRequests(mux)
}

type httpHandler struct {
	svc *Service
}

func (h *httpHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.svc.Query(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	runID, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"run_id": runID})
}

func (h *httpHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.engine.Status(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *httpHandler) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := h.svc.engine.Status(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": err.Error()})
		return
	}
	if !status.IsComplete {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": "run is still in progress", "state": status.CurrentState})
		return
	}
	// A failed run still has a response with its Diagnostic.
	resp, _ := h.svc.engine.Result(id)
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.svc.engine.Cancel(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

func (h *httpHandler) handleRate(w http.ResponseWriter, r *http.Request) {
	var req RateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.svc.Rate(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success"})
}

func (h *httpHandler) handleRatings(w http.ResponseWriter, r *http.Request) {
	if h.svc.ratings == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "ratings are not configured"})
		return
	}
	ratings, err := h.svc.ratings.Ratings(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ratings": ratings})
}

func (h *httpHandler) handleDatasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"datasets": h.svc.Datasets()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case isInvalidRequest(err):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("HTTP request (method: %s, path: %s, status: %d, duration: %v)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

// ServeHTTP serves handler on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func ServeHTTP(ctx context.Context, addr string, handler http.Handler, readTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening (addr: %s)", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Printf("HTTP server shutting down (addr: %s)", addr)
		return srv.Shutdown(shutdownCtx)
	}
}
