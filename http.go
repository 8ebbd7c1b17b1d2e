// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package greedy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// served images never change for a given cache key
const cacheControl = "max-age=31536000"

const mib = 1 << 20

type apiMessage struct {
	Message string `json:"message"`
}

type apiError struct {
	Error string `json:"error"`
}

type cacheStats struct {
	Size    string `json:"size"`
	Entries int64  `json:"entries"`
}

// Router returns the HTTP routes served by p.  URL cleaning is disabled so
// that the remote URL embedded in the path survives intact.
func (p *Proxy) Router() *mux.Router {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Methods(http.MethodGet).Path("/").HandlerFunc(p.serveIndex)
	r.Methods(http.MethodGet).Path("/stats").HandlerFunc(p.serveStats)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	r.Methods(http.MethodGet).PathPrefix("/preload/").HandlerFunc(p.servePreload)
	r.Methods(http.MethodGet).PathPrefix("/").Handler(p)
	return r
}

// ServeHTTP handles image requests of the form /{remote url}.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/favicon.ico" {
		w.WriteHeader(http.StatusNoContent)
		return // ignore favicon requests
	}

	timer := prometheus.NewTimer(httpRequestsResponseTime)
	defer timer.ObserveDuration()

	req, err := NewRequest(r, "/")
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	img, err := p.Serve(r.Context(), req)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	p.logger().Info("request",
		zap.Stringer("request", req),
		zap.Bool("cached", img.Cached))

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Bytes)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Bytes)
}

func (p *Proxy) servePreload(w http.ResponseWriter, r *http.Request) {
	req, err := NewRequest(r, "/preload/")
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	if err := p.Preload(r.Context(), req); err != nil {
		p.writeError(w, r, err)
		return
	}
	p.logger().Info("preload", zap.Stringer("request", req))
	writeJSON(w, http.StatusOK, apiMessage{"ok"})
}

func (p *Proxy) serveStats(w http.ResponseWriter, r *http.Request) {
	p.Cache.RunPendingTasks()
	writeJSON(w, http.StatusOK, cacheStats{
		Size:    formatSize(p.Cache.WeightedSize(), p.Cache.MaxCapacity()),
		Entries: p.Cache.EntryCount(),
	})
}

func (p *Proxy) serveIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusTeapot, apiMessage{"Hello"})
}

// formatSize renders the cache occupancy as "used MiB/capacity MiB".
func formatSize(size, capacity int64) string {
	return fmt.Sprintf("%.2f MiB/%d MiB", float64(size)/mib, capacity/mib)
}

func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		p.logger().Error("error serving request", zap.String("path", r.URL.EscapedPath()), zap.Error(err))
	} else {
		p.logger().Info("rejected request", zap.String("path", r.URL.EscapedPath()), zap.Error(err))
	}
	writeJSON(w, code, apiError{errorMessage(err)})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
