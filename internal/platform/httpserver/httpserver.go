// Package httpserver configures the process's HTTP server.
package httpserver

import (
	"net/http"
	"time"
)

// New wraps handler in a server with timeouts sized for this service. Export
// downloads stream sealed packs, so the write timeout is the generous one;
// clients that stall on headers are cut off quickly.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       time.Minute,
	}
}
