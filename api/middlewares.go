package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func corsHeadersMiddleware(next http.Handler) http.Handler {
	var (
		allowOrigin  = "*"
		allowMethods = strings.Join([]string{"GET", "POST", "PATCH", "PUT", "DELETE"}, ", ")
		allowHeaders = strings.Join([]string{"content-type", "accept", UserIDHeaderKey}, ", ")
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("access-control-allow-origin", allowOrigin)
		w.Header().Set("access-control-allow-methods", allowMethods)
		w.Header().Set("access-control-allow-headers", allowHeaders)
		next.ServeHTTP(w, r)
	})
}

func panicRecoveryMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					level.Error(logger).Log("msg", "PANIC", "panic", v, "method", r.Method, "path", r.URL.Path)
					respondError(w, r, fmt.Errorf("panic: %v", v), 599, logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
