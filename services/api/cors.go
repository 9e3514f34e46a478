package api

import (
	"net/http"
	"strings"
)

// CORSHandler adds cross origin resource sharing headers, so browser apps on
// other origins can use the api.
type CORSHandler struct {
	Handler             http.Handler
	SupportsCredentials bool
	AllowHeaders        func(headers []string) bool
}

func (c CORSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		if c.SupportsCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
	}

	if r.Method == "OPTIONS" {
		requested := r.Header.Get("Access-Control-Request-Headers")
		var headers []string
		for _, header := range strings.Split(requested, ",") {
			header = strings.ToLower(strings.TrimSpace(header))
			if header != "" {
				headers = append(headers, header)
			}
		}
		if c.AllowHeaders == nil || c.AllowHeaders(headers) {
			if requested != "" {
				w.Header().Set("Access-Control-Allow-Headers", requested)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	c.Handler.ServeHTTP(w, r)
}
