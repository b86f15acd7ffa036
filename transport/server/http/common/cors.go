package common

import (
	"net/http"
	"regexp"
	"strings"
)

// CORS applies an origin allow-list to the gateway's HTTP surfaces. Entries
// are matched exactly, or as a regular expression when written /…/ style.
type CORS struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
	enabled  bool
}

// NewCORS compiles an allow-list; an empty list disables CORS handling.
func NewCORS(origins []string) (*CORS, error) {
	cors := &CORS{exact: make(map[string]struct{}), enabled: len(origins) > 0}
	for _, origin := range origins {
		if len(origin) > 2 && strings.HasPrefix(origin, "/") && strings.HasSuffix(origin, "/") {
			pattern, err := regexp.Compile(origin[1 : len(origin)-1])
			if err != nil {
				return nil, err
			}
			cors.patterns = append(cors.patterns, pattern)
			continue
		}
		cors.exact[origin] = struct{}{}
	}
	return cors, nil
}

// Allowed reports whether the origin matches the allow-list.
func (c *CORS) Allowed(origin string) bool {
	if !c.enabled || origin == "" {
		return false
	}
	if _, ok := c.exact[origin]; ok {
		return true
	}
	if _, ok := c.exact["*"]; ok {
		return true
	}
	for _, pattern := range c.patterns {
		if pattern.MatchString(origin) {
			return true
		}
	}
	return false
}

// Apply sets the response headers for an allowed origin and answers
// preflight requests. It returns true when the request was a preflight and
// has been fully handled.
func (c *CORS) Apply(w http.ResponseWriter, r *http.Request) bool {
	if !c.enabled {
		return false
	}
	origin := r.Header.Get("Origin")
	if c.Allowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}
	if r.Method != http.MethodOptions {
		return false
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, Last-Event-ID")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// Middleware wraps an http.Handler with CORS processing.
func (c *CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.Apply(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}
