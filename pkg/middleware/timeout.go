package middleware

import (
	"net/http"
	"time"
)

// Timeout bounds request handling at d. Requests that exceed it receive a
// 503 with a JSON body; the wrapped handler's context is cancelled.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	const body = `{"error":"request timeout"}`
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, body)
	}
}
