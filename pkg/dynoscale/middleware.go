package dynoscale

import (
	"net/http"
)

// Middleware reports the queue time of every request to a before the wrapped
// handler runs. The handler is always called, even for a nil agent.
func Middleware(a *Agent) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			observe(a, r)
			next.ServeHTTP(w, r)
		})
	}
}

func observe(a *Agent, r *http.Request) {
	if a == nil || a.inner == nil {
		return
	}
	defer func() { _ = recover() }()
	a.OnRequestReceived(r.Header)
}
