package fakeapi

import (
	"net/http"
	"sync/atomic"
)

// Match selects requests by route key, e.g. "GET /transacoes/".
func Match(route string) func(*http.Request) bool {
	return func(r *http.Request) bool { return routeKey(r) == route }
}

// FailWith answers matching requests with status and a detail body.
func FailWith(match func(*http.Request) bool, status int) Hook {
	return func(w http.ResponseWriter, r *http.Request) bool {
		if !match(r) {
			return false
		}
		writeDetail(w, status, http.StatusText(status))
		return true
	}
}

// FailOnce answers the first matching request with status, then lets the
// rest through.
func FailOnce(match func(*http.Request) bool, status int) Hook {
	var fired atomic.Bool
	return func(w http.ResponseWriter, r *http.Request) bool {
		if !match(r) || !fired.CompareAndSwap(false, true) {
			return false
		}
		writeDetail(w, status, http.StatusText(status))
		return true
	}
}

// Gate holds matching requests until release is closed, then lets the
// built-in handler answer them. entered receives one value per held request
// when it is non-nil.
func Gate(match func(*http.Request) bool, release <-chan struct{}, entered chan<- struct{}) Hook {
	return func(w http.ResponseWriter, r *http.Request) bool {
		if !match(r) {
			return false
		}
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		return false
	}
}

// QueryEquals matches requests on route whose query parameter key equals
// value.
func QueryEquals(route, key, value string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return routeKey(r) == route && r.URL.Query().Get(key) == value
	}
}
