// Package testutil provides a tiny NDJSON streaming fake HTTP server for
// adsbhttp's tests, adapted from the teacher's request/response route-table
// mock (internal/test/httpmock.MockServer) to the adapter's actual wire
// shape: a single long-lived POST response body that writes one line at a
// time instead of a table of static request/response routes.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// StreamServer serves one NDJSON streaming route and records the method and
// path of the last request it received, mirroring the fields a caller of
// httpmock.MockServer would otherwise assert on by hand.
type StreamServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	lastMethod string
	lastPath   string
}

// NewStreamServer starts a server that, on every request, writes each of
// lines in order (each already newline-free; a trailing "\n" is added) and
// flushes after each one so a streaming client observes them incrementally.
func NewStreamServer(lines []string) *StreamServer {
	s := &StreamServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastMethod = r.Method
		s.lastPath = r.URL.Path
		s.mu.Unlock()

		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			if _, err := w.Write([]byte(line + "\n")); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	return s
}

func (s *StreamServer) URL() string { return s.srv.URL }
func (s *StreamServer) Close()      { s.srv.Close() }

// LastRequest returns the method and path of the most recently received
// request, for tests asserting the documented POST <base>/adsb/stream shape.
func (s *StreamServer) LastRequest() (method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMethod, s.lastPath
}
