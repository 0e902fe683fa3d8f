// Package status serves a JSON view of a running link over HTTP.
package status

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Provider returns the current value of one section of the report. It is
// called from HTTP handler goroutines.
type Provider func() any

// Server collects named providers and serves them at /status.
type Server struct {
	mu       sync.RWMutex
	sections map[string]Provider
	started  time.Time
	log      logrus.FieldLogger
}

func NewServer(log logrus.FieldLogger) *Server {
	return &Server{
		sections: make(map[string]Provider),
		started:  time.Now(),
		log:      log,
	}
}

// Add registers p under name, replacing any previous provider.
func (s *Server) Add(name string, p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[name] = p
}

// Report builds the document served at /status.
func (s *Server) Report() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	for name, p := range s.sections {
		out[name] = p()
	}
	return out
}

func (s *Server) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the status mux. When accessLog is set every request is
// written to it in combined log format.
func (s *Server) Handler(accessLog io.Writer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.writeJSON(w, s.Report())
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/status/")
		s.mu.RLock()
		p, ok := s.sections[name]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, fmt.Sprintf("unknown section %q, have %v", name, s.names()), http.StatusNotFound)
			return
		}
		s.writeJSON(w, p())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok\n")
	})

	var h http.Handler = handlers.CompressHandler(mux)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(s.log), handlers.PrintRecoveryStack(true))(h)
	if accessLog != nil {
		h = handlers.CustomLoggingHandler(accessLog, h, logFormatter)
	}
	return h
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.WithError(err).Warn("status encode")
	}
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string, accessLog io.Writer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(accessLog),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("HTTP status server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "status server")
	}
	return nil
}

// logFormatter writes one combined log format line, with X-Forwarded-For
// and the basic auth user filled in when present.
func logFormatter(writer io.Writer, params handlers.LogFormatterParams) {
	ip, _, err := net.SplitHostPort(params.Request.RemoteAddr)
	if err != nil {
		ip = params.Request.RemoteAddr
	}

	xfwd := params.Request.Header.Get("X-Forwarded-For")
	if xfwd == "" {
		xfwd = "-"
	}

	username := "-"
	authHeader := params.Request.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Basic ") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, "Basic "))
		if err == nil {
			if user, _, _ := strings.Cut(string(decoded), ":"); user != "" {
				username = user
			}
		}
	}

	fmt.Fprintf(writer, "%s %s %s [%s] \"%s %s %s\" %d %d \"%s\" \"%s\"\n",
		ip,
		xfwd,
		username,
		params.TimeStamp.Format("02/Jan/2006:15:04:05 -0700"),
		params.Request.Method,
		params.URL.RequestURI(),
		params.Request.Proto,
		params.StatusCode,
		params.Size,
		params.Request.Referer(),
		params.Request.UserAgent(),
	)
}
