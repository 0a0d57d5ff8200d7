package client

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	// DefaultCallbackTimeout is how long Authorize waits for the browser to
	// reach the redirect URI
	DefaultCallbackTimeout = 120 * time.Second

	// CallbackPath is the path of the redirect URI served by CallbackServer
	CallbackPath = "/callback"

	callbackShutdownDelay = 500 * time.Millisecond
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p><p>You can close this window.</p></body></html>
`))

// FreeLoopbackPort asks the kernel for a port that is free on 127.0.0.1.
// The port is released again before returning; the callback listener binds
// it when the authorization flow starts.
func FreeLoopbackPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free callback port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("failed to release callback port: %w", err)
	}
	return port, nil
}

func loopbackRedirectURI(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, CallbackPath)
}

// CallbackResult holds the query parameters delivered to the redirect URI
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// IsError reports whether the server redirected with an error instead of a code
func (r *CallbackResult) IsError() bool {
	return r.Error != ""
}

// CallbackServer is a loopback HTTP listener that accepts exactly one
// authorization callback and then shuts itself down. Every authorization
// flow gets its own CallbackServer.
type CallbackServer struct {
	redirectURI string
	addr        string
	path        string

	server   *http.Server
	listener net.Listener
	resultCh chan *CallbackResult
	errorCh  chan error
	once     sync.Once
	stopOnce sync.Once
}

// NewCallbackServer prepares a listener for redirectURI, which must be an
// http URL on a loopback host with an explicit port
func NewCallbackServer(redirectURI string) (*CallbackServer, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	if u.Scheme != "http" || u.Port() == "" {
		return nil, fmt.Errorf("redirect URI %q must be http with an explicit port", redirectURI)
	}
	ip := net.ParseIP(u.Hostname())
	if u.Hostname() != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, fmt.Errorf("redirect URI %q must use a loopback host", redirectURI)
	}

	host := u.Hostname()
	if host == "localhost" {
		host = "127.0.0.1"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	return &CallbackServer{
		redirectURI: redirectURI,
		addr:        net.JoinHostPort(host, u.Port()),
		path:        path,
		resultCh:    make(chan *CallbackResult, 1),
		errorCh:     make(chan error, 1),
	}, nil
}

// Start begins listening. The server stops when ctx is cancelled, after the
// first callback, or when Stop is called.
func (s *CallbackServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start callback server on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Wait blocks until the callback arrives, the listener fails or ctx ends
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedirectURI returns the URI this server answers on
func (s *CallbackServer) RedirectURI() string {
	return s.redirectURI
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	handled := false
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})
	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *CallbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	query := r.URL.Query()
	result := &CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	page := map[string]string{
		"Title":   "Authorization complete",
		"Message": "The command line client received the authorization response.",
	}
	if result.IsError() {
		page["Title"] = "Authorization failed"
		page["Message"] = result.Error + ": " + result.ErrorDescription
	}
	_ = callbackPage.Execute(w, page)

	select {
	case s.resultCh <- result:
	default:
	}

	go func() {
		time.Sleep(callbackShutdownDelay)
		s.Stop()
	}()
}

// Stop shuts the listener down. It is safe to call more than once.
func (s *CallbackServer) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}
