package codex

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallbackPath is the fixed local path the provider redirects back to.
const CallbackPath = "/auth/callback"

// DefaultCallbackTimeout bounds how long one login attempt waits for the
// provider redirect before giving up.
const DefaultCallbackTimeout = 5 * time.Minute

// CallbackResult carries the authorization code and state from a valid
// provider redirect.
type CallbackResult struct {
	Code  string
	State string
}

// OAuthServer is the short-lived local HTTP listener that waits for the
// provider's redirect during one login attempt. It accepts exactly one
// callback: the first request to reach a terminal branch completes the
// pending wait and every later request is ignored.
type OAuthServer struct {
	server        *http.Server
	listener      net.Listener
	port          int
	expectedState string
	resultChan    chan *CallbackResult
	errChan       chan error
	completeOnce  sync.Once
	mu            sync.Mutex
	running       bool
}

// NewOAuthServer creates a callback server bound to the given port. The
// expected state is checked against every callback before any other use of
// the request.
func NewOAuthServer(port int, expectedState string) *OAuthServer {
	return &OAuthServer{
		port:          port,
		expectedState: expectedState,
		resultChan:    make(chan *CallbackResult, 1),
		errChan:       make(chan error, 1),
	}
}

// Start binds the local listener and begins serving. A port conflict yields
// ErrListenerBindFailed immediately; there is no retry.
func (s *OAuthServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("callback server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return NewFlowError(ErrListenerBindFailed, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, s.handleCallback)

	s.listener = listener
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running = true

	// Capture the server while the lock is held: Stop may nil out s.server
	// before this goroutine runs.
	server := s.server
	go func() {
		if errServe := server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.completeErr(fmt.Errorf("callback server failed: %w", errServe))
		}
	}()

	return nil
}

// Port returns the port the listener is actually bound to. Useful when the
// server was constructed with port 0.
func (s *OAuthServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop shuts the listener down. Safe to call more than once and from any
// branch that completed the wait.
func (s *OAuthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	log.Debug("stopping OAuth callback server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	s.listener = nil

	return err
}

// WaitForCallback blocks until the callback completes, the timeout elapses,
// or the context is cancelled. The timeout is the only built-in cancellation
// mechanism for the browser round trip.
func (s *OAuthServer) WaitForCallback(ctx context.Context, timeout time.Duration) (*CallbackResult, error) {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	select {
	case result := <-s.resultChan:
		return result, nil
	case err := <-s.errChan:
		return nil, err
	case <-time.After(timeout):
		return nil, ErrAuthorizationTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleCallback validates the provider redirect and completes the pending
// wait with either a code/state pair or a typed failure.
func (s *OAuthServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	log.Debug("received OAuth callback")

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")

	if errParam := query.Get("error"); errParam != "" {
		description := query.Get("error_description")
		if description == "" {
			description = errParam
		}
		log.Errorf("authorization denied by provider: %s", description)
		s.completeErr(NewFlowError(ErrAuthorizationDenied, errors.New(description)))
		http.Error(w, fmt.Sprintf("Authorization denied: %s", description), http.StatusBadRequest)
		return
	}

	if code == "" || state == "" {
		log.Error("callback is missing code or state")
		s.completeErr(ErrMalformedCallback)
		http.Error(w, "Callback is missing code or state", http.StatusBadRequest)
		return
	}

	// Mandatory CSRF check. A mismatch short-circuits before the code is
	// used in any way.
	if state != s.expectedState {
		log.Error("callback state mismatch, possible CSRF attempt")
		s.completeErr(ErrStateMismatch)
		http.Error(w, "State mismatch", http.StatusBadRequest)
		return
	}

	s.completeResult(&CallbackResult{Code: code, State: state})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(loginSuccessHTML)); err != nil {
		log.Errorf("failed to write success page: %v", err)
	}
}

func (s *OAuthServer) completeResult(result *CallbackResult) {
	s.completeOnce.Do(func() {
		s.resultChan <- result
	})
}

func (s *OAuthServer) completeErr(err error) {
	s.completeOnce.Do(func() {
		s.errChan <- err
	})
}

// loginSuccessHTML is served to the browser after a valid callback.
const loginSuccessHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authentication Successful</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 480px;
        }
        .success-icon {
            width: 64px;
            height: 64px;
            margin: 0 auto 1.5rem;
            background: #10b981;
            border-radius: 50%;
            display: flex;
            align-items: center;
            justify-content: center;
            color: white;
            font-size: 2rem;
        }
        h1 { color: #1f2937; font-size: 1.75rem; }
        p { color: #6b7280; line-height: 1.5; }
    </style>
</head>
<body>
    <div class="container">
        <div class="success-icon">&#10003;</div>
        <h1>Authentication Successful!</h1>
        <p>Your account has been linked. You can close this window and return to your terminal.</p>
    </div>
    <script>
        setTimeout(function() { window.close(); }, 10000);
    </script>
</body>
</html>`
