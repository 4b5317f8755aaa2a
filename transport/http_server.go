package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/log"
)

// Non-standard but established status for a request whose server-side work
// was cancelled before a reply existed.
const status_client_closed_request = 499

type pendingCall struct {
	reply  chan []byte
	cancel chan struct{}
}

/*
HTTPServer accepts serialized events as POST bodies on one bound path. Each
inbound request is assigned a request id and parked as a pending call; the
processing loop's Reply resolves it and the still-waiting handler writes the
bytes as the response body. No request timeout is imposed; this transport
is meant for compute-intensive calls.
*/
type HTTPServer struct {
	addr  string
	host  string
	path  string
	query string
	queue *event.Queue

	srv      *http.Server
	listener net.Listener

	mu      sync.Mutex
	pending map[string]*pendingCall

	down      chan struct{}
	down_once sync.Once
}

func NewHTTPServer(addr string) (*HTTPServer, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errs.New(errs.ERROR_AT_CRM_SERVER, "bad http bind address %q: %s", addr, err.Error())
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return &HTTPServer{
		addr:    addr,
		host:    u.Host,
		path:    path,
		query:   u.RawQuery,
		pending: make(map[string]*pendingCall),
		down:    make(chan struct{}),
	}, nil
}

func (s *HTTPServer) BindQueue(q *event.Queue) {
	s.queue = q
}

func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.host)
	if err != nil {
		log.CRM_log(log.LOGLEVEL_ERRORS, "Error when binding HTTP listener:", err.Error())
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handle)
	s.srv = &http.Server{Handler: cors.AllowAll().Handler(mux)}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case <-s.down:
			default:
				log.CRM_log(log.LOGLEVEL_ERRORS, "HTTP transport error:", err.Error())
			}
		}
	}()

	log.CRM_log(log.LOGLEVEL_INFO, "HTTP transport bound to", s.addr)
	return nil
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	select {
	case <-s.down:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	// Exact query-string match, enforced only when the bound address
	// carries one.
	if s.query != "" && r.URL.RawQuery != s.query {
		http.Error(w, "query parameters mismatch", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}
	ev, err := event.Deserialize(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	request_id := uuid.NewString()
	ev.RequestID = request_id
	call := &pendingCall{reply: make(chan []byte, 1), cancel: make(chan struct{})}

	s.mu.Lock()
	s.pending[request_id] = call
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, request_id)
		s.mu.Unlock()
	}()

	s.queue.Put(ev)

	select {
	case reply := <-call.reply:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(reply)
	case <-call.cancel:
		// A reply racing the cancellation wins; shutdown acknowledgments
		// are resolved just before in-flight calls are cancelled.
		select {
		case reply := <-call.reply:
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(reply)
		default:
			w.WriteHeader(status_client_closed_request)
			w.Write([]byte("request cancelled"))
		}
	case <-r.Context().Done():
		// Caller went away; the eventual Reply will find nobody waiting.
	}
}

func (s *HTTPServer) Reply(e event.Event) error {
	if e.RequestID == "" {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Reply event missing request id")
		return errs.New(errs.ERROR_AT_CRM_SERVER, "reply event missing request id")
	}

	s.mu.Lock()
	call := s.pending[e.RequestID]
	s.mu.Unlock()

	if call == nil {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "No pending call for request id", e.RequestID)
		return errs.New(errs.ERROR_AT_CRM_SERVER, "no pending call for request id %s", e.RequestID)
	}
	select {
	case call.reply <- e.Serialize():
	default:
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Duplicate reply for request id", e.RequestID)
	}
	return nil
}

func (s *HTTPServer) Shutdown() {
	s.down_once.Do(func() {
		close(s.down)
		s.CancelAllCalls()
		if s.srv != nil {
			// Grace period so in-flight responses can flush before the
			// listener and connections are torn down.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.srv.Shutdown(ctx); err != nil {
				s.srv.Close()
			}
			cancel()
		}
		// Unblock the processing loop the same way the other backends do.
		if s.queue != nil {
			s.queue.Put(event.Event{Tag: event.SHUTDOWN_FROM_SERVER})
		}
	})
}

func (s *HTTPServer) Destroy() error {
	s.Shutdown()
	return nil
}

// CancelAllCalls resolves every unresolved pending call with a cancellation
// indication.
func (s *HTTPServer) CancelAllCalls() {
	s.mu.Lock()
	cancelled := 0
	for id, call := range s.pending {
		close(call.cancel)
		delete(s.pending, id)
		cancelled++
	}
	s.mu.Unlock()

	if cancelled > 0 {
		log.CRM_log(log.LOGLEVEL_INFO, "Cancelled", cancelled, "in-flight HTTP calls")
	}
}
