// Package rpc is the relay context of the vault: it accepts JSON-RPC
// provider requests from untrusted callers over HTTP and forwards them to
// the engine, serves approval UIs over a websocket, and streams provider
// events back to callers.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-vault/config"
	"github.com/Klingon-tech/klingnet-vault/internal/engine"
	klog "github.com/Klingon-tech/klingnet-vault/internal/log"
	"github.com/Klingon-tech/klingnet-vault/internal/relay"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// nullOrigin stands in for callers that send no Origin header.
const nullOrigin = "null"

// Approver serves approval UIs connected over a port.
type Approver interface {
	AttachApproval(port relay.Port) *relay.Messenger
}

// Server is the caller-facing JSON-RPC 2.0 HTTP server.
type Server struct {
	addr     string
	caller   *relay.Messenger
	approver Approver
	token    string

	events       *eventHub
	cancelEvents func()
	upgrader     websocket.Upgrader

	portsMu sync.Mutex
	ports   map[relay.Port]struct{}

	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
	corsOrigins []string     // Empty = no CORS headers.
}

// New creates a server that forwards provider requests through caller, a
// messenger connected to the engine. The rpcCfg parameter controls IP
// filtering and CORS. A zero-value RPCConfig allows all IPs and disables
// CORS. A nil approver disables the /approval endpoint.
func New(addr string, caller *relay.Messenger, approver Approver, rpcCfg ...config.RPCConfig) *Server {
	s := &Server{
		addr:     addr,
		caller:   caller,
		approver: approver,
		events:   newEventHub(),
		ports:    make(map[relay.Port]struct{}),
		logger:   klog.RPC,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers are identified by their Origin, not restricted by it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	if len(rpcCfg) > 0 {
		s.allowedNets = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.corsOrigins = rpcCfg[0].CORSOrigins
	}

	s.cancelEvents = caller.On(engine.TopicProviderEvent, func(msg relay.Message) {
		var ev engine.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed provider event")
			return
		}
		s.events.publish(ev)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.HandleFunc("/approval", s.handleApproval)
	mux.HandleFunc("/events", s.handleEvents)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// Requests wait for the user to decide.
		WriteTimeout: 10 * time.Minute,
	}

	return s
}

// SetApprovalToken requires approval clients to present token, either as a
// bearer Authorization header or a token query parameter.
func (s *Server) SetApprovalToken(token string) {
	s.token = token
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop disconnects approval UIs and event subscribers and shuts the server
// down.
func (s *Server) Stop() error {
	s.cancelEvents()
	s.events.close()

	s.portsMu.Lock()
	ports := make([]relay.Port, 0, len(s.ports))
	for p := range s.ports {
		ports = append(ports, p)
	}
	s.portsMu.Unlock()
	for _, p := range ports {
		p.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleRequest is the main HTTP handler for JSON-RPC requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !s.checkIP(w, r) {
		return
	}

	// CORS headers.
	s.setCORSHeaders(w, r)

	// Handle CORS preflight.
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}
	if req.Method == "" {
		writeError(w, req.ID, CodeInvalidRequest, "method is required")
		return
	}

	result, rpcErr := s.forward(r.Context(), originOf(r), &req)
	if rpcErr != nil {
		writeJSON(w, Response{
			JSONRPC: "2.0",
			Error:   rpcErr,
			ID:      req.ID,
		})
		return
	}

	writeJSON(w, Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

// forward relays req to the engine on behalf of origin.
func (s *Server) forward(ctx context.Context, origin string, req *Request) (json.RawMessage, *Error) {
	logger := klog.WithOrigin(s.logger, engine.HostOf(origin))
	logger.Debug().Str("method", req.Method).Msg("Provider request")

	var result json.RawMessage
	err := s.caller.Call(ctx, engine.TopicProviderRequest, engine.ProviderRequest{
		Origin: origin,
		Method: req.Method,
		Params: req.Params,
	}, &result)
	if err != nil {
		var rerr *relay.RemoteError
		if errors.As(err, &rerr) {
			return nil, &Error{Code: rerr.Code, Message: rerr.Message, Data: rerr.Data}
		}
		logger.Warn().Err(err).Str("method", req.Method).Msg("Engine unreachable")
		return nil, &Error{Code: CodeDisconnected, Message: "wallet unavailable"}
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return result, nil
}

// handleApproval upgrades an approval UI connection and hands it to the
// engine.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if !s.checkIP(w, r) {
		return
	}
	if s.approver == nil {
		http.NotFound(w, r)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Approval upgrade failed")
		return
	}

	port := relay.NewWSPort("approval "+r.RemoteAddr, conn)
	s.portsMu.Lock()
	s.ports[port] = struct{}{}
	s.portsMu.Unlock()
	port.OnDisconnect(func() {
		s.portsMu.Lock()
		delete(s.ports, port)
		s.portsMu.Unlock()
	})
	s.approver.AttachApproval(port)
}

// authorized checks the approval token.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

// handleEvents streams provider events for the caller's host.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.checkIP(w, r) {
		return
	}
	// Subscribe first so no event is missed once the handshake completes.
	sub := s.events.subscribe(engine.HostOf(originOf(r)))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.events.unsubscribe(sub)
		s.logger.Debug().Err(err).Msg("Events upgrade failed")
		return
	}
	go s.events.serve(sub, conn)
}

// originOf returns the caller origin, or "null" when absent.
func originOf(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	return nullOrigin
}

// checkIP applies IP filtering and reports whether the request may proceed.
func (s *Server) checkIP(w http.ResponseWriter, r *http.Request) bool {
	if len(s.allowedNets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil || !s.isIPAllowed(ip) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// isIPAllowed checks if the IP is in the allowed networks list.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// setCORSHeaders adds CORS headers based on the configured origins.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	// Check if origin is allowed.
	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}

	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}
