package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	gkmip "github.com/gemalto/kmip-go"
	"github.com/gemalto/kmip-go/kmip14"
	"github.com/gemalto/kmip-go/ttlv"
	"github.com/pkg/errors"

	"github.com/infisical/kmip-engine/policy"
	"github.com/infisical/kmip-engine/store"
)

// DefaultAddr is used when Server.Addr is empty
const DefaultAddr = ":5696"

// Server implements core KMIP server
type Server struct {
	// Listen address
	Addr string

	// TLS Configuration for the server
	TLSConfig *tls.Config

	// Log destination (if not set, log is discarded)
	Log *log.Logger

	// Supported version of KMIP, in the order of the preference
	//
	// If not set, defaults to DefaultSupportedVersions
	SupportedVersions []gkmip.ProtocolVersion

	// Network read & write timeouts
	//
	// If set to zero, timeouts are not enforced: idle sessions stay open
	// until the client disconnects.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// SessionAuthHandler is called after TLS handshake
	//
	// This handler might additionally verify client TLS cert or perform
	// any other kind of auth (say, by soure address)
	SessionAuthHandler func(conn net.Conn) (sessionAuth SessionAuth, err error)

	// Objects is the managed object store
	Objects store.ObjectStore

	// Guard resolves objects under the live policy set
	Guard *Guard

	// Engine services Encrypt and Decrypt
	Engine *Engine

	l        net.Listener
	serving  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	conns    map[net.Conn]struct{}
	doneChan chan struct{}
	handlers map[kmip14.Operation]Handler
}

// Handler processes specific KMIP operation
type Handler func(ctx context.Context, req *RequestContext) (resp interface{}, err error)

// SessionAuth is the result of session authentication
type SessionAuth struct {
	// Identity is the authenticated client name (client certificate CN)
	Identity string
	// Roles are the organizational units of the client certificate, sorted.
	// Against each object the first role naming a group of the object's
	// policy applies.
	Roles []string

	ClientJwt                     string
	ClientCertificateSerialNumber string
}

// SessionContext is initialized for each connection
type SessionContext struct {
	// Unique session identificator
	SessionID string

	// Additional opaque data related to connection auth, as returned by Server.SessionAuthHandler
	SessionAuth SessionAuth

	// IDPlaceholder is the identifier of the last object created or
	// fetched in this session, used when a request omits the identifier.
	IDPlaceholder string
}

// Context returns ctx carrying the session client for the object store
func (s *SessionContext) Context(ctx context.Context) context.Context {
	return store.WithClient(ctx, s.SessionAuth.Identity, s.SessionAuth.ClientJwt)
}

// RequestContext covers single batch item
type RequestContext struct {
	*SessionContext

	Operation kmip14.Operation

	payload ttlv.TTLV
}

// DecodePayload decodes request payload into v
func (r *RequestContext) DecodePayload(v interface{}) error {
	if len(r.payload) == 0 {
		return wrapError(errors.Wrap(ErrInvalidMessage, "missing request payload"), kmip14.ResultReasonInvalidMessage)
	}

	if err := ttlv.Unmarshal(r.payload, v); err != nil {
		return wrapError(errors.Wrapf(ErrInvalidMessage, "wrong request body: %s", err), kmip14.ResultReasonInvalidMessage)
	}

	return nil
}

// Start binds the listening socket.
//
// Failure to bind is reported as ErrNetworking naming host:port. The TLS
// handshake happens later, in the session goroutine. A server that has been
// shut down cannot be started again: Start returns ErrServerClosed.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return ErrServerClosed
	}

	if s.l != nil {
		return errors.New("server already started")
	}

	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	lc := net.ListenConfig{Control: reuseAddrControl}

	l, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return errors.Wrapf(ErrNetworking, "server failed to bind socket handler to %s: %s", addr, err)
	}

	if s.TLSConfig != nil {
		l = tls.NewListener(l, s.TLSConfig)
	}

	s.init()
	s.l = l
	s.serving.Store(true)

	s.Log.Printf("[INFO] Listening on %s", l.Addr())

	return nil
}

// ListenAddr returns the bound address, or nil if the server is not started
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// IsServing reports whether the listener is bound and accepting
func (s *Server) IsServing() bool {
	return s.serving.Load()
}

func (s *Server) init() {
	if s.Log == nil {
		s.Log = log.New(io.Discard, "", log.LstdFlags)
	}

	if len(s.SupportedVersions) == 0 {
		s.SupportedVersions = append([]gkmip.ProtocolVersion(nil), DefaultSupportedVersions...)
	}

	if s.handlers == nil {
		s.initHandlers()
	}

	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
}

// Serve accepts and serves KMIP connections until Shutdown is called
//
// Start is called first if the server is not yet started. Serve returns
// nil immediately if Shutdown has already been called.
func (s *Server) Serve() error {
	s.mu.Lock()
	l := s.l
	s.mu.Unlock()

	if l == nil {
		if err := s.Start(); err != nil {
			if errors.Is(err, ErrServerClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		l = s.l
		s.mu.Unlock()

		// shut down between Start and here
		if l == nil {
			return nil
		}
	}

	defer s.serving.Store(false)

	lastSession := uint32(0)

	var tempDelay time.Duration

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.getDoneChan():
				return nil
			default:
			}

			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				s.Log.Printf("[ERROR] Accept error: %s, retrying in %s", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}

			return errors.Wrap(ErrNetworking, err.Error())
		}

		lastSession++
		tempDelay = 0

		if !s.acceptConn(conn) {
			conn.Close()
			return nil
		}
		go s.serve(conn, fmt.Sprintf("%08x", lastSession))
	}
}

// Shutdown performs graceful shutdown of KMIP server waiting for connections to be closed
//
// Context might be used to limit time to wait for draining complete. When it
// expires, remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closedLocked() {
		close(s.doneChanLocked())
	}
	if s.l != nil {
		s.l.Close()
		s.l = nil
	}
	s.mu.Unlock()

	s.serving.Store(false)

	waitGroupDone := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(waitGroupDone)
	}()

	select {
	case <-waitGroupDone:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	<-waitGroupDone

	return ctx.Err()
}

// Handle register handler for operation
//
// Server provides handlers for all the supported operations, Handle
// might be used to override or extend them.
func (s *Server) Handle(operation kmip14.Operation, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.initHandlers()
	}

	s.handlers[operation] = handler
}

func (s *Server) initHandlers() {
	s.handlers = make(map[kmip14.Operation]Handler)
	s.handlers[kmip14.OperationDiscoverVersions] = s.handleDiscoverVersions
	s.handlers[kmip14.OperationCreate] = s.handleCreate
	s.handlers[kmip14.OperationActivate] = s.handleActivate
	s.handlers[kmip14.OperationGet] = s.handleGet
	s.handlers[kmip14.OperationGetAttributes] = s.handleGetAttributes
	s.handlers[kmip14.OperationRevoke] = s.handleRevoke
	s.handlers[kmip14.OperationDestroy] = s.handleDestroy
	s.handlers[kmip14.OperationEncrypt] = s.handleEncrypt
	s.handlers[kmip14.OperationDecrypt] = s.handleDecrypt
}

func (s *Server) getDoneChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.doneChanLocked()
}

func (s *Server) doneChanLocked() chan struct{} {
	if s.doneChan == nil {
		s.doneChan = make(chan struct{})
	}

	return s.doneChan
}

func (s *Server) closedLocked() bool {
	select {
	case <-s.doneChanLocked():
		return true
	default:
		return false
	}
}

// acceptConn registers conn with the session wait group, unless the
// server is already shutting down
func (s *Server) acceptConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return false
	}

	s.conns[conn] = struct{}{}
	s.wg.Add(1)

	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, conn)
}

func (s *Server) serve(conn net.Conn, session string) {
	defer s.wg.Done()
	defer func() {
		s.Log.Printf("[INFO] [%s] Closed connection from %s", session, conn.RemoteAddr().String())
		conn.Close()
		s.untrackConn(conn)
		activeSessions.Dec()
	}()

	activeSessions.Inc()

	s.Log.Printf("[INFO] [%s] New connection from %s", session, conn.RemoteAddr().String())

	sessionCtx := &SessionContext{
		SessionID: session,
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if s.ReadTimeout != 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		if s.WriteTimeout != 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
		}

		if err := tlsConn.Handshake(); err != nil {
			s.Log.Printf("[ERROR] [%s] Error in TLS handshake: %s", session, err)
			return
		}
	}

	s.mu.Lock()
	sessionAuthHandler := s.SessionAuthHandler
	s.mu.Unlock()

	if sessionAuthHandler != nil {
		var err error

		sessionCtx.SessionAuth, err = sessionAuthHandler(conn)
		if err != nil {
			s.Log.Printf("[ERROR] [%s] Error in session auth handler: %s", session, err)
			return
		}

		s.Log.Printf("[INFO] [%s] Authenticated %q (roles %q)", session, sessionCtx.SessionAuth.Identity, sessionCtx.SessionAuth.Roles)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := ttlv.NewDecoder(bufio.NewReader(conn))

	for {
		if s.ReadTimeout != 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}

		raw, err := d.NextTTLV()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			s.Log.Printf("[ERROR] [%s] Error reading KMIP message: %s", session, err)
			break
		}

		var req gkmip.RequestMessage
		if err = d.DecodeValue(&req, raw); err != nil {
			s.Log.Printf("[ERROR] [%s] Error decoding KMIP message: %s", session, err)
			break
		}

		var resp *gkmip.ResponseMessage
		resp, err = s.handleBatch(ctx, sessionCtx, &req)
		if err != nil {
			s.Log.Printf("[ERROR] [%s] Fatal error handling batch: %s", session, err)
			break
		}

		out, err := ttlv.Marshal(resp)
		if err != nil {
			s.Log.Printf("[ERROR] [%s] Error encoding KMIP response: %s", session, err)
			break
		}

		if s.WriteTimeout != 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
		}

		if _, err = conn.Write(out); err != nil {
			s.Log.Printf("[ERROR] [%s] Error writing KMIP response: %s", session, err)
			break
		}
	}
}

func (s *Server) handleBatch(ctx context.Context, session *SessionContext, req *gkmip.RequestMessage) (resp *gkmip.ResponseMessage, err error) {
	if req.RequestHeader.BatchCount != len(req.BatchItem) {
		err = errors.Errorf("request batch count doesn't match number of batch items: %d != %d", req.RequestHeader.BatchCount, len(req.BatchItem))
		return
	}

	if req.RequestHeader.AsynchronousIndicator {
		err = errors.New("asynchnronous requests are not supported")
		return
	}

	resp = &gkmip.ResponseMessage{
		ResponseHeader: gkmip.ResponseHeader{
			ProtocolVersion:        req.RequestHeader.ProtocolVersion,
			TimeStamp:              time.Now(),
			ClientCorrelationValue: req.RequestHeader.ClientCorrelationValue,
			BatchCount:             len(req.BatchItem),
		},
		BatchItem: make([]gkmip.ResponseBatchItem, len(req.BatchItem)),
	}

	for i := range req.BatchItem {
		item := &req.BatchItem[i]
		out := &resp.BatchItem[i]

		out.Operation = item.Operation
		out.UniqueBatchItemID = append([]byte(nil), item.UniqueBatchItemID...)

		requestCtx := &RequestContext{
			SessionContext: session,
			Operation:      item.Operation,
		}
		if payload, ok := item.RequestPayload.(ttlv.TTLV); ok {
			requestCtx.payload = payload
		}

		batchResp, batchErr := s.handleWrapped(ctx, requestCtx)
		opName := policy.OperationName(item.Operation)

		if batchErr != nil {
			s.Log.Printf("[WARN] [%s] Request failed, operation %v: %s", session.SessionID, opName, batchErr)

			out.ResultStatus = kmip14.ResultStatusOperationFailed
			out.ResultReason = ResultReasonOf(batchErr)
			out.ResultMessage = batchErr.Error()

			operationsTotal.WithLabelValues(opName, "failure").Inc()
		} else {
			s.Log.Printf("[INFO] [%s] Request processed, operation %v", session.SessionID, opName)

			out.ResultStatus = kmip14.ResultStatusSuccess
			out.ResponsePayload = batchResp

			operationsTotal.WithLabelValues(opName, "success").Inc()
		}
	}

	return
}

func (s *Server) handleWrapped(ctx context.Context, request *RequestContext) (resp interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %s", p)

			buf := make([]byte, 8192)

			n := runtime.Stack(buf, false)
			s.Log.Printf("[ERROR] [%s] Panic in request handler, operation %s: %s", request.SessionID, policy.OperationName(request.Operation), string(buf[:n]))
		}
	}()

	s.mu.Lock()
	handler := s.handlers[request.Operation]
	s.mu.Unlock()

	if handler == nil {
		err = wrapError(errors.Wrap(ErrOperationNotSupported, policy.OperationName(request.Operation)), kmip14.ResultReasonOperationNotSupported)
		return
	}

	resp, err = handler(ctx, request)
	return
}

// DefaultSupportedVersions is a default list of supported KMIP versions
var DefaultSupportedVersions = []gkmip.ProtocolVersion{
	{ProtocolVersionMajor: 1, ProtocolVersionMinor: 4},
	{ProtocolVersionMajor: 1, ProtocolVersionMinor: 3},
	{ProtocolVersionMajor: 1, ProtocolVersionMinor: 2},
	{ProtocolVersionMajor: 1, ProtocolVersionMinor: 1},
	{ProtocolVersionMajor: 1, ProtocolVersionMinor: 0},
}
