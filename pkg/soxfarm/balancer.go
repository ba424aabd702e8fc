package soxfarm

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/soxfarm/soxfarm/internal/socks5"
)

// hopByHopHeaders are stripped before forwarding a request or response in
// either direction.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Proxy-Authorization",
	"Keep-Alive", "TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// HTTPLoadBalancer is the client-facing HTTP proxy front-end: it picks a
// backend per request, tunnels over the backend's SOCKS5 endpoint, and
// retries on connection-level failure before any response byte is sent.
type HTTPLoadBalancer struct {
	pool          *BackendPool
	logger        *Logger
	metrics       *Metrics
	retryAttempts int
	dialTimeout   time.Duration
}

// NewHTTPLoadBalancer builds a balancer reading backends from pool.
func NewHTTPLoadBalancer(pool *BackendPool, logger *Logger, metrics *Metrics, retryAttempts int, dialTimeout time.Duration) *HTTPLoadBalancer {
	if retryAttempts < 0 {
		retryAttempts = 0
	}
	return &HTTPLoadBalancer{
		pool:          pool,
		logger:        logger,
		metrics:       metrics,
		retryAttempts: retryAttempts,
		dialTimeout:   dialTimeout,
	}
}

// ServeHTTP dispatches to the CONNECT-tunnel path or the plain-HTTP-proxy
// path depending on the request method.
func (lb *HTTPLoadBalancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(WithTraceID(r.Context()))

	if lb.metrics != nil {
		lb.metrics.RequestsTotal.Inc()
	}

	if r.Method == http.MethodConnect {
		lb.serveConnect(w, r)
		return
	}
	lb.serveHTTP(w, r)
}

// serveHTTP handles "METHOD absolute-URI HTTP/1.1" plain proxying.
func (lb *HTTPLoadBalancer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		http.Error(w, "malformed request: absolute-URI required", http.StatusBadRequest)
		return
	}

	target := r.URL.Host
	if r.URL.Port() == "" {
		if r.URL.Scheme == "https" {
			target = net.JoinHostPort(r.URL.Hostname(), "443")
		} else {
			target = net.JoinHostPort(r.URL.Hostname(), "80")
		}
	}

	exclude := make(map[int]struct{})
	var lastErr error

	for attempt := 0; attempt <= lb.retryAttempts; attempt++ {
		backend := lb.pool.Pick(exclude)
		if backend == nil {
			if lb.metrics != nil {
				lb.metrics.RequestsFailed.Inc()
			}
			http.Error(w, "no eligible backend", http.StatusBadGateway)
			return
		}

		conn, err := lb.dialBackend(r.Context(), backend, target)
		if err != nil {
			lastErr = err
			lb.pool.MarkFailure(backend.WorkerID)
			lb.countFailure(backend.WorkerID)
			exclude[backend.WorkerID] = struct{}{}
			lb.logger.WithBackend(backend.WorkerID, backend.SocksEndpoint).
				WarnContext(r.Context(), "backend dial failed, retrying", "error", err)
			continue
		}

		err = lb.forwardHTTP(w, r, conn, target)
		conn.Close()
		if err != nil {
			// forwardHTTP only returns an error before w.WriteHeader is
			// called (request write or response-read failure), so retrying
			// here never double-sends a response to the client.
			lastErr = err
			lb.pool.MarkFailure(backend.WorkerID)
			lb.countFailure(backend.WorkerID)
			exclude[backend.WorkerID] = struct{}{}
			lb.logger.WithBackend(backend.WorkerID, backend.SocksEndpoint).
				WarnContext(r.Context(), "backend forward failed, retrying", "error", err)
			continue
		}

		lb.pool.MarkSuccess(backend.WorkerID)
		if lb.metrics != nil {
			lb.metrics.BackendSuccess.WithLabelValues(workerLabel(backend.WorkerID)).Inc()
		}
		return
	}

	if lb.metrics != nil {
		lb.metrics.RequestsFailed.Inc()
	}
	lb.logger.ErrorContext(r.Context(), "request failed after retries", "error", lastErr, "target", target)

	status := http.StatusBadGateway
	if IsKind(lastErr, KindUpstreamTimeout) {
		status = http.StatusGatewayTimeout
	}
	http.Error(w, http.StatusText(status), status)
}

// serveConnect handles "CONNECT host:port HTTP/1.1" tunneling.
func (lb *HTTPLoadBalancer) serveConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if target == "" {
		http.Error(w, "malformed CONNECT request", http.StatusBadRequest)
		return
	}

	exclude := make(map[int]struct{})
	var upstream net.Conn
	var backend *Backend

	for attempt := 0; attempt <= lb.retryAttempts; attempt++ {
		b := lb.pool.Pick(exclude)
		if b == nil {
			break
		}
		conn, err := lb.dialBackend(r.Context(), b, target)
		if err != nil {
			lb.pool.MarkFailure(b.WorkerID)
			lb.countFailure(b.WorkerID)
			exclude[b.WorkerID] = struct{}{}
			lb.logger.WithBackend(b.WorkerID, b.SocksEndpoint).
				WarnContext(r.Context(), "backend dial failed, retrying", "error", err)
			continue
		}
		upstream = conn
		backend = b
		break
	}

	if upstream == nil {
		if lb.metrics != nil {
			lb.metrics.RequestsFailed.Inc()
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		lb.logger.ErrorContext(r.Context(), "hijack failed", "error", err)
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	lb.pool.MarkSuccess(backend.WorkerID)
	if lb.metrics != nil {
		lb.metrics.BackendSuccess.WithLabelValues(workerLabel(backend.WorkerID)).Inc()
	}

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, clientBuf)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, upstream)
		errCh <- err
	}()
	<-errCh
}

func (lb *HTTPLoadBalancer) dialBackend(ctx context.Context, backend *Backend, target string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, lb.dialTimeout)
	defer cancel()

	dialer := socks5.NewDialer(backend.SocksEndpoint, lb.dialTimeout)
	conn, err := dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return nil, newError(KindBackendDialError, "failed to dial backend via socks5", err)
	}
	return conn, nil
}

// forwardHTTP rewrites r with a relative target, strips hop-by-hop headers,
// writes it to conn, and streams the response back to w.
func (lb *HTTPLoadBalancer) forwardHTTP(w http.ResponseWriter, r *http.Request, conn net.Conn, target string) error {
	outReq := r.Clone(r.Context())
	outReq.URL.Scheme = ""
	outReq.URL.Host = ""
	outReq.RequestURI = ""
	if outReq.URL.Path == "" {
		outReq.URL.Path = "/"
	}
	stripHopByHop(outReq.Header)

	if err := conn.SetDeadline(time.Now().Add(lb.dialTimeout)); err != nil {
		return err
	}
	if err := outReq.Write(conn); err != nil {
		return newError(KindBackendDialError, "failed to write request to backend", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), outReq)
	if err != nil {
		return newError(KindUpstreamTimeout, "failed to read response from backend", err)
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return nil
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func (lb *HTTPLoadBalancer) countFailure(workerID int) {
	if lb.metrics != nil {
		lb.metrics.BackendFailure.WithLabelValues(workerLabel(workerID)).Inc()
	}
}

func workerLabel(id int) string {
	return strconv.Itoa(id)
}
