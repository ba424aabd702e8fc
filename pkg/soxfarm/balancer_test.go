package soxfarm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSocks5RelayStub writes a minimal no-auth, CONNECT-only SOCKS5 relay
// in Python, used as the stub worker binary for balancer integration tests.
// It speaks just enough of RFC 1928 to satisfy golang.org/x/net/proxy's
// client: a handshake reply of \x05\x00, a CONNECT reply of \x05\x00, then
// it pipes bytes to the requested destination.
func writeSocks5RelayStub(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "socks5-stub.sh")
	script := `#!/bin/sh
conf="$2"
port=$(grep '^SocksPort' "$conf" | sed -E 's/.*:([0-9]+)$/\1/')
exec python3 -c "
import socket, threading

def pipe(a, b):
    try:
        while True:
            data = a.recv(4096)
            if not data:
                break
            b.sendall(data)
    except Exception:
        pass

def handle(conn):
    try:
        greeting = conn.recv(2)
        nmethods = greeting[1]
        conn.recv(nmethods)
        conn.sendall(b'\x05\x00')
        req = conn.recv(4)
        atyp = req[3]
        if atyp == 1:
            addr = socket.inet_ntoa(conn.recv(4))
        elif atyp == 3:
            n = conn.recv(1)[0]
            addr = conn.recv(n).decode()
        else:
            conn.close()
            return
        dport = int.from_bytes(conn.recv(2), 'big')
        remote = socket.create_connection((addr, dport), timeout=5)
        conn.sendall(b'\x05\x00\x00\x01\x00\x00\x00\x00\x00\x00')
        t1 = threading.Thread(target=pipe, args=(conn, remote), daemon=True)
        t2 = threading.Thread(target=pipe, args=(remote, conn), daemon=True)
        t1.start(); t2.start()
        t1.join(); t2.join()
    except Exception:
        pass
    finally:
        conn.close()

s = socket.socket(socket.AF_INET, socket.SOCK_STREAM)
s.setsockopt(socket.SOL_SOCKET, socket.SO_REUSEADDR, 1)
s.bind(('127.0.0.1', int('$port')))
s.listen(20)
while True:
    c, _ = s.accept()
    threading.Thread(target=handle, args=(c,), daemon=True).start()
"
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write socks5 relay stub: %v", err)
	}
	return path
}

func startStubWorker(t *testing.T, id int) *Worker {
	t.Helper()
	dir := t.TempDir()
	binary := writeSocks5RelayStub(t, dir)
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		t.Fatalf("failed to create data dir: %v", err)
	}

	w := NewWorker(WorkerConfig{
		ID:             id,
		SocksPort:      freePort(t),
		ControlPort:    freePort(t),
		DataDir:        dataDir,
		BinaryPath:     binary,
		StartupTimeout: 5 * time.Second,
		StopGrace:      2 * time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("stub worker %d failed to start: %v", id, err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestHTTPLoadBalancerRoundRobin(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer target.Close()

	pool := NewBackendPool(30*time.Second, false)
	workers := make([]*Worker, 3)
	for i := 0; i < 3; i++ {
		workers[i] = startStubWorker(t, i)
		pool.Add(i, workers[i].SocksAddr())
	}

	lb := NewHTTPLoadBalancer(pool, NewLogger(LoggingConfig{Level: "error", Format: "text"}), nil, 3, 5*time.Second)

	var served []int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, target.URL+"/", nil)
		rec := httptest.NewRecorder()
		lb.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d (%s)", i, rec.Code, rec.Body.String())
		}
	}

	snap := pool.Snapshot()
	for _, b := range snap {
		success, _ := b.Counts()
		served = append(served, int(success))
	}
	for i, count := range served {
		if count != 2 {
			t.Errorf("backend %d served %d requests, want 2 (fairness over 6 requests / 3 backends)", i, count)
		}
	}
}

func TestHTTPLoadBalancerFailoverOnDialFailure(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	pool := NewBackendPool(30*time.Second, false)
	// backend 1 points at a closed port: SOCKS dial will fail immediately.
	pool.Add(1, "127.0.0.1:1")
	w2 := startStubWorker(t, 2)
	pool.Add(2, w2.SocksAddr())

	lb := NewHTTPLoadBalancer(pool, NewLogger(LoggingConfig{Level: "error", Format: "text"}), nil, 3, 3*time.Second)

	req := httptest.NewRequest(http.MethodGet, target.URL+"/", nil)
	rec := httptest.NewRecorder()
	lb.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected failover to backend 2 to succeed with 200, got %d", rec.Code)
	}

	snap := pool.Snapshot()
	for _, b := range snap {
		if b.WorkerID == 1 {
			_, failure := b.Counts()
			if failure == 0 {
				t.Error("expected backend 1's failure count to be incremented")
			}
			if !b.CooldownUntil().After(time.Now()) {
				t.Error("expected backend 1 to be placed on cooldown")
			}
		}
	}
}

func TestHTTPLoadBalancerNoEligibleBackendReturns502(t *testing.T) {
	pool := NewBackendPool(time.Hour, false)
	pool.Add(1, "127.0.0.1:1")
	pool.MarkFailure(1)

	lb := NewHTTPLoadBalancer(pool, NewLogger(LoggingConfig{Level: "error", Format: "text"}), nil, 0, time.Second)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	lb.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 when the only backend is cooling down, got %d", rec.Code)
	}
}
