package netcheck

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOnline_NoContentResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, "", time.Second)
	p.FallbackAddr = "" // isolate the HTTP leg
	if !p.Online(context.Background()) {
		t.Fatal("expected online with 204 response")
	}
}

func TestOnline_ServerErrorFailsHTTPLeg(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, "", time.Second)
	p.FallbackAddr = ""
	if p.Online(context.Background()) {
		t.Fatal("expected offline with 502 response and no fallback")
	}
}

func TestOnline_TCPFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewProber("http://127.0.0.1:1/generate_204", ln.Addr().String(), time.Second)
	if !p.Online(context.Background()) {
		t.Fatal("expected TCP fallback to report online")
	}
}

func TestOnline_EverythingDown(t *testing.T) {
	p := NewProber("http://127.0.0.1:1/generate_204", "127.0.0.1:1", 200*time.Millisecond)
	if p.Online(context.Background()) {
		t.Fatal("expected offline when probe and fallback both fail")
	}
}

func TestStatic(t *testing.T) {
	if !Static(true).Online(context.Background()) {
		t.Fatal("Static(true) should be online")
	}
	if Static(false).Online(context.Background()) {
		t.Fatal("Static(false) should be offline")
	}
}
