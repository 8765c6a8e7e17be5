package netbatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/mohammed-shakir/tilestream/internal/wire"
)

func tileServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			body = zr
		}
		raw, _ := io.ReadAll(body)
		keys, _, err := wire.DecodeRequest(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var entries []wire.Entry
		for _, k := range keys {
			entries = append(entries, wire.Entry{Key: k, Payload: []byte(k)})
		}
		resp, _ := wire.EncodeResponse(entries)
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write(resp)
		_ = zw.Close()
	}))
}

func TestHTTPTransport_PlainAndCompressed(t *testing.T) {
	srv := tileServer(t)
	defer srv.Close()
	tr := &HTTPTransport{URL: srv.URL, Client: NewOutbound(5 * time.Second)}

	for _, compressed := range []bool{false, true} {
		body, _ := wire.EncodeRequest([]string{"g:1:1:1:1:0", "d:0:0:0:0:0"}, 1024)
		resp, err := tr.Send(context.Background(), body, compressed)
		if err != nil {
			t.Fatalf("compressed=%v: %v", compressed, err)
		}
		entries, err := wire.DecodeResponse(resp)
		if err != nil || len(entries) != 2 {
			t.Fatalf("compressed=%v: entries=%v err=%v", compressed, entries, err)
		}
		if !bytes.Equal(entries[1].Payload, []byte("d:0:0:0:0:0")) {
			t.Fatalf("payload=%q", entries[1].Payload)
		}
	}
}

func TestHTTPTransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	tr := &HTTPTransport{URL: srv.URL}
	if _, err := tr.Send(context.Background(), []byte{0, 0, 0, 0, 0, 0, 0, 0}, false); err == nil {
		t.Fatalf("503 not reported")
	}
}
