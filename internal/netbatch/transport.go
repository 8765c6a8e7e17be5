package netbatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const httpUserAgent = "tilestream/1.0"

// Transport carries one encoded batch. compressed selects the gzip variant.
type Transport interface {
	Send(ctx context.Context, body []byte, compressed bool) ([]byte, error)
}

// Scheduler runs f after d on a goroutine of its choosing.
type Scheduler interface {
	AfterFunc(d time.Duration, f func())
}

type TimeScheduler struct{}

func (TimeScheduler) AfterFunc(d time.Duration, f func()) { time.AfterFunc(d, f) }

// NewOutbound creates the http client used by HTTPTransport.
func NewOutbound(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// HTTPTransport POSTs batches to a tile server.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

func (t *HTTPTransport) Send(ctx context.Context, body []byte, compressed bool) ([]byte, error) {
	payload := body
	if compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("gzip request: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip request: %w", err)
		}
		payload = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", httpUserAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", t.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("post %s: status %s", t.URL, resp.Status)
	}

	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gunzip response: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return out, nil
}
