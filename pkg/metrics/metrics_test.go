package metrics

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestServeExposesMetricsEndpoint(t *testing.T) {
	r := New()
	r.OpenOffers.Set(42)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Serve(ctx, "127.0.0.1:19091")
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://127.0.0.1:19091/metrics")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("speedex_open_offers 42")) {
		t.Fatalf("expected open_offers gauge in output, got:\n%s", body)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
