package fetcher_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyfeed/pkg/fetcher"
)

func TestClientPost(t *testing.T) {
	received := make(chan []byte, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("User-Agent"), "keyfeed/")

		body, _ := io.ReadAll(r.Body)
		received <- body

		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer ts.Close()

	c := fetcher.New(0)
	resp, err := c.Post(context.Background(), ts.URL, []byte(`{"request":"x"}`))
	require.NoError(t, err)

	// Status classification is the caller's job, not the transport's.
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short and stout", string(resp.Body))
	assert.Equal(t, `{"request":"x"}`, string(<-received))
}

func TestClientPostTransportError(t *testing.T) {
	c := fetcher.New(time.Second)
	_, err := c.Post(context.Background(), "http://127.0.0.1:1/", nil)
	require.Error(t, err)
}

func TestClientPostContextCancelled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := fetcher.New(0)
	_, err := c.Post(ctx, ts.URL, nil)
	require.ErrorIs(t, err, context.Canceled)
}
