package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"taleforge/internal"
	"taleforge/utils"
)

type storedObject struct {
	data        []byte
	contentType string
}

// fakePinata is an in-memory pinning API and gateway
type fakePinata struct {
	mu sync.Mutex

	objects   map[string]storedObject
	names     []string
	uploadKey []string
	getKeys   []string

	uploadStatus   []int // scripted statuses for the next uploads
	retryAfter     string
	downloadStatus []int // scripted statuses for the next downloads
	downloadDelay  time.Duration
}

func newFakePinata(t *testing.T) (*fakePinata, *httptest.Server) {
	t.Helper()
	fake := &fakePinata{objects: make(map[string]storedObject)}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return fake, server
}

func (f *fakePinata) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("pinata_api_key")
	if key == "" || r.Header.Get("pinata_secret_api_key") == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == pinFilePath:
		f.handleUpload(w, r, key)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/ipfs/"):
		f.handleDownload(w, r, key)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakePinata) nextStatus(script *[]int) int {
	if len(*script) == 0 {
		return 0
	}
	status := (*script)[0]
	*script = (*script)[1:]
	return status
}

func (f *fakePinata) handleUpload(w http.ResponseWriter, r *http.Request, key string) {
	f.mu.Lock()
	f.uploadKey = append(f.uploadKey, key)
	status := f.nextStatus(&f.uploadStatus)
	retryAfter := f.retryAfter
	f.mu.Unlock()

	if status == http.StatusTooManyRequests && retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	var metadata struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal([]byte(r.FormValue("pinataMetadata")), &metadata)

	contentType := http.DetectContentType(data)
	if header.Filename == "content.json" {
		contentType = "application/json"
	}

	f.mu.Lock()
	address := fmt.Sprintf("QmFake%040d", len(f.objects)+1)
	f.objects[address] = storedObject{data: data, contentType: contentType}
	f.names = append(f.names, metadata.Name)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(internal.UploadResponse{IpfsHash: address, PinSize: int64(len(data))})
}

func (f *fakePinata) handleDownload(w http.ResponseWriter, r *http.Request, key string) {
	f.mu.Lock()
	f.getKeys = append(f.getKeys, key)
	status := f.nextStatus(&f.downloadStatus)
	delay := f.downloadDelay
	object, ok := f.objects[strings.TrimPrefix(r.URL.Path, "/ipfs/")]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", object.contentType)
	_, _ = w.Write(object.data)
}

func newTestClient(t *testing.T, server *httptest.Server, credentials int, mutate func(*ClientOptions)) *Client {
	t.Helper()

	pool, err := NewCredentialPool(testCredentials(credentials), PoolOptions{})
	if err != nil {
		t.Fatalf("NewCredentialPool failed: %v", err)
	}
	for i := range pool.credentials {
		pool.credentials[i].APIKey = fmt.Sprintf("key-%d", i+1)
	}
	queue := newTestQueue(t, QueueOptions{MaxConcurrent: 3, MaxRetries: 1})

	httpClient, err := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:           5 * time.Second,
		DefaultRetryAfter: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewHTTPClientWithConfig failed: %v", err)
	}

	opts := ClientOptions{
		APIBaseURL:      server.URL,
		GatewayHost:     server.URL,
		TempDir:         t.TempDir(),
		DownloadTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(pool, queue, httpClient, opts)
}

func TestClient_UploadTextRoundTrip(t *testing.T) {
	_, server := newFakePinata(t)
	client := newTestClient(t, server, 2, nil)
	ctx := context.Background()

	address, err := client.UploadText(ctx, "hello")
	if err != nil {
		t.Fatalf("UploadText failed: %v", err)
	}

	content, err := client.Download(ctx, address)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if content.Binary {
		t.Error("text payload classified as binary")
	}
	if content.Text() != "hello" {
		t.Errorf("Download returned %q, want %q", content.Text(), "hello")
	}
}

func TestClient_UploadBinaryRoundTrip(t *testing.T) {
	_, server := newFakePinata(t)
	client := newTestClient(t, server, 2, nil)
	ctx := context.Background()

	image := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x01, 0x02, 0xfe}, 512)...)
	address, err := client.UploadBinary(ctx, "cover art.png", bytes.NewReader(image))
	if err != nil {
		t.Fatalf("UploadBinary failed: %v", err)
	}

	content, err := client.Download(ctx, address)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !content.Binary || content.ContentType != "image/png" {
		t.Errorf("expected binary image/png, got binary=%v type=%s", content.Binary, content.ContentType)
	}
	if !bytes.Equal(content.Data, image) {
		t.Error("downloaded bytes differ from the uploaded image")
	}

	entries, err := os.ReadDir(client.opts.TempDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("staging file left behind: %d entries", len(entries))
	}
}

func TestClient_UploadBinaryCleansUpOnFailure(t *testing.T) {
	fake, server := newFakePinata(t)
	fake.uploadStatus = []int{http.StatusForbidden}
	client := newTestClient(t, server, 1, nil)

	_, err := client.UploadBinary(context.Background(), "map.png", strings.NewReader("not really a png"))
	var gwErr *internal.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != internal.ErrAuthRequired {
		t.Fatalf("expected AuthRequired, got %v", err)
	}

	entries, _ := os.ReadDir(client.opts.TempDir)
	if len(entries) != 0 {
		t.Errorf("staging file left behind after failure: %d entries", len(entries))
	}
}

func TestClient_RateLimitFeedsCooldown(t *testing.T) {
	fake, server := newFakePinata(t)
	fake.uploadStatus = []int{http.StatusTooManyRequests}
	fake.retryAfter = "120"
	client := newTestClient(t, server, 2, nil)

	if _, err := client.UploadText(context.Background(), "chapter one"); err != nil {
		t.Fatalf("UploadText failed: %v", err)
	}

	fake.mu.Lock()
	keys := append([]string(nil), fake.uploadKey...)
	fake.mu.Unlock()
	if len(keys) != 2 || keys[0] != "key-1" || keys[1] != "key-2" {
		t.Errorf("expected key-1 then key-2, got %v", keys)
	}

	status := client.CredentialStatus()
	if !status[0].Blocked {
		t.Error("rate limited credential should be cooling down")
	}
	if remaining := time.Until(status[0].BlockedUntil); remaining < 110*time.Second {
		t.Errorf("cooldown shorter than Retry-After: %v", remaining)
	}
	if status[1].Blocked {
		t.Error("second credential should not be blocked")
	}

	// 429s are retried inside one queued attempt
	if attempts := client.queue.Stats().Attempts; attempts != 1 {
		t.Errorf("queue recorded %d attempts, want 1", attempts)
	}
}

func TestClient_RateLimitExhausted(t *testing.T) {
	fake, server := newFakePinata(t)
	fake.uploadStatus = []int{http.StatusTooManyRequests, http.StatusTooManyRequests}
	client := newTestClient(t, server, 2, func(opts *ClientOptions) {
		opts.MaxRateLimitAttempts = 2
	})

	_, err := client.UploadText(context.Background(), "chapter two")
	var gwErr *internal.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != internal.ErrGatewayExhausted {
		t.Fatalf("expected GatewayExhausted, got %v", err)
	}

	for _, s := range client.CredentialStatus() {
		if !s.Blocked {
			t.Errorf("credential %s should be cooling down for the default Retry-After", s.ID)
		}
	}
}

func TestClient_DownloadRotatesOnFailure(t *testing.T) {
	fake, server := newFakePinata(t)
	client := newTestClient(t, server, 2, nil)
	ctx := context.Background()

	address, err := client.UploadText(ctx, "retry me")
	if err != nil {
		t.Fatalf("UploadText failed: %v", err)
	}

	fake.mu.Lock()
	fake.downloadStatus = []int{http.StatusBadGateway}
	fake.getKeys = nil
	fake.mu.Unlock()

	content, err := client.Download(ctx, address)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if content.Text() != "retry me" {
		t.Errorf("Download returned %q", content.Text())
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.getKeys) != 2 || fake.getKeys[0] == fake.getKeys[1] {
		t.Errorf("expected two attempts on different credentials, got %v", fake.getKeys)
	}
}

func TestClient_DownloadFailsOnLastAttempt(t *testing.T) {
	fake, server := newFakePinata(t)
	client := newTestClient(t, server, 2, nil)

	_, err := client.Download(context.Background(), "QmMissing")
	var gwErr *internal.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != internal.ErrDownloadFailed {
		t.Fatalf("expected DownloadFailed, got %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.getKeys) != 4 {
		t.Errorf("expected 2 x credentials attempts, got %d", len(fake.getKeys))
	}
}

func TestClient_DownloadTimeoutsExhaust(t *testing.T) {
	fake, server := newFakePinata(t)
	fake.downloadDelay = 200 * time.Millisecond
	client := newTestClient(t, server, 1, func(opts *ClientOptions) {
		opts.DownloadTimeout = 20 * time.Millisecond
	})

	_, err := client.Download(context.Background(), "QmSlow")
	var gwErr *internal.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != internal.ErrGatewayExhausted {
		t.Fatalf("expected GatewayExhausted, got %v", err)
	}
}

func TestClient_MetadataNames(t *testing.T) {
	fake, server := newFakePinata(t)
	client := newTestClient(t, server, 1, nil)
	client.now = func() time.Time { return time.UnixMilli(1700000000000) }
	ctx := context.Background()

	if _, err := client.UploadText(ctx, "a"); err != nil {
		t.Fatalf("UploadText failed: %v", err)
	}
	if _, err := client.UploadJSON(ctx, map[string]string{"title": "b"}); err != nil {
		t.Fatalf("UploadJSON failed: %v", err)
	}
	if _, err := client.UploadBinary(ctx, "c.png", strings.NewReader("c")); err != nil {
		t.Fatalf("UploadBinary failed: %v", err)
	}

	want := []string{"TaleForge-1700000000000", "TaleForge-JSON-1700000000000", "TaleForge-Image-1700000000000"}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for i, name := range want {
		if i >= len(fake.names) || fake.names[i] != name {
			t.Errorf("metadata names = %v, want %v", fake.names, want)
			break
		}
	}
}

func TestClient_DownloadCache(t *testing.T) {
	fake, server := newFakePinata(t)
	client := newTestClient(t, server, 1, func(opts *ClientOptions) {
		opts.DownloadCacheTTL = time.Minute
	})
	ctx := context.Background()

	address, err := client.UploadText(ctx, "cached chapter")
	if err != nil {
		t.Fatalf("UploadText failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		content, err := client.Download(ctx, address)
		if err != nil {
			t.Fatalf("Download %d failed: %v", i, err)
		}
		if content.Text() != "cached chapter" {
			t.Errorf("Download %d returned %q", i, content.Text())
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.getKeys) != 1 {
		t.Errorf("expected 1 gateway fetch, got %d", len(fake.getKeys))
	}
}

func TestClient_DownloadFailureNotCached(t *testing.T) {
	fake, server := newFakePinata(t)
	client := newTestClient(t, server, 1, func(opts *ClientOptions) {
		opts.DownloadCacheTTL = time.Minute
	})
	ctx := context.Background()

	address, err := client.UploadText(ctx, "retry me")
	if err != nil {
		t.Fatalf("UploadText failed: %v", err)
	}

	fake.mu.Lock()
	fake.downloadStatus = []int{http.StatusBadGateway, http.StatusBadGateway}
	fake.mu.Unlock()

	if _, err := client.Download(ctx, address); err == nil {
		t.Fatal("expected first download to fail")
	}
	content, err := client.Download(ctx, address)
	if err != nil {
		t.Fatalf("second Download failed: %v", err)
	}
	if content.Text() != "retry me" {
		t.Errorf("Download returned %q", content.Text())
	}
}

func TestClient_URLFor(t *testing.T) {
	client := NewClient(nil, nil, nil, ClientOptions{GatewayHost: "gateway.pinata.cloud"})
	want := "https://gateway.pinata.cloud/ipfs/QmAddress"
	if got := client.URLFor("QmAddress"); got != want {
		t.Errorf("URLFor = %q, want %q", got, want)
	}
}

func TestClientOptionsFromConfig(t *testing.T) {
	config := internal.DefaultConfig()
	config.UploadRateLimit = "2MB"

	opts, err := ClientOptionsFromConfig(config)
	if err != nil {
		t.Fatalf("ClientOptionsFromConfig failed: %v", err)
	}
	if opts.UploadLimiter == nil {
		t.Error("expected an upload limiter for a configured rate")
	}

	config.UploadRateLimit = "fast"
	if _, err := ClientOptionsFromConfig(config); err == nil {
		t.Error("expected error for invalid upload rate")
	}
}
