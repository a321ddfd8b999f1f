package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"taleforge/internal"
	"taleforge/utils"
)

const (
	pinFilePath          = "/pinning/pinFileToIPFS"
	maxDownloadBodyBytes = 256 << 20
)

// ClientOptions configures a Client
type ClientOptions struct {
	APIBaseURL           string
	GatewayHost          string
	MetadataPrefix       string
	TempDir              string
	UploadTimeout        time.Duration
	DownloadTimeout      time.Duration
	MaxRateLimitAttempts int
	// DownloadCacheTTL keeps downloaded payloads in memory by address; 0 disables the cache
	DownloadCacheTTL time.Duration
	// UploadLimiter, when set, paces the bytes of binary uploads
	UploadLimiter internal.RateLimiter
}

// ClientOptionsFromConfig maps application config onto client options
func ClientOptionsFromConfig(config *internal.Config) (ClientOptions, error) {
	opts := ClientOptions{
		APIBaseURL:           config.APIBaseURL,
		GatewayHost:          config.GatewayHost,
		MetadataPrefix:       config.MetadataPrefix,
		TempDir:              config.TempDir,
		UploadTimeout:        config.UploadTimeout,
		DownloadTimeout:      config.DownloadTimeout,
		MaxRateLimitAttempts: config.MaxRateLimitAttempts,
		DownloadCacheTTL:     config.DownloadCacheTTL,
	}

	if config.UploadRateLimit != "" {
		bytesPerSecond, err := utils.ParseRateLimit(config.UploadRateLimit)
		if err != nil {
			return opts, internal.NewValidationErrorWithValue("upload_rate_limit", err.Error(), config.UploadRateLimit)
		}
		if bytesPerSecond > 0 {
			opts.UploadLimiter = utils.NewByteLimiter(bytesPerSecond)
		}
	}
	return opts, nil
}

// Client uploads and downloads content-addressed payloads through a pool of
// rate-limited credentials. Every operation runs as one ThrottledQueue task.
type Client struct {
	pool    *CredentialPool
	queue   *ThrottledQueue
	http    *utils.HTTPClient
	fileOps *utils.FileOperations
	opts    ClientOptions
	cache   *cache.Cache
	now     func() time.Time
}

var _ internal.Gateway = (*Client)(nil)

// NewClient wires a client from its collaborators
func NewClient(pool *CredentialPool, queue *ThrottledQueue, httpClient *utils.HTTPClient, opts ClientOptions) *Client {
	if opts.MaxRateLimitAttempts < 1 {
		opts.MaxRateLimitAttempts = 5
	}
	if opts.MetadataPrefix == "" {
		opts.MetadataPrefix = "TaleForge"
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 10 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 60 * time.Second
	}
	opts.APIBaseURL = strings.TrimSuffix(opts.APIBaseURL, "/")

	client := &Client{
		pool:    pool,
		queue:   queue,
		http:    httpClient,
		fileOps: utils.NewFileOperations(),
		opts:    opts,
		now:     time.Now,
	}
	if opts.DownloadCacheTTL > 0 {
		client.cache = cache.New(opts.DownloadCacheTTL, 2*opts.DownloadCacheTTL)
	}
	return client
}

// UploadText uploads text wrapped in a timestamped envelope
func (c *Client) UploadText(ctx context.Context, text string) (string, error) {
	payload, err := EncodeText(text, c.now())
	if err != nil {
		return "", fmt.Errorf("encode text envelope: %w", err)
	}
	return c.uploadPayload(ctx, "upload text", "", payload)
}

// UploadBytes uploads data base64-encoded inside an envelope
func (c *Client) UploadBytes(ctx context.Context, data []byte) (string, error) {
	payload, err := EncodeBytes(data, c.now())
	if err != nil {
		return "", fmt.Errorf("encode bytes envelope: %w", err)
	}
	return c.uploadPayload(ctx, "upload bytes", "", payload)
}

// UploadJSON uploads v as the envelope content
func (c *Client) UploadJSON(ctx context.Context, v any) (string, error) {
	payload, err := EncodeJSON(v, c.now())
	if err != nil {
		return "", fmt.Errorf("encode json envelope: %w", err)
	}
	return c.uploadPayload(ctx, "upload json", "JSON", payload)
}

func (c *Client) uploadPayload(ctx context.Context, op, kind string, payload []byte) (string, error) {
	open := func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	return Run(ctx, c.queue, func(ctx context.Context) (string, error) {
		return c.pinWithCredentials(ctx, op, c.metadataName(kind), "content.json", open)
	})
}

// UploadBinary stages r to a unique temp file and uploads it raw. The staged
// file is removed whether or not the upload succeeds.
func (c *Client) UploadBinary(ctx context.Context, name string, r io.Reader) (string, error) {
	path, size, cleanup, err := c.fileOps.StageTemp(c.opts.TempDir, name, r)
	if err != nil {
		return "", err
	}
	defer cleanup()

	internal.LogDebug("Staged %s (%d bytes) at %s", name, size, path)

	fileName := name
	if fileName == "" {
		fileName = "payload.bin"
	}
	open := func() (io.ReadCloser, error) {
		return os.Open(path)
	}
	return Run(ctx, c.queue, func(ctx context.Context) (string, error) {
		return c.pinWithCredentials(ctx, "upload binary", c.metadataName("Image"), fileName, open)
	})
}

// pinWithCredentials runs one queued upload attempt. Rate-limited credentials are
// cooled down and another is tried, up to MaxRateLimitAttempts; those retries do
// not consume the queue's retry budget.
func (c *Client) pinWithCredentials(ctx context.Context, op, metadataName, fileName string, open func() (io.ReadCloser, error)) (string, error) {
	for attempt := 1; attempt <= c.opts.MaxRateLimitAttempts; attempt++ {
		cred, err := c.pool.Acquire(ctx)
		if err != nil {
			return "", err
		}

		address, err := c.pinOnce(ctx, cred, metadataName, fileName, open)
		if err == nil {
			c.pool.MarkUsed(cred)
			internal.LogDebug("%s: pinned %s as %s", op, metadataName, address)
			return address, nil
		}

		if rateErr, ok := internal.IsRateLimited(err); ok {
			c.pool.MarkBlocked(cred, time.Duration(rateErr.RetryAfter)*time.Second)
			continue
		}
		if internal.IsTimeout(err) {
			c.pool.Rotate(cred)
		}
		return "", err
	}

	return "", internal.NewGatewayExhaustedError(op, c.opts.MaxRateLimitAttempts)
}

func (c *Client) pinOnce(ctx context.Context, cred *internal.Credential, metadataName, fileName string, open func() (io.ReadCloser, error)) (string, error) {
	source, err := open()
	if err != nil {
		return "", fmt.Errorf("open upload source: %w", err)
	}
	defer source.Close()

	ctx, cancel := context.WithTimeout(ctx, c.opts.UploadTimeout)
	defer cancel()

	metadata, err := json.Marshal(map[string]string{"name": metadataName})
	if err != nil {
		return "", err
	}

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(writeUploadForm(ctx, form, fileName, source, metadata, c.opts.UploadLimiter))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.APIBaseURL+pinFilePath, body)
	if err != nil {
		body.Close()
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	setCredentialHeaders(req, cred)

	resp, err := c.http.Do(ctx, req)
	body.Close()
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result internal.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", internal.NewGatewayError(resp.StatusCode, "Malformed pin response", internal.ErrUploadFailed).WithCause(err)
	}
	if result.IpfsHash == "" {
		return "", internal.NewGatewayError(resp.StatusCode, "Pin response without IpfsHash", internal.ErrUploadFailed)
	}
	return result.IpfsHash, nil
}

func writeUploadForm(ctx context.Context, form *multipart.Writer, fileName string, source io.Reader, metadata []byte, limiter internal.RateLimiter) error {
	part, err := form.CreateFormFile("file", fileName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, utils.NewThrottledReader(ctx, source, limiter)); err != nil {
		return err
	}
	if err := form.WriteField("pinataMetadata", string(metadata)); err != nil {
		return err
	}
	return form.Close()
}

func setCredentialHeaders(req *http.Request, cred *internal.Credential) {
	req.Header["pinata_api_key"] = []string{cred.APIKey}
	req.Header["pinata_secret_api_key"] = []string{cred.APISecret}
}

// Download fetches address, trying up to twice as many times as there are
// credentials. Rate-limited credentials are cooled down, timed-out or failing
// ones rotated away from. Addressed content never changes, so successful
// downloads are served from the cache while it holds them.
func (c *Client) Download(ctx context.Context, address string) (*internal.Content, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, internal.NewValidationError("address", "cannot be empty")
	}

	if c.cache != nil {
		if cached, ok := c.cache.Get(address); ok {
			internal.LogDebug("Download of %s served from cache", address)
			return cached.(*internal.Content), nil
		}
	}

	content, err := c.download(ctx, address)
	if err == nil && c.cache != nil {
		c.cache.SetDefault(address, content)
	}
	return content, err
}

func (c *Client) download(ctx context.Context, address string) (*internal.Content, error) {
	return Run(ctx, c.queue, func(ctx context.Context) (*internal.Content, error) {
		attempts := 2 * c.pool.Len()
		for attempt := 1; attempt <= attempts; attempt++ {
			cred, err := c.pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}

			content, err := c.fetchOnce(ctx, cred, address)
			if err == nil {
				c.pool.MarkUsed(cred)
				return content, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			if rateErr, ok := internal.IsRateLimited(err); ok {
				c.pool.MarkBlocked(cred, time.Duration(rateErr.RetryAfter)*time.Second)
				continue
			}

			c.pool.Rotate(cred)
			if internal.IsTimeout(err) {
				internal.LogWarn("Download of %s timed out on credential %s (attempt %d/%d)", address, cred.ID, attempt, attempts)
				continue
			}
			if attempt == attempts {
				return nil, internal.NewGatewayError(0, fmt.Sprintf("Download of %s failed", address), internal.ErrDownloadFailed).
					WithCause(err).
					WithContext("attempts", attempts)
			}
			internal.LogWarn("Download of %s failed on credential %s (attempt %d/%d): %v", address, cred.ID, attempt, attempts, err)
		}

		return nil, internal.NewGatewayExhaustedError("download", attempts)
	})
}

func (c *Client) fetchOnce(ctx context.Context, cred *internal.Credential, address string) (*internal.Content, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URLFor(address), nil)
	if err != nil {
		return nil, err
	}
	setCredentialHeaders(req, cred)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBodyBytes))
	if err != nil {
		if utils.IsTimeoutError(err) {
			return nil, internal.NewNetworkTimeoutError("download body", err)
		}
		return nil, fmt.Errorf("read download body: %w", err)
	}

	return ClassifyContent(resp.Header.Get("Content-Type"), data), nil
}

// URLFor returns the public gateway URL for address
func (c *Client) URLFor(address string) string {
	return utils.GatewayURL(c.opts.GatewayHost, address)
}

// CredentialStatus exposes the pool snapshot
func (c *Client) CredentialStatus() []internal.CredentialStatus {
	return c.pool.Status()
}

func (c *Client) metadataName(kind string) string {
	prefix := c.opts.MetadataPrefix
	if kind != "" {
		prefix += "-" + kind
	}
	return fmt.Sprintf("%s-%d", prefix, c.now().UnixMilli())
}
