package utils

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"taleforge/internal"
)

// ByteLimiter throttles byte streams with a token bucket whose burst equals one second of traffic
type ByteLimiter struct {
	mutex   sync.RWMutex
	limiter *rate.Limiter
	rate    int64
}

// NewByteLimiter creates a limiter allowing bytesPerSecond; zero or less disables limiting
func NewByteLimiter(bytesPerSecond int64) internal.RateLimiter {
	l := &ByteLimiter{}
	l.SetRate(bytesPerSecond)
	return l
}

// Wait blocks until n bytes may pass
func (l *ByteLimiter) Wait(ctx context.Context, n int) error {
	l.mutex.RLock()
	limiter := l.limiter
	l.mutex.RUnlock()

	if limiter == nil || n <= 0 {
		return nil
	}

	burst := limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// SetRate updates the rate limit
func (l *ByteLimiter) SetRate(bytesPerSecond int64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.rate = bytesPerSecond
	if bytesPerSecond <= 0 {
		l.limiter = nil
		return
	}
	burst := int(bytesPerSecond)
	if int64(burst) != bytesPerSecond || burst <= 0 {
		burst = int(^uint(0) >> 1)
	}
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
		return
	}
	l.limiter.SetLimit(rate.Limit(bytesPerSecond))
	l.limiter.SetBurst(burst)
}

// Rate returns the configured bytes per second
func (l *ByteLimiter) Rate() int64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.rate
}

// ThrottledReader paces reads from an underlying reader through a RateLimiter
type ThrottledReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter internal.RateLimiter
}

// NewThrottledReader wraps r; a nil limiter returns r unchanged
func NewThrottledReader(ctx context.Context, r io.Reader, limiter internal.RateLimiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &ThrottledReader{ctx: ctx, reader: r, limiter: limiter}
}

// Read implements io.Reader
func (tr *ThrottledReader) Read(p []byte) (int, error) {
	n, err := tr.reader.Read(p)
	if n > 0 {
		if waitErr := tr.limiter.Wait(tr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// ParseRateLimit parses bandwidth strings such as "512K", "1.5MB" or "2048" (bytes per second)
func ParseRateLimit(rateStr string) (int64, error) {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return 0, nil
	}

	if val, err := strconv.ParseInt(rateStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("rate cannot be negative: %d", val)
		}
		return val, nil
	}

	upper := strings.ToUpper(rateStr)
	numStr, suffix := rateStr, ""
	for _, candidate := range []string{"KB", "MB", "GB", "TB", "B", "K", "M", "G", "T"} {
		if strings.HasSuffix(upper, candidate) {
			numStr = strings.TrimSpace(rateStr[:len(rateStr)-len(candidate)])
			suffix = candidate
			break
		}
	}
	if suffix == "" || numStr == "" {
		return 0, fmt.Errorf("invalid rate format: %s", rateStr)
	}

	baseValue, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in rate: %s", numStr)
	}
	if baseValue < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %s", numStr)
	}

	multipliers := map[string]float64{
		"B": 1,
		"K": 1 << 10, "KB": 1 << 10,
		"M": 1 << 20, "MB": 1 << 20,
		"G": 1 << 30, "GB": 1 << 30,
		"T": 1 << 40, "TB": 1 << 40,
	}

	result := baseValue * multipliers[suffix]
	if result > float64(1<<62) {
		return 0, fmt.Errorf("rate value overflow")
	}
	return int64(result), nil
}
