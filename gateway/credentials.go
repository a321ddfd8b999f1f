package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taleforge/internal"
)

// PoolOptions tunes credential selection
type PoolOptions struct {
	// MinSpacing is the minimum gap between two uses of the same credential
	MinSpacing time.Duration
	// FastPathWait is the longest spacing remainder worth waiting out on the current candidate
	FastPathWait time.Duration
}

// DefaultPoolOptions returns 1s spacing with a 100ms fast path
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{MinSpacing: time.Second, FastPathWait: 100 * time.Millisecond}
}

// CredentialPool hands out gateway credentials round-robin, honouring
// per-credential spacing and rate-limit cooldowns
type CredentialPool struct {
	mutex       sync.Mutex
	credentials []*internal.Credential
	cursor      int
	opts        PoolOptions
	now         func() time.Time
}

type selection int

const (
	selectedReady selection = iota
	selectedFastPath
	allSpacingLimited
	allCooledDown
)

// NewCredentialPool creates a pool over creds. IDs must be unique; empty IDs are numbered.
func NewCredentialPool(creds []internal.Credential, opts PoolOptions) (*CredentialPool, error) {
	if len(creds) == 0 {
		return nil, internal.NewGatewayError(0, "no credentials configured", internal.ErrAuthRequired)
	}

	seen := make(map[string]bool, len(creds))
	pooled := make([]*internal.Credential, 0, len(creds))
	for i := range creds {
		c := creds[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("credential-%d", i+1)
		}
		if seen[c.ID] {
			return nil, internal.NewValidationErrorWithValue("credentials", "duplicate credential id", c.ID)
		}
		if c.APIKey == "" || c.APISecret == "" {
			return nil, internal.NewValidationError("credentials", fmt.Sprintf("credential %s is missing api_key or api_secret", c.ID)).
				WithSuggestion("Every [[credentials]] entry needs api_key and api_secret")
		}
		seen[c.ID] = true
		pooled = append(pooled, &c)
	}

	return &CredentialPool{
		credentials: pooled,
		opts:        opts,
		now:         time.Now,
	}, nil
}

// Len returns the number of pooled credentials
func (p *CredentialPool) Len() int {
	return len(p.credentials)
}

// Acquire returns a copy of a credential that is neither cooling down nor used
// within MinSpacing. The hand-out counts as a use for spacing purposes.
func (p *CredentialPool) Acquire(ctx context.Context) (*internal.Credential, error) {
	waitedForCooldown := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mutex.Lock()
		cred, until, state := p.selectLocked(p.now())
		p.mutex.Unlock()
		if state == selectedReady {
			return cred, nil
		}

		// The clock may have moved since the scan
		wait := until.Sub(p.now())
		switch state {
		case selectedFastPath, allSpacingLimited:
			// Rescan after the wait: another caller may have taken the candidate meanwhile.
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}

		case allCooledDown:
			if wait <= 0 || waitedForCooldown {
				return nil, internal.NewNoCredentialAvailableError(p.Len()).
					WithContext("wait", wait.String())
			}
			internal.LogDebug("All %d credentials cooling down, waiting %v", p.Len(), wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			p.clearExpired()
			waitedForCooldown = true
		}
	}
}

// selectLocked scans from the cursor. It returns the chosen credential, or the
// time at which a rescan can succeed and why.
func (p *CredentialPool) selectLocked(now time.Time) (*internal.Credential, time.Time, selection) {
	n := len(p.credentials)
	minSpacingWait := time.Duration(-1)
	var minBlockedUntil time.Time

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := p.credentials[idx]

		if now.Before(c.BlockedUntil) {
			if minBlockedUntil.IsZero() || c.BlockedUntil.Before(minBlockedUntil) {
				minBlockedUntil = c.BlockedUntil
			}
			continue
		}

		since := now.Sub(c.LastUsedAt)
		if c.LastUsedAt.IsZero() || since >= p.opts.MinSpacing {
			c.LastUsedAt = now
			p.cursor = (idx + 1) % n
			copied := *c
			return &copied, now, selectedReady
		}

		remaining := p.opts.MinSpacing - since
		if remaining <= p.opts.FastPathWait {
			p.cursor = idx
			return nil, now.Add(remaining), selectedFastPath
		}
		if minSpacingWait < 0 || remaining < minSpacingWait {
			minSpacingWait = remaining
		}
	}

	if minSpacingWait >= 0 {
		return nil, now.Add(minSpacingWait), allSpacingLimited
	}
	return nil, minBlockedUntil, allCooledDown
}

// MarkUsed records a successful use of c
func (p *CredentialPool) MarkUsed(c *internal.Credential) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if idx := p.indexLocked(c); idx >= 0 {
		p.credentials[idx].LastUsedAt = p.now()
	}
}

// MarkBlocked cools c down for d and moves the cursor past it
func (p *CredentialPool) MarkBlocked(c *internal.Credential, d time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	idx := p.indexLocked(c)
	if idx < 0 {
		return
	}
	p.credentials[idx].BlockedUntil = p.now().Add(d)
	if p.cursor == idx {
		p.cursor = (idx + 1) % len(p.credentials)
	}
	internal.LogWarn("Credential %s rate limited, cooling down for %v", c.ID, d)
}

// Rotate moves the cursor past c without blocking it, so the next Acquire
// starts from a different credential
func (p *CredentialPool) Rotate(c *internal.Credential) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if idx := p.indexLocked(c); idx >= 0 && p.cursor == idx {
		p.cursor = (idx + 1) % len(p.credentials)
	}
}

// Status returns a secret-free snapshot of every credential
func (p *CredentialPool) Status() []internal.CredentialStatus {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := p.now()
	status := make([]internal.CredentialStatus, 0, len(p.credentials))
	for _, c := range p.credentials {
		status = append(status, internal.CredentialStatus{
			ID:           c.ID,
			LastUsedAt:   c.LastUsedAt,
			BlockedUntil: c.BlockedUntil,
			Blocked:      now.Before(c.BlockedUntil),
		})
	}
	return status
}

func (p *CredentialPool) clearExpired() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := p.now()
	for _, c := range p.credentials {
		if !c.BlockedUntil.IsZero() && !now.Before(c.BlockedUntil) {
			c.BlockedUntil = time.Time{}
		}
	}
}

func (p *CredentialPool) indexLocked(c *internal.Credential) int {
	if c == nil {
		return -1
	}
	for i, pooled := range p.credentials {
		if pooled.ID == c.ID {
			return i
		}
	}
	return -1
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
