package internal

import (
	"context"
	"io"
)

// Gateway stores and retrieves content-addressed payloads
type Gateway interface {
	UploadText(ctx context.Context, text string) (string, error)
	UploadBinary(ctx context.Context, name string, r io.Reader) (string, error)
	Download(ctx context.Context, address string) (*Content, error)
	URLFor(address string) string
}

// ChapterRepository loads chapters and runs transactional publish updates
type ChapterRepository interface {
	LoadChapterWithIllustrations(ctx context.Context, chapterID string) (*Chapter, error)
	RunInTx(ctx context.Context, fn func(tx ChapterTx) error) error
}

// ChapterTx is the set of writes the publish pipeline performs atomically
type ChapterTx interface {
	PersistIllustrationAddress(ctx context.Context, illustrationID, address string) error
	ListIllustrations(ctx context.Context, chapterID string) ([]Illustration, error)
	UpdateChapterStatus(ctx context.Context, chapterID string, status ChapterStatus, contentAddress, body string) error
}

// ProgressReporter receives per-item progress ticks
type ProgressReporter interface {
	Start(total int, label string)
	Increment()
	Finish()
}

// RateLimiter throttles byte streams
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(bytesPerSecond int64)
}
