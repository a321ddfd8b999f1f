package internal

import (
	"time"
)

// ChapterStatus is the publication state of a chapter
type ChapterStatus string

const (
	StatusDraft       ChapterStatus = "DRAFT"
	StatusUnderReview ChapterStatus = "UNDER_REVIEW"
	StatusPublished   ChapterStatus = "PUBLISHED"
)

// BodyFormat describes how a chapter body is authored
type BodyFormat string

const (
	FormatHTML     BodyFormat = "html"
	FormatMarkdown BodyFormat = "markdown"
)

// Credential is one upstream key pair for the storage gateway
type Credential struct {
	ID           string    `toml:"id" json:"id"`
	APIKey       string    `toml:"api_key" json:"-"`
	APISecret    string    `toml:"api_secret" json:"-"`
	LastUsedAt   time.Time `toml:"-" json:"last_used_at,omitempty"`
	BlockedUntil time.Time `toml:"-" json:"blocked_until,omitempty"`
}

// CredentialStatus is a secret-free snapshot of a pooled credential
type CredentialStatus struct {
	ID           string    `json:"id"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
	Blocked      bool      `json:"blocked"`
}

// Illustration is an image attached to a chapter
type Illustration struct {
	ID             string `json:"id"`
	ChapterID      string `json:"chapter_id"`
	LocalPath      string `json:"local_path"`
	FileName       string `json:"file_name"`
	ContentAddress string `json:"content_address,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Addressed reports whether the illustration has been durably uploaded
func (i Illustration) Addressed() bool {
	return i.ContentAddress != ""
}

// Chapter is the state-relevant subset of a chapter record
type Chapter struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Format         BodyFormat     `json:"format"`
	Status         ChapterStatus  `json:"status"`
	ContentAddress string         `json:"content_address,omitempty"`
	Illustrations  []Illustration `json:"illustrations,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RewriteResult summarises one publish rewrite
type RewriteResult struct {
	ChapterID      string `json:"chapter_id"`
	ContentAddress string `json:"content_address"`
	UploadedCount  int    `json:"uploaded_count"`
	FailedCount    int    `json:"failed_count"`
	SkippedCount   int    `json:"skipped_count"`
	StrippedCount  int    `json:"stripped_count"`
}

// Content is a payload retrieved from the gateway
type Content struct {
	Data        []byte
	ContentType string
	Binary      bool
}

// Text returns the payload as a string
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	return string(c.Data)
}

// UploadResponse is the pinning API reply
type UploadResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}
