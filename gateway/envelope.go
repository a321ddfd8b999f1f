package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime"
	"strings"
	"time"

	"taleforge/internal"
)

const (
	envelopeVersion = "1.0"
	encodingBase64  = "base64"
)

// Envelope wraps text and JSON payloads before upload
type Envelope struct {
	Content     json.RawMessage `json:"content"`
	Encoding    string          `json:"encoding,omitempty"`
	Description string          `json:"description,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Version     string          `json:"version,omitempty"`
}

func newEnvelope(content json.RawMessage, encoding string, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{
		Content:   content,
		Encoding:  encoding,
		Timestamp: now.UnixMilli(),
		Version:   envelopeVersion,
	})
}

// EncodeText wraps text as a JSON string
func EncodeText(text string, now time.Time) ([]byte, error) {
	content, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	return newEnvelope(content, "", now)
}

// EncodeBytes wraps data as base64 text
func EncodeBytes(data []byte, now time.Time) ([]byte, error) {
	content, err := json.Marshal(base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return nil, err
	}
	return newEnvelope(content, encodingBase64, now)
}

// EncodeJSON embeds v as a JSON value
func EncodeJSON(v any, now time.Time) ([]byte, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return newEnvelope(content, "", now)
}

// ClassifyContent interprets a gateway response body by its content type.
// Images and octet streams are returned raw; anything else is unwrapped from
// the envelope, falling back to the raw text when it is not one.
func ClassifyContent(contentType string, body []byte) *internal.Content {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	if strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream" {
		return &internal.Content{Data: body, ContentType: mediaType, Binary: true}
	}

	raw := &internal.Content{Data: body, ContentType: mediaType}

	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return raw
	}
	content := bytes.TrimSpace(envelope.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return raw
	}

	if content[0] != '"' {
		return &internal.Content{Data: content, ContentType: "application/json"}
	}

	var text string
	if err := json.Unmarshal(content, &text); err != nil {
		return raw
	}
	if envelope.Encoding == encodingBase64 {
		decoded, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return raw
		}
		return &internal.Content{Data: decoded, ContentType: "application/octet-stream", Binary: true}
	}
	return &internal.Content{Data: []byte(text), ContentType: "text/plain"}
}
