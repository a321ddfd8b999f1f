package utils

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"taleforge/internal"
)

var (
	cidV0Pattern = regexp.MustCompile(`^Qm[1-9A-HJ-NP-Za-km-z]{44}$`)
	cidV1Pattern = regexp.MustCompile(`^b[a-z2-7]{58,}$`)
)

// ParseAddress extracts a content address from a bare CID, an ipfs:// URI or a
// gateway URL of the form https://<host>/ipfs/<cid>[/...]
func ParseAddress(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", internal.NewValidationError("address", "cannot be empty")
	}

	candidate := input
	switch {
	case strings.HasPrefix(input, "ipfs://"):
		candidate = strings.TrimPrefix(input, "ipfs://")
	case strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://"):
		parsed, err := url.Parse(input)
		if err != nil {
			return "", internal.NewValidationErrorWithValue("address", "invalid gateway URL", input)
		}
		rest, ok := strings.CutPrefix(parsed.Path, "/ipfs/")
		if !ok {
			return "", internal.NewValidationErrorWithValue("address", "gateway URL must contain /ipfs/<address>", input).
				WithSuggestion("Use https://gateway.pinata.cloud/ipfs/<address> or the bare address")
		}
		candidate = rest
	}
	if idx := strings.IndexByte(candidate, '/'); idx != -1 {
		candidate = candidate[:idx]
	}

	if !IsContentAddress(candidate) {
		return "", internal.NewValidationErrorWithValue("address", "not a content address", candidate).
			WithSuggestion("Addresses look like Qm... (CIDv0) or bafy... (CIDv1)")
	}
	return candidate, nil
}

// IsContentAddress reports whether s looks like a CIDv0 or base32 CIDv1
func IsContentAddress(s string) bool {
	return cidV0Pattern.MatchString(s) || cidV1Pattern.MatchString(s)
}

// GatewayURL formats the public read URL for address. A host given with an
// explicit scheme (e.g. a local http gateway) keeps it.
func GatewayURL(host, address string) string {
	host = strings.TrimSuffix(host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return fmt.Sprintf("%s/ipfs/%s", host, address)
}

// LocalReferences maps chapter image references under a local upload origin to
// files in the upload directory
type LocalReferences struct {
	Origin    string
	UploadDir string
	pattern   *regexp.Regexp
}

// NewLocalReferences creates a resolver for references starting with origin
func NewLocalReferences(origin, uploadDir string) *LocalReferences {
	if !strings.HasSuffix(origin, "/") {
		origin += "/"
	}
	return &LocalReferences{
		Origin:    origin,
		UploadDir: uploadDir,
		pattern:   regexp.MustCompile(regexp.QuoteMeta(origin) + `[^\s"'()<>]*`),
	}
}

// Decode percent-decodes ref, returning it unchanged when it is not valid escaping
func Decode(ref string) string {
	decoded, err := url.PathUnescape(ref)
	if err != nil {
		return ref
	}
	return decoded
}

// Resolve returns the on-disk path for a stored reference. References outside the
// origin fall back to fileName.
func (l *LocalReferences) Resolve(ref, fileName string) string {
	name := ""
	if rest, ok := strings.CutPrefix(ref, l.Origin); ok {
		name = Decode(rest)
	} else if rest, ok := strings.CutPrefix(Decode(ref), Decode(l.Origin)); ok {
		name = rest
	}
	if name == "" {
		name = fileName
	}
	if name == "" {
		return ""
	}

	clean := path.Clean("/" + filepath.ToSlash(name))
	return filepath.Join(l.UploadDir, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
}

// Find returns every reference to the local origin in body, in order of appearance
func (l *LocalReferences) Find(body string) []string {
	return l.pattern.FindAllString(body, -1)
}

// Contains reports whether body still references the local origin
func (l *LocalReferences) Contains(body string) bool {
	return l.pattern.MatchString(body)
}

// ReplaceAll replaces every local reference in body with fn(reference)
func (l *LocalReferences) ReplaceAll(body string, fn func(ref string) string) string {
	return l.pattern.ReplaceAllStringFunc(body, fn)
}
