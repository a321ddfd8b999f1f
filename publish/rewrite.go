package publish

import (
	"regexp"
	"sort"
	"strings"

	"taleforge/utils"
)

// rewriter replaces local upload references in a chapter body
type rewriter struct {
	refs   *utils.LocalReferences
	urlFor func(address string) string
}

// Rewrite replaces every reference found in mapping (reference -> content
// address) with its gateway URL and returns the new body and the number of
// replacements. References are matched literally first, then by their
// percent-decoded form.
func (r *rewriter) Rewrite(body string, mapping map[string]string) (string, int) {
	if len(mapping) == 0 {
		return body, 0
	}

	decoded := make(map[string]string, len(mapping))
	for ref, address := range mapping {
		decoded[utils.Decode(ref)] = address
	}

	replaced := 0
	body = r.refs.ReplaceAll(body, func(ref string) string {
		address, ok := mapping[ref]
		if !ok {
			address, ok = decoded[utils.Decode(ref)]
		}
		if !ok {
			return ref
		}
		replaced++
		return r.urlFor(address)
	})

	// Decoded references may contain characters the reference scanner stops at
	// (e.g. spaces), so fall back to bounded substring replacement, longest first.
	// A match must end at a delimiter, so a mapped path never swallows the
	// prefix of a longer, unmapped reference.
	for _, ref := range longestFirst(mapping) {
		url := r.urlFor(mapping[ref])
		for _, form := range referenceForms(ref) {
			pattern := boundedReference(form)
			n := len(pattern.FindAllStringIndex(body, -1))
			if n == 0 {
				continue
			}
			body = pattern.ReplaceAllString(body, strings.ReplaceAll(url, "$", "$$")+"${1}")
			replaced += n
		}
	}

	return body, replaced
}

// boundedReference matches ref followed by a reference delimiter or the end of
// the body. The delimiter is captured so replacements can keep it.
func boundedReference(ref string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(ref) + `([\s"'()<>\]]|$)`)
}

// Strip removes the image tags (HTML <img> and markdown ![..](..)) that point
// at refs and returns the new body and the number of tags removed
func (r *rewriter) Strip(body string, refs []string) (string, int) {
	stripped := 0
	for _, ref := range refs {
		forms := referenceForms(ref)
		target := utils.Decode(ref)
		for _, found := range r.refs.Find(body) {
			if found != ref && utils.Decode(found) == target {
				forms = append(forms, found)
			}
		}

		for _, form := range forms {
			for _, pattern := range imageTagPatterns(form) {
				matches := pattern.FindAllStringIndex(body, -1)
				if len(matches) == 0 {
					continue
				}
				stripped += len(matches)
				body = pattern.ReplaceAllString(body, "")
			}
		}
	}
	return body, stripped
}

func imageTagPatterns(ref string) []*regexp.Regexp {
	quoted := regexp.QuoteMeta(ref)
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)<img\b[^>]*\bsrc\s*=\s*["']` + quoted + `["'][^>]*>`),
		regexp.MustCompile(`!\[[^\]]*\]\(\s*<?` + quoted + `>?(?:\s+"[^"]*")?\s*\)`),
	}
}

// referenceForms returns ref and, when different, its decoded form
func referenceForms(ref string) []string {
	forms := []string{ref}
	if decoded := utils.Decode(ref); decoded != ref {
		forms = append(forms, decoded)
	}
	return forms
}

func longestFirst(mapping map[string]string) []string {
	refs := make([]string, 0, len(mapping))
	for ref := range mapping {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if len(refs[i]) != len(refs[j]) {
			return len(refs[i]) > len(refs[j])
		}
		return refs[i] < refs[j]
	})
	return refs
}
