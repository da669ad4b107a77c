package filter

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mailsheet/model"
)

// SupportedExtensions lists the attachment formats the decoder understands.
var SupportedExtensions = []string{"csv", "xlsx", "xls"}

// DefaultMaxAttachmentBytes mirrors the historical 25 MiB mail attachment cap.
const DefaultMaxAttachmentBytes = 25 * 1024 * 1024

// Options captures the filtering configuration.
type Options struct {
	Senders            []string
	SubjectContains    string
	Extensions         []string
	MaxAttachmentBytes int64
}

// Filter decides which messages qualify and which attachment within a
// message is the candidate.
type Filter struct {
	senders    []string
	subject    string
	extensions map[string]struct{}
	maxBytes   int64
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = SupportedExtensions
	}

	extensions := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" {
			continue
		}
		if !isSupported(ext) {
			return nil, fmt.Errorf("extension %q is not supported (want one of %s)", ext, strings.Join(SupportedExtensions, ", "))
		}
		extensions[ext] = struct{}{}
	}
	if len(extensions) == 0 {
		return nil, fmt.Errorf("no attachment extensions configured")
	}

	maxBytes := opts.MaxAttachmentBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAttachmentBytes
	}

	return &Filter{
		senders:    normalize(opts.Senders),
		subject:    strings.ToLower(strings.TrimSpace(opts.SubjectContains)),
		extensions: extensions,
		maxBytes:   maxBytes,
	}, nil
}

// FromCriteria builds a Filter for one run, keeping the receiver's attachment policy.
func (f *Filter) FromCriteria(c model.Criteria) *Filter {
	return &Filter{
		senders:    normalize(c.Senders),
		subject:    strings.ToLower(strings.TrimSpace(c.SubjectContains)),
		extensions: f.extensions,
		maxBytes:   f.maxBytes,
	}
}

// Senders returns the normalized sender substrings.
func (f *Filter) Senders() []string {
	return append([]string(nil), f.senders...)
}

// SubjectContains returns the lowercased subject substring, or "".
func (f *Filter) SubjectContains() string {
	return f.subject
}

// HasSenders reports whether a sender filter is active.
func (f *Filter) HasSenders() bool {
	return len(f.senders) > 0
}

// MatchesSender reports whether from contains any configured sender.
// Without a sender filter every message matches.
func (f *Filter) MatchesSender(from string) bool {
	if len(f.senders) == 0 {
		return true
	}
	from = strings.ToLower(from)
	for _, s := range f.senders {
		if strings.Contains(from, s) {
			return true
		}
	}
	return false
}

// MatchesSubject reports whether subject contains the configured substring.
func (f *Filter) MatchesSubject(subject string) bool {
	if f.subject == "" {
		return true
	}
	return strings.Contains(strings.ToLower(subject), f.subject)
}

// Matches returns true if the message passes both sender and subject criteria.
func (f *Filter) Matches(from, subject string) bool {
	return f.MatchesSender(from) && f.MatchesSubject(subject)
}

// AllowsFilename reports whether the filename extension is in the supported set.
func (f *Filter) AllowsFilename(name string) bool {
	_, ok := f.extensions[Extension(name)]
	return ok
}

// MaxAttachmentBytes is the largest attachment that will be returned.
func (f *Filter) MaxAttachmentBytes() int64 {
	return f.maxBytes
}

// Extension returns the lower-case extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(strings.TrimSpace(name)), "."))
}

func isSupported(ext string) bool {
	for _, s := range SupportedExtensions {
		if s == ext {
			return true
		}
	}
	return false
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
