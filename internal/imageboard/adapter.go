// Package imageboard defines the capability interface every supported
// site implements (spec.md §4.F) and the insertion-ordered registry
// that the thread watcher and HTTP layer resolve adapters from.
package imageboard

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/kpnc/server/internal/descriptor"
)

// Post is one post inside a parsed thread, as handed back by an
// adapter's parser.
type Post struct {
	PostNo    uint64
	PostSubNo uint64
	HTML      string // comment body, quote_regex is run against this
}

// ParsedThread is the adapter-agnostic result of parsing a thread's
// JSON body.
type ParsedThread struct {
	Posts    []Post
	Closed   bool
	Archived bool
}

// FoundPostReply is one quote-match discovered by the thread watcher's
// regex pass over a ParsedThread (spec.md §4.G step b).
type FoundPostReply struct {
	Origin    descriptor.PostDescriptor
	RepliesTo descriptor.PostDescriptor
}

// Adapter is the per-site capability set (spec.md §4.F).
type Adapter interface {
	// Name returns the stable site key, e.g. "4chan".
	Name() string
	// Matches reports whether sd names this adapter's site.
	Matches(sd descriptor.SiteDescriptor) bool
	// URLMatches reports whether url looks like a thread URL on this site.
	URLMatches(url string) bool
	// PostURLToDescriptor parses a user-supplied thread/post URL.
	PostURLToDescriptor(url string) (descriptor.PostDescriptor, error)
	// DescriptorToURL renders pd back into a user-facing URL, the
	// round-trip inverse of PostURLToDescriptor.
	DescriptorToURL(pd descriptor.PostDescriptor) string
	// ThreadJSONEndpoint resolves the JSON endpoint for td. When
	// lastProcessedPost is non-nil and the site supports a tail
	// endpoint, the tail variant is returned instead of the full one.
	ThreadJSONEndpoint(td descriptor.ThreadDescriptor, lastProcessedPost *descriptor.PostDescriptor) string
	// QuoteRegex returns the adapter's compiled-once quote pattern.
	QuoteRegex() *regexp.Regexp
	// LoadThread executes the full load protocol (spec.md §4.F "Load
	// protocol") against client and returns the resulting variant.
	LoadThread(ctx context.Context, client *http.Client, td descriptor.ThreadDescriptor, lastProcessedPost *descriptor.PostDescriptor, lastModifiedLocal *time.Time) (ThreadLoadResult, error)
	// BoardAllowlist returns the boards this adapter accepts
	// (supplementing spec.md §4.F per SPEC_FULL.md's restored
	// per-site board validation).
	BoardAllowlist() []string
}
