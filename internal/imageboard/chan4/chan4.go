// Package chan4 adapts the 4chan-shaped JSON thread API to the
// imageboard.Adapter capability set (spec.md §4.F). It is the only
// adapter that supports a tail endpoint.
package chan4

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kpnc/server/internal/descriptor"
	"github.com/kpnc/server/internal/imageboard"
)

const siteName = "4chan"

var urlPattern = regexp.MustCompile(`^https?://boards\.4chan\.org/([a-zA-Z0-9]+)/thread/(\d+)(?:/[^/]*)?(?:#p(\d+))?$`)

// quoteRegex matches the anchor markup 4chan emits for a `>>N` quote
// inside a post's comment HTML: the `>` characters are HTML-escaped
// and the number sits inside a `class="quotelink"` anchor.
var quoteRegex = regexp.MustCompile(`class="quotelink">&gt;&gt;(\d+)</a>`)

const defaultAPIBase = "https://a.4cdn.org"

// Adapter implements imageboard.Adapter for 4chan.
type Adapter struct {
	allowlist []string
	apiBase   string
}

// Option configures an Adapter at construction time.
type Option func(*Adapter)

// WithAPIBase overrides the JSON API host, e.g. to point at a test
// server instead of a.4cdn.org.
func WithAPIBase(base string) Option {
	return func(a *Adapter) { a.apiBase = base }
}

// New constructs the 4chan adapter, restricted to the supplied board
// allowlist (SPEC_FULL.md's restored per-site board validation).
func New(allowlist []string, opts ...Option) *Adapter {
	a := &Adapter{allowlist: allowlist, apiBase: defaultAPIBase}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return siteName }

func (a *Adapter) Matches(sd descriptor.SiteDescriptor) bool {
	return sd.Equal(descriptor.NewSiteDescriptor(siteName))
}

func (a *Adapter) URLMatches(url string) bool {
	return urlPattern.MatchString(url)
}

func (a *Adapter) BoardAllowlist() []string { return a.allowlist }

func (a *Adapter) boardAllowed(board string) bool {
	for _, b := range a.allowlist {
		if strings.EqualFold(b, board) {
			return true
		}
	}
	return false
}

func (a *Adapter) PostURLToDescriptor(url string) (descriptor.PostDescriptor, error) {
	m := urlPattern.FindStringSubmatch(url)
	if m == nil {
		return descriptor.PostDescriptor{}, fmt.Errorf("chan4: url does not match a thread URL: %q", url)
	}
	board := m[1]
	if !a.boardAllowed(board) {
		return descriptor.PostDescriptor{}, fmt.Errorf("chan4: board %q is not on the allowlist", board)
	}
	threadNo, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return descriptor.PostDescriptor{}, fmt.Errorf("chan4: bad thread number in %q: %w", url, err)
	}
	postNo := threadNo
	if m[3] != "" {
		postNo, err = strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return descriptor.PostDescriptor{}, fmt.Errorf("chan4: bad post number in %q: %w", url, err)
		}
	}
	td := descriptor.NewThreadDescriptor(
		descriptor.NewCatalogDescriptor(descriptor.NewSiteDescriptor(siteName), board), threadNo)
	return descriptor.NewPostDescriptor(td, postNo, 0), nil
}

func (a *Adapter) DescriptorToURL(pd descriptor.PostDescriptor) string {
	if pd.PostNo == pd.ThreadNo() {
		return fmt.Sprintf("https://boards.4chan.org/%s/thread/%d", pd.Board(), pd.ThreadNo())
	}
	return fmt.Sprintf("https://boards.4chan.org/%s/thread/%d#p%d", pd.Board(), pd.ThreadNo(), pd.PostNo)
}

func (a *Adapter) ThreadJSONEndpoint(td descriptor.ThreadDescriptor, lastProcessedPost *descriptor.PostDescriptor) string {
	if url, ok := a.resolveTail(td, lastProcessedPost); ok {
		return url
	}
	url, _ := a.resolveFull(td, nil)
	return url
}

func (a *Adapter) QuoteRegex() *regexp.Regexp { return quoteRegex }

func (a *Adapter) LoadThread(ctx context.Context, client *http.Client, td descriptor.ThreadDescriptor, lastProcessedPost *descriptor.PostDescriptor, lastModifiedLocal *time.Time) (imageboard.ThreadLoadResult, error) {
	return imageboard.LoadThread(ctx, client, td, lastProcessedPost, lastModifiedLocal,
		a.resolveFull, a.resolveTail, a.parseFull, a.parseTail)
}

func (a *Adapter) resolveFull(td descriptor.ThreadDescriptor, _ *descriptor.PostDescriptor) (string, bool) {
	return fmt.Sprintf("%s/%s/thread/%d.json", a.apiBase, td.Board(), td.ThreadNo), true
}

func (a *Adapter) resolveTail(td descriptor.ThreadDescriptor, lastProcessedPost *descriptor.PostDescriptor) (string, bool) {
	if lastProcessedPost == nil {
		return "", false
	}
	return fmt.Sprintf("%s/%s/thread/%d-tail.json", a.apiBase, td.Board(), td.ThreadNo), true
}

// wirePost mirrors the 4chan API's post object, trimmed to the fields
// this service cares about.
type wirePost struct {
	No      uint64 `json:"no"`
	Resto   uint64 `json:"resto"`
	Com     string `json:"com"`
	Closed  int    `json:"closed"`
	Archived int   `json:"archived"`
}

type fullThread struct {
	Posts []wirePost `json:"posts"`
}

func (a *Adapter) parseFull(body []byte) (*imageboard.ParsedThread, error) {
	var wire fullThread
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("chan4: decode full thread: %w", err)
	}
	if len(wire.Posts) == 0 {
		return nil, fmt.Errorf("chan4: full thread has no posts")
	}
	op := wire.Posts[0]
	thread := &imageboard.ParsedThread{
		Closed:   op.Closed != 0,
		Archived: op.Archived != 0,
	}
	for _, p := range wire.Posts {
		thread.Posts = append(thread.Posts, imageboard.Post{PostNo: p.No, HTML: p.Com})
	}
	return thread, nil
}

// tailThread mirrors the TailInfo-then-TailPost shape spec.md §4.F
// describes: a header pseudo-post carrying tail_id, followed by the
// window's actual posts.
type tailThread struct {
	TailInfo *struct {
		TailID uint64 `json:"tail_id"`
	} `json:"tail_info"`
	TailPosts []wirePost `json:"tail_posts"`
}

func (a *Adapter) parseTail(body []byte, lastProcessedPost *descriptor.PostDescriptor) (*imageboard.ParsedThread, error) {
	var wire tailThread
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("chan4: decode tail thread: %w", err)
	}
	if wire.TailInfo == nil {
		return nil, fmt.Errorf("chan4: tail response missing tail_info header")
	}
	if lastProcessedPost.PostNo < wire.TailInfo.TailID {
		return nil, imageboard.ErrPartialParseFailed
	}
	thread := &imageboard.ParsedThread{}
	for _, p := range wire.TailPosts {
		thread.Posts = append(thread.Posts, imageboard.Post{PostNo: p.No, HTML: p.Com})
	}
	return thread, nil
}
