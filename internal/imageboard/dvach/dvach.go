// Package dvach adapts a 2ch.hk-shaped JSON thread API to the
// imageboard.Adapter capability set (spec.md §4.F). Unlike chan4, this
// site has no tail endpoint: every load is a full reload.
package dvach

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

const siteName = "dvach"

var urlPattern = regexp.MustCompile(`^https?://2ch\.hk/([a-zA-Z0-9]+)/res/(\d+)\.html(?:#(\d+))?$`)

// quoteRegex matches the post-reply-link anchor markup 2ch.hk emits
// for a `>>N` quote inside a post's comment HTML: three literal `>`
// characters (unlike chan4's HTML-escaped `&gt;&gt;`) followed by the
// quoted post number and the anchor's closing tag.
var quoteRegex = regexp.MustCompile(`>>>(\d+)\s*</a>`)

const defaultAPIBase = "https://2ch.hk"

// Adapter implements imageboard.Adapter for 2ch.hk.
type Adapter struct {
	allowlist []string
	apiBase   string
}

// Option configures an Adapter at construction time.
type Option func(*Adapter)

// WithAPIBase overrides the JSON API host, e.g. to point at a test
// server instead of 2ch.hk.
func WithAPIBase(base string) Option {
	return func(a *Adapter) { a.apiBase = base }
}

// New constructs the dvach adapter restricted to allowlist.
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
		return descriptor.PostDescriptor{}, fmt.Errorf("dvach: url does not match a thread URL: %q", url)
	}
	board := m[1]
	if !a.boardAllowed(board) {
		return descriptor.PostDescriptor{}, fmt.Errorf("dvach: board %q is not on the allowlist", board)
	}
	threadNo, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return descriptor.PostDescriptor{}, fmt.Errorf("dvach: bad thread number in %q: %w", url, err)
	}
	postNo := threadNo
	if m[3] != "" {
		postNo, err = strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return descriptor.PostDescriptor{}, fmt.Errorf("dvach: bad post number in %q: %w", url, err)
		}
	}
	td := descriptor.NewThreadDescriptor(
		descriptor.NewCatalogDescriptor(descriptor.NewSiteDescriptor(siteName), board), threadNo)
	return descriptor.NewPostDescriptor(td, postNo, 0), nil
}

func (a *Adapter) DescriptorToURL(pd descriptor.PostDescriptor) string {
	if pd.PostNo == pd.ThreadNo() {
		return fmt.Sprintf("https://2ch.hk/%s/res/%d.html", pd.Board(), pd.ThreadNo())
	}
	return fmt.Sprintf("https://2ch.hk/%s/res/%d.html#%d", pd.Board(), pd.ThreadNo(), pd.PostNo)
}

func (a *Adapter) ThreadJSONEndpoint(td descriptor.ThreadDescriptor, _ *descriptor.PostDescriptor) string {
	url, _ := a.resolveFull(td, nil)
	return url
}

func (a *Adapter) QuoteRegex() *regexp.Regexp { return quoteRegex }

func (a *Adapter) LoadThread(ctx context.Context, client *http.Client, td descriptor.ThreadDescriptor, lastProcessedPost *descriptor.PostDescriptor, lastModifiedLocal *time.Time) (imageboard.ThreadLoadResult, error) {
	return imageboard.LoadThread(ctx, client, td, lastProcessedPost, lastModifiedLocal,
		a.resolveFull, a.noTail, a.parseFull, a.noTailParse)
}

func (a *Adapter) resolveFull(td descriptor.ThreadDescriptor, _ *descriptor.PostDescriptor) (string, bool) {
	return fmt.Sprintf("%s/%s/res/%d.json", a.apiBase, td.Board(), td.ThreadNo), true
}

func (a *Adapter) noTail(descriptor.ThreadDescriptor, *descriptor.PostDescriptor) (string, bool) {
	return "", false
}

func (a *Adapter) noTailParse([]byte, *descriptor.PostDescriptor) (*imageboard.ParsedThread, error) {
	return nil, fmt.Errorf("dvach: tail loading is not supported")
}

// wirePost mirrors the 2ch.hk API's post object, trimmed to the
// fields this service cares about. num/op are numeric on the wire, not
// strings.
type wirePost struct {
	Num     uint64 `json:"num"`
	Op      uint64 `json:"op"`
	Comment string `json:"comment"`
	Closed  int    `json:"closed"`
}

// wireThread is one element of the top-level "threads" array; 2ch.hk
// nests posts one level deeper than chan4 does.
type wireThread struct {
	Posts []wirePost `json:"posts"`
}

type wireThreads struct {
	Threads []wireThread `json:"threads"`
}

func (a *Adapter) parseFull(body []byte) (*imageboard.ParsedThread, error) {
	var wire wireThreads
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("dvach: decode thread: %w", err)
	}
	if len(wire.Threads) == 0 || len(wire.Threads[0].Posts) == 0 {
		return nil, fmt.Errorf("dvach: thread has no posts")
	}
	posts := wire.Threads[0].Posts
	op := posts[0]
	thread := &imageboard.ParsedThread{
		Closed:   op.Closed != 0,
		Archived: false,
	}
	for _, p := range posts {
		thread.Posts = append(thread.Posts, imageboard.Post{PostNo: p.Num, HTML: p.Comment})
	}
	return thread, nil
}
