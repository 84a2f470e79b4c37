// Package descriptor defines the canonical identity of a post on a
// supported imageboard: site, board, thread and post/sub-post number.
// These are pure value types with no I/O and no failure modes.
package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCase = cases.Fold()

// SiteDescriptor identifies a supported imageboard by name.
// Equality is case-insensitive and Unicode-normalized.
type SiteDescriptor struct {
	siteName string
}

// NewSiteDescriptor constructs a SiteDescriptor from a site key (e.g. "4chan").
func NewSiteDescriptor(siteName string) SiteDescriptor {
	return SiteDescriptor{siteName: siteName}
}

// SiteName returns the original, un-normalized site name.
func (s SiteDescriptor) SiteName() string { return s.siteName }

// foldedSiteName returns the normalized form used for equality/ordering.
func (s SiteDescriptor) foldedSiteName() string {
	return foldCase.String(norm.NFC.String(s.siteName))
}

// Equal reports whether two site descriptors refer to the same site,
// comparing case- and normalization-insensitively.
func (s SiteDescriptor) Equal(other SiteDescriptor) bool {
	return s.foldedSiteName() == other.foldedSiteName()
}

func (s SiteDescriptor) String() string { return s.siteName }

// CatalogDescriptor identifies a board on a site.
type CatalogDescriptor struct {
	Site      SiteDescriptor
	BoardCode string
}

// NewCatalogDescriptor constructs a CatalogDescriptor.
func NewCatalogDescriptor(site SiteDescriptor, boardCode string) CatalogDescriptor {
	return CatalogDescriptor{Site: site, BoardCode: boardCode}
}

func (c CatalogDescriptor) Equal(other CatalogDescriptor) bool {
	return c.Site.Equal(other.Site) && c.BoardCode == other.BoardCode
}

func (c CatalogDescriptor) String() string {
	return fmt.Sprintf("%s/%s", c.Site, c.BoardCode)
}

// ThreadDescriptor identifies a thread within a board.
type ThreadDescriptor struct {
	Catalog  CatalogDescriptor
	ThreadNo uint64
}

// NewThreadDescriptor constructs a ThreadDescriptor.
func NewThreadDescriptor(catalog CatalogDescriptor, threadNo uint64) ThreadDescriptor {
	return ThreadDescriptor{Catalog: catalog, ThreadNo: threadNo}
}

func (t ThreadDescriptor) Site() SiteDescriptor   { return t.Catalog.Site }
func (t ThreadDescriptor) Board() string          { return t.Catalog.BoardCode }

func (t ThreadDescriptor) Equal(other ThreadDescriptor) bool {
	return t.Catalog.Equal(other.Catalog) && t.ThreadNo == other.ThreadNo
}

func (t ThreadDescriptor) String() string {
	return fmt.Sprintf("%s/%d", t.Catalog, t.ThreadNo)
}

// PostDescriptor identifies a single post (or sub-post) within a thread.
//
// PostSubNo distinguishes multiple posts authored under the same post
// number on sites that support multi-posts; it is 0 on sites that don't.
type PostDescriptor struct {
	Thread    ThreadDescriptor
	PostNo    uint64
	PostSubNo uint64
}

// NewPostDescriptor constructs a PostDescriptor.
func NewPostDescriptor(thread ThreadDescriptor, postNo, postSubNo uint64) PostDescriptor {
	return PostDescriptor{Thread: thread, PostNo: postNo, PostSubNo: postSubNo}
}

func (p PostDescriptor) Site() SiteDescriptor     { return p.Thread.Site() }
func (p PostDescriptor) Board() string            { return p.Thread.Board() }
func (p PostDescriptor) ThreadNo() uint64         { return p.Thread.ThreadNo }

// Equal reports whether two descriptors refer to the same post: all
// five fields (site, board, thread, post, sub) must match.
func (p PostDescriptor) Equal(other PostDescriptor) bool {
	return p.Thread.Equal(other.Thread) &&
		p.PostNo == other.PostNo &&
		p.PostSubNo == other.PostSubNo
}

// Compare implements the canonical total order: lexicographic on
// site_name, board_code, thread_no, post_no, post_sub_no.
// Returns -1, 0 or 1.
func (p PostDescriptor) Compare(other PostDescriptor) int {
	if c := strings.Compare(p.Site().foldedSiteName(), other.Site().foldedSiteName()); c != 0 {
		return sign(c)
	}
	if c := strings.Compare(p.Board(), other.Board()); c != 0 {
		return sign(c)
	}
	if c := cmpUint64(p.ThreadNo(), other.ThreadNo()); c != 0 {
		return c
	}
	if c := cmpUint64(p.PostNo, other.PostNo); c != 0 {
		return c
	}
	return cmpUint64(p.PostSubNo, other.PostSubNo)
}

// Less reports whether p sorts strictly before other.
func (p PostDescriptor) Less(other PostDescriptor) bool {
	return p.Compare(other) < 0
}

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String returns the canonical "site/board/thread/post/sub" display form.
func (p PostDescriptor) String() string {
	return fmt.Sprintf("%s/%s/%d/%d/%d", p.Site(), p.Board(), p.ThreadNo(), p.PostNo, p.PostSubNo)
}

// URLSafe returns a path-segment-safe form suitable for round-tripping
// through adapter descriptor<->URL conversion, e.g. "4chan-a-1-2-0".
func (p PostDescriptor) URLSafe() string {
	return strings.Join([]string{
		foldCase.String(norm.NFC.String(p.Site().SiteName())),
		p.Board(),
		strconv.FormatUint(p.ThreadNo(), 10),
		strconv.FormatUint(p.PostNo, 10),
		strconv.FormatUint(p.PostSubNo, 10),
	}, "-")
}

// Max returns the later of two descriptors in canonical order.
func Max(a, b PostDescriptor) PostDescriptor {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}
