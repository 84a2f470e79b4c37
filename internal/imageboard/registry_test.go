package imageboard

import (
	"context"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpnc/server/internal/descriptor"
)

type stubAdapter struct {
	name       string
	urlPrefix  string
}

func (s stubAdapter) Name() string { return s.name }
func (s stubAdapter) Matches(sd descriptor.SiteDescriptor) bool {
	return sd.Equal(descriptor.NewSiteDescriptor(s.name))
}
func (s stubAdapter) URLMatches(url string) bool { return len(url) >= len(s.urlPrefix) && url[:len(s.urlPrefix)] == s.urlPrefix }
func (s stubAdapter) PostURLToDescriptor(url string) (descriptor.PostDescriptor, error) {
	return descriptor.PostDescriptor{}, nil
}
func (s stubAdapter) DescriptorToURL(pd descriptor.PostDescriptor) string { return "" }
func (s stubAdapter) ThreadJSONEndpoint(td descriptor.ThreadDescriptor, lastProcessedPost *descriptor.PostDescriptor) string {
	return ""
}
func (s stubAdapter) QuoteRegex() *regexp.Regexp { return regexp.MustCompile(`>>(\d+)`) }
func (s stubAdapter) LoadThread(ctx context.Context, client *http.Client, td descriptor.ThreadDescriptor, lastProcessedPost *descriptor.PostDescriptor, lastModifiedLocal *time.Time) (ThreadLoadResult, error) {
	return ThreadLoadResult{}, nil
}
func (s stubAdapter) BoardAllowlist() []string { return nil }

func TestRegistryForSiteAndForURLInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	a := stubAdapter{name: "4chan", urlPrefix: "https://boards.4chan.org"}
	b := stubAdapter{name: "dvach", urlPrefix: "https://2ch.hk"}
	r.Register(a)
	r.Register(b)

	got, ok := r.ForSite(descriptor.NewSiteDescriptor("dvach"))
	require.True(t, ok)
	assert.Equal(t, "dvach", got.Name())

	got, ok = r.ForURL("https://2ch.hk/b/res/1.html")
	require.True(t, ok)
	assert.Equal(t, "dvach", got.Name())

	_, ok = r.ForSite(descriptor.NewSiteDescriptor("unknown"))
	assert.False(t, ok)

	assert.Equal(t, []Adapter{a, b}, r.All())
}
