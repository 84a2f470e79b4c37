package imageboard

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/kpnc/server/internal/descriptor"
)

// ErrPartialParseFailed is returned by a tail parser when the supplied
// last-processed post is older than the tail window's start, meaning
// posts were missed between the two (spec.md §4.F "Partial parser").
// Returning any other error from parseTail/parseFull is treated as a
// malformed body and surfaces as LoadFailedToReadChanThread instead of
// triggering a full-reload retry.
var ErrPartialParseFailed = errors.New("imageboard: tail window does not cover last processed post")

// endpointResolver resolves the JSON endpoint for a thread. ok is false
// when the variant isn't supported for this call (e.g. a site with no
// tail endpoint, or tail requested with no lastProcessedPost).
type endpointResolver func(td descriptor.ThreadDescriptor, lastProcessedPost *descriptor.PostDescriptor) (url string, ok bool)

type fullParser func(body []byte) (*ParsedThread, error)
type tailParser func(body []byte, lastProcessedPost *descriptor.PostDescriptor) (*ParsedThread, error)

// LoadThread runs spec.md §4.F's load protocol against an arbitrary
// site: resolve endpoint, HEAD, compare Last-Modified, GET, parse,
// retrying as needed for the 404-with-tail and partial-parse-gap cases.
// Shared by chan4 and dvach so neither adapter reimplements HTTP
// plumbing, only their endpoint shapes and JSON bodies.
func LoadThread(
	ctx context.Context,
	client *http.Client,
	td descriptor.ThreadDescriptor,
	lastProcessedPost *descriptor.PostDescriptor,
	lastModifiedLocal *time.Time,
	resolveFull endpointResolver,
	resolveTail endpointResolver,
	parseFull fullParser,
	parseTail tailParser,
) (ThreadLoadResult, error) {
	tail := lastProcessedPost != nil
	var url string
	var ok bool
	if tail {
		url, ok = resolveTail(td, lastProcessedPost)
	}
	if !tail || !ok {
		url, ok = resolveFull(td, nil)
		tail = false
	}
	if !ok {
		return siteNotSupported(), nil
	}

	headResp, err := doRequest(ctx, client, http.MethodHead, url)
	if err != nil {
		return ThreadLoadResult{}, err
	}
	headResp.Body.Close()

	if headResp.StatusCode == http.StatusNotFound && tail {
		// The tail endpoint has scrolled past; retry as a full load.
		return LoadThread(ctx, client, td, nil, lastModifiedLocal, resolveFull, resolveTail, parseFull, parseTail)
	}
	if headResp.StatusCode != http.StatusOK {
		return headBadStatus(headResp.StatusCode), nil
	}

	remoteModified, parsedOK := parseLastModified(headResp.Header.Get("Last-Modified"))
	if parsedOK && lastModifiedLocal != nil && !remoteModified.After(*lastModifiedLocal) {
		return notModified(), nil
	}

	getResp, err := doRequest(ctx, client, http.MethodGet, url)
	if err != nil {
		return ThreadLoadResult{}, err
	}
	body, err := io.ReadAll(getResp.Body)
	getResp.Body.Close()
	if err != nil {
		return ThreadLoadResult{}, err
	}

	if getResp.StatusCode == http.StatusNotFound && tail {
		return LoadThread(ctx, client, td, nil, lastModifiedLocal, resolveFull, resolveTail, parseFull, parseTail)
	}
	if getResp.StatusCode != http.StatusOK {
		return getBadStatus(getResp.StatusCode), nil
	}

	var thread *ParsedThread
	if tail {
		thread, err = parseTail(body, lastProcessedPost)
		if errors.Is(err, ErrPartialParseFailed) {
			return LoadThread(ctx, client, td, nil, lastModifiedLocal, resolveFull, resolveTail, parseFull, parseTail)
		}
	} else {
		thread, err = parseFull(body)
	}
	if err != nil {
		return failedToReadChanThread(body), nil
	}

	var modifiedOut *time.Time
	if parsedOK {
		modifiedOut = &remoteModified
	}
	return success(thread, modifiedOut), nil
}

func doRequest(ctx context.Context, client *http.Client, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func parseLastModified(header string) (time.Time, bool) {
	if header == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(http.TimeFormat, header)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
