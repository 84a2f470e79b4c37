// Package fcm implements the push-notification dispatcher (spec.md
// §4.H): group pending replies by FCM token, fan out sends under a
// bounded semaphore, and close out the ones that were sent
// successfully in one transaction.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/kpnc/server/internal/imageboard"
	"github.com/kpnc/server/internal/reply"
)

// legacyEndpoint is the FCM legacy HTTP API send endpoint spec.md §6
// names ("FCM legacy HTTP API with a server API key").
const legacyEndpoint = "https://fcm.googleapis.com/fcm/send"

// Payload is the data portion of the push notification, spec.md §4.H
// step 2: "{ new_reply_urls: [...] }".
type Payload struct {
	NewReplyURLs []string `json:"new_reply_urls"`
}

// Client sends one push notification to a single FCM token.
type Client interface {
	Send(ctx context.Context, token string, payload Payload) error
}

// legacyClient is the legacy-HTTP-API Client used in production.
type legacyClient struct {
	apiKey string
	client *http.Client
}

// NewHTTPClient constructs a Client against the real FCM legacy
// endpoint, authenticated with apiKey (sourced from FIREBASE_API_KEY).
func NewHTTPClient(apiKey string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &legacyClient{apiKey: apiKey, client: httpClient}
}

func (c *legacyClient) Send(ctx context.Context, token string, payload Payload) error {
	body, err := json.Marshal(map[string]any{
		"to":   token,
		"data": payload,
	})
	if err != nil {
		return fmt.Errorf("fcm: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, legacyEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fcm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm: send returned status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher runs the group-by-token fan-out described in spec.md
// §4.H.
type Dispatcher struct {
	replies         *reply.Store
	registry        *imageboard.Registry
	client          Client
	chunkSize       int
	applicationType string
	logger          *slog.Logger
}

// New constructs a Dispatcher. chunkSize bounds concurrent outbound
// sends (SPEC_FULL.md: sourced from the CUE policy document's
// dispatch.chunk_size, not a caller literal).
func New(replies *reply.Store, registry *imageboard.Registry, client Client, chunkSize int, applicationType string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		replies:         replies,
		registry:        registry,
		client:          client,
		chunkSize:       chunkSize,
		applicationType: applicationType,
		logger:          logger,
	}
}

// Run executes one dispatch cycle (spec.md §4.H steps 1-4).
func (d *Dispatcher) Run(ctx context.Context) error {
	cycleID := uuid.Must(uuid.NewV7()).String()
	logger := d.logger.With("cycle_id", cycleID)

	grouped, err := d.replies.UnsentByToken(ctx, d.applicationType)
	if err != nil {
		return fmt.Errorf("fcm: list unsent replies: %w", err)
	}
	if len(grouped) == 0 {
		return nil
	}

	var mu sync.Mutex
	var sentIDs []int64

	sem := make(chan struct{}, d.chunkSize)
	var wg sync.WaitGroup

	for token, replies := range grouped {
		token, replies := token, replies
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			payload := Payload{NewReplyURLs: d.urlsFor(replies)}
			if err := d.client.Send(ctx, token, payload); err != nil {
				logger.Warn("fcm send failed; will retry next cycle", "error", err)
				return
			}

			ids := make([]int64, len(replies))
			for i, r := range replies {
				ids[i] = r.ID
			}
			mu.Lock()
			sentIDs = append(sentIDs, ids...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(sentIDs) == 0 {
		return nil
	}

	tx, err := d.replies.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("fcm: begin mark-as-notified: %w", err)
	}
	defer tx.Rollback()

	if err := d.replies.MarkAsNotified(ctx, tx, sentIDs); err != nil {
		return fmt.Errorf("fcm: mark as notified: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fcm: commit mark-as-notified: %w", err)
	}

	logger.Info("dispatch cycle complete", "sent", len(sentIDs), "tokens", len(grouped))
	return nil
}

// urlsFor renders each reply's post descriptor back into a
// site-specific URL via the adapter registry.
func (d *Dispatcher) urlsFor(replies []reply.Reply) []string {
	urls := make([]string, 0, len(replies))
	for _, r := range replies {
		adapter, ok := d.registry.ForSite(r.Descriptor.Site())
		if !ok {
			continue
		}
		urls = append(urls, adapter.DescriptorToURL(r.Descriptor))
	}
	return urls
}
