package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const maxSearchBytes = 256 << 10

// TwitterClient searches recent posts with an app-only bearer token.
type TwitterClient struct {
	client  *http.Client
	baseURL string
}

// NewTwitterClient builds a client for the API at baseURL. The bearer token
// is obtained from {baseURL}/oauth2/token with the consumer credentials.
func NewTwitterClient(ctx context.Context, baseURL, consumerKey, consumerSecret string, timeout time.Duration) *TwitterClient {
	baseURL = strings.TrimRight(baseURL, "/")
	cfg := clientcredentials.Config{
		ClientID:     consumerKey,
		ClientSecret: consumerSecret,
		TokenURL:     baseURL + "/oauth2/token",
	}
	client := cfg.Client(ctx)
	client.Timeout = timeout
	return &TwitterClient{client: client, baseURL: baseURL}
}

type searchResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// LatestTweet returns the most recent post matching query, or nil when there
// is none.
func (c *TwitterClient) LatestTweet(ctx context.Context, query string) (*Tweet, error) {
	endpoint := c.baseURL + "/2/tweets/search/recent?" + url.Values{
		"query":       {query},
		"max_results": {"10"},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search tweets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search tweets: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBytes))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, nil
	}
	return &Tweet{ID: parsed.Data[0].ID, Text: parsed.Data[0].Text}, nil
}

// ErrTwitterDisabled is returned when no API credentials are configured.
var ErrTwitterDisabled = errors.New("twitter search not configured")

// DisabledTweetSearcher fails every search, so twitter proofs are retried
// until abandoned.
type DisabledTweetSearcher struct{}

func (DisabledTweetSearcher) LatestTweet(context.Context, string) (*Tweet, error) {
	return nil, ErrTwitterDisabled
}
