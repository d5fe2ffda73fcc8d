package verification

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxProofBytes = 16 << 10

// HTTPProofFetcher downloads website proof files.
type HTTPProofFetcher struct {
	client *http.Client
}

// NewHTTPProofFetcher builds a fetcher whose requests time out after timeout.
func NewHTTPProofFetcher(client *http.Client, timeout time.Duration) *HTTPProofFetcher {
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.Timeout = timeout
	return &HTTPProofFetcher{client: &c}
}

// FetchProof returns the body of the document at url.
func (f *HTTPProofFetcher) FetchProof(ctx context.Context, url string) (string, error) {
	ctx, span := otel.Tracer("lookup/verification").Start(ctx, "verification.FetchProof",
		trace.WithAttributes(
			attribute.String("url.full", url),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return "", fmt.Errorf("build proof request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return "", fmt.Errorf("fetch proof: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, "unexpected status")
		return "", fmt.Errorf("fetch proof: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProofBytes))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("read proof: %w", err)
	}
	return string(body), nil
}
