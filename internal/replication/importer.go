package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lookup/internal/directory/models"
)

const maxPageBytes = 8 << 20

// Merger stores replicated identities.
type Merger interface {
	Merge(ctx context.Context, r models.ReplicatedIdentity) (bool, error)
}

// CursorStore loads and persists import cursors.
type CursorStore interface {
	Load() (Cursors, error)
	Save(c Cursors) error
}

// SyncResult summarizes the import from one peer.
type SyncResult struct {
	Host     string
	Pages    int
	Imported int
	Skipped  int
	Err      error
}

// Importer pulls identities from the configured peers.
type Importer struct {
	merger  Merger
	cursors CursorStore
	hosts   []string
	client  *http.Client
	logger  *slog.Logger
	metrics *Metrics
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithHTTPClient sets the client used to reach peers.
func WithHTTPClient(c *http.Client) ImporterOption {
	return func(i *Importer) { i.client = c }
}

// WithLogger sets the importer logger.
func WithLogger(l *slog.Logger) ImporterOption {
	return func(i *Importer) { i.logger = l }
}

// WithMetrics records import counts.
func WithMetrics(m *Metrics) ImporterOption {
	return func(i *Importer) { i.metrics = m }
}

// NewImporter creates an Importer for hosts, the export URLs of the peers.
// Credentials embedded in a URL are sent as Basic auth.
func NewImporter(merger Merger, cursors CursorStore, hosts []string, timeout time.Duration, opts ...ImporterOption) *Importer {
	i := &Importer{
		merger:  merger,
		cursors: cursors,
		hosts:   hosts,
		client:  &http.Client{Timeout: timeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Import runs one pass over all peers. A failing peer keeps its previous
// cursor and does not stop the others; only cursor persistence errors are
// returned.
func (i *Importer) Import(ctx context.Context) ([]SyncResult, error) {
	cursors, err := i.cursors.Load()
	if err != nil {
		return nil, err
	}

	results := make([]SyncResult, 0, len(i.hosts))
	for _, host := range i.hosts {
		peer, err := url.Parse(host)
		if err != nil {
			i.logger.ErrorContext(ctx, "invalid replication host", "error", err)
			i.metrics.IncrementHostError()
			results = append(results, SyncResult{Host: host, Err: err})
			continue
		}
		key := CursorKey(peer)
		before, had := cursors[key]

		result := i.importHost(ctx, peer, key, cursors)
		if result.Err != nil {
			if had {
				cursors[key] = before
			} else {
				delete(cursors, key)
			}
			i.metrics.IncrementHostError()
			i.logger.ErrorContext(ctx, "replication from host failed",
				"host", key,
				"error", result.Err,
			)
		} else {
			i.logger.InfoContext(ctx, "replication from host complete",
				"host", key,
				"pages", result.Pages,
				"imported", result.Imported,
				"skipped", result.Skipped,
			)
		}
		results = append(results, result)

		if err := i.cursors.Save(cursors); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (i *Importer) importHost(ctx context.Context, peer *url.URL, key string, cursors Cursors) SyncResult {
	result := SyncResult{Host: key}
	since := cursors[key]

	ctx, span := otel.Tracer("lookup/replication").Start(ctx, "replication.ImportHost",
		trace.WithAttributes(
			attribute.String("lookup.peer", key),
			attribute.Int64("lookup.since", since),
		),
	)
	defer span.End()

	for page := 0; ; page++ {
		users, err := i.fetchPage(ctx, peer, since, page)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch page")
			result.Err = err
			return result
		}
		if len(users) == 0 {
			break
		}
		result.Pages++

		for _, u := range users {
			merged, err := i.merger.Merge(ctx, u.ToReplicated())
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "merge")
				result.Err = fmt.Errorf("merge %s: %w", u.CloudID, err)
				return result
			}
			if merged {
				result.Imported++
				i.metrics.IncrementIdentity(ResultImported)
			} else {
				result.Skipped++
				i.metrics.IncrementIdentity(ResultSkipped)
			}
			cursors[key] = u.Timestamp
		}
	}
	span.SetAttributes(attribute.Int("lookup.imported", result.Imported))
	return result
}

func (i *Importer) fetchPage(ctx context.Context, peer *url.URL, since int64, page int) ([]User, error) {
	u := *peer
	u.User = nil
	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(since, 10))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if peer.User != nil {
		password, _ := peer.User.Password()
		req.SetBasicAuth(peer.User.Username(), password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch page %d: status %d", page, resp.StatusCode)
	}

	var users []User
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(&users); err != nil {
		return nil, fmt.Errorf("decode page %d: %w", page, err)
	}
	return users, nil
}
