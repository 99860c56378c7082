package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/metrics"
	"github.com/liamashdown/claimwatch/internal/ratelimit"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Dependency names the document store in TransientDependencyError
const Dependency = "document-store"

// Client is a DocumentStore backed by the document service HTTP API.
// Listings are cached per seller for the configured TTL.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	log        *logrus.Logger
}

// NewClient creates a new document store client
func NewClient(cfg config.EvidenceConfig, log *logrus.Logger) *Client {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Client{
		baseURL: cfg.DocStoreBaseURL,
		apiKey:  cfg.DocStoreAPIKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: ratelimit.New(cfg.DocStoreRPS),
		cache:   cache.New(ttl, 2*ttl),
		log:     log,
	}
}

// ListDocuments returns every document of a seller
func (c *Client) ListDocuments(ctx context.Context, sellerID string) ([]Document, error) {
	if cached, ok := c.cache.Get(sellerID); ok {
		return cached.([]Document), nil
	}

	start := time.Now()
	docs, err := c.fetch(ctx, sellerID)
	metrics.RecordAPIRequest("docstore", "/v1/sellers/documents", time.Since(start), err)
	if err != nil {
		return nil, claim.Transient(Dependency, err)
	}

	c.cache.SetDefault(sellerID, docs)

	c.log.WithFields(logrus.Fields{
		"seller_id": sellerID,
		"documents": len(docs),
	}).Debug("Fetched evidence documents")

	return docs, nil
}

// Invalidate drops the cached listing of a seller, e.g. after new documents
// were ingested
func (c *Client) Invalidate(sellerID string) {
	c.cache.Delete(sellerID)
}

func (c *Client) fetch(ctx context.Context, sellerID string) ([]Document, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/sellers/%s/documents", c.baseURL, url.PathEscape(sellerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return []Document{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var out DocumentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Documents == nil {
		out.Documents = []Document{}
	}
	return out.Documents, nil
}
