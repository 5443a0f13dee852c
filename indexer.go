package pinning

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

// IndexerClient is a DiscoveryIndex backed by an IPNI-style HTTP indexer
// (GET {endpoint}/cid/{cid}).
type IndexerClient struct {
	endpoint string
	client   *retryablehttp.Client
}

func NewIndexerClient(cfg IndexerConfig) *IndexerClient {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.Logger = retryLogger{log}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return &IndexerClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   client,
	}
}

// Probe reports whether the indexer knows providers for root. A 404 is a
// plain "not yet"; other non-2xx statuses come back as errors.
func (c *IndexerClient) Probe(ctx context.Context, root cid.Cid) (bool, error) {
	url := fmt.Sprintf("%s/cid/%s", c.endpoint, root)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, xerrors.Errorf("creating index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, xerrors.Errorf("querying index for %s: %w", root, err)
	}
	defer func(body io.ReadCloser) {
		_, _ = io.Copy(io.Discard, body)
		if err := body.Close(); err != nil {
			log.Debugf("closing index response body: %+v", err)
		}
	}(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, xerrors.Errorf("index lookup for %s: unexpected status %s", root, resp.Status)
	}
}

// retryLogger feeds retryablehttp's leveled logging into go-log.
type retryLogger struct {
	l *logging.ZapEventLogger
}

func (r retryLogger) Error(msg string, keysAndValues ...interface{}) {
	r.l.Errorw(msg, keysAndValues...)
}

func (r retryLogger) Info(msg string, keysAndValues ...interface{}) {
	r.l.Debugw(msg, keysAndValues...)
}

func (r retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	r.l.Debugw(msg, keysAndValues...)
}

func (r retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	r.l.Warnw(msg, keysAndValues...)
}
