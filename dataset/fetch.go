package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// NewHTTPFetcher returns a FetchFunc that retrieves dataset bytes from
// the dataset API at baseURL. The API serves one dataset per id at
// GET {base}/datasets/{id}.
func NewHTTPFetcher(baseURL string, logger *zap.Logger) FetchFunc {
	client := &http.Client{Timeout: 60 * time.Second}

	return func(ctx context.Context, datasetID string) ([]byte, error) {
		endpoint := fmt.Sprintf("%s/datasets/%s", baseURL, url.PathEscape(datasetID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build dataset request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("dataset api request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("dataset api returned status %d for %s", resp.StatusCode, datasetID)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read dataset body: %w", err)
		}
		logger.Debug("dataset fetched",
			zap.String("dataset_id", datasetID), zap.Int("bytes", len(data)))
		return data, nil
	}
}
