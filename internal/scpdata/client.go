package scpdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSource reads a published snapshot over HTTP. The base URL points at
// the snapshot root, the directory that contains items/.
type HTTPSource struct {
	baseURL    string
	commit     string
	httpClient *http.Client
}

// NewHTTPSource creates a new snapshot client
func NewHTTPSource(baseURL, commit string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		commit:  commit,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPSource) Manifest(ctx context.Context) (*Manifest, error) {
	body, err := c.get(ctx, itemsDir+"/"+indexFile)
	if err != nil {
		return nil, fmt.Errorf("get index: %w", err)
	}

	commit := c.commit
	if commit == "" {
		commit = CommitFromDir(c.baseURL)
	}
	return ParseManifest(body, commit)
}

func (c *HTTPSource) ContentFile(ctx context.Context, name string) (map[string]*Entry, error) {
	body, err := c.get(ctx, itemsDir+"/"+url.PathEscape(name))
	if err != nil {
		return nil, fmt.Errorf("get content file %s: %w", name, err)
	}
	return ParseContentFile(body)
}

func (c *HTTPSource) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrContentFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
