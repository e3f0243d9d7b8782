package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// In-container canonical paths. The REPL image lays the working area out
// under /session; changing these requires a matching image change.
const (
	ContainerSessionDir  = "/session"
	ContainerArtifactDir = "artifacts"
	ContainerDataDir     = "data"
	ContainerReadonlyDir = "/data"
)

// ExecResult is the outcome of one code execution inside the sandbox.
// Stdout and stderr are captured independently; they are never interleaved.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// execRequest is the wire request for the REPL's /exec endpoint.
type execRequest struct {
	Code     string  `json:"code"`
	TimeoutS float64 `json:"timeout_s"`
}

type listResponse struct {
	Files []string `json:"files"`
}

// ReplClient is the execution channel to the persistent in-sandbox REPL.
// The REPL holds one interpreter namespace for the life of the container,
// so variables and imports persist across Exec calls. The client also
// carries the file primitives used to push dataset bytes in and pull
// artifact bytes out of memory-backed sandboxes.
type ReplClient struct {
	baseURL string
	http    *http.Client
}

// NewReplClient creates a client for a REPL reachable at baseURL
// (e.g. "http://127.0.0.1:49153").
func NewReplClient(baseURL string) *ReplClient {
	return &ReplClient{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// Health reports whether the REPL answers its health endpoint.
func (c *ReplClient) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Exec runs code in the REPL's persistent namespace. The timeout is
// enforced interpreter-side so a runaway execution is interrupted inside
// the sandbox, not merely abandoned; the client allows a short grace
// period on top before giving up on the HTTP call itself.
func (c *ReplClient) Exec(ctx context.Context, code string, timeout time.Duration) (ExecResult, error) {
	body, err := json.Marshal(execRequest{Code: code, TimeoutS: timeout.Seconds()})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to encode exec request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/exec", bytes.NewReader(body))
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to build exec request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ExecResult{}, fmt.Errorf("exec call returned status %d", resp.StatusCode)
	}

	var result ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ExecResult{}, fmt.Errorf("failed to decode exec response: %w", err)
	}
	return result, nil
}

// PutFile writes data to path inside the sandbox, creating parent
// directories as needed. Overwrites any existing file.
func (c *ReplClient) PutFile(ctx context.Context, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/files?path="+url.QueryEscape(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build file push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("file push failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("file push returned status %d", resp.StatusCode)
	}
	return nil
}

// ReadFile pulls the content of path across the sandbox boundary.
func (c *ReplClient) ReadFile(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/files?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build file read request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file read failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", os.ErrNotExist, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file read returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file body: %w", err)
	}
	return data, nil
}

// ListFiles returns the relative paths of all regular files under dir
// inside the sandbox. A missing directory lists as empty.
func (c *ReplClient) ListFiles(ctx context.Context, dir string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/files/list?dir="+url.QueryEscape(dir), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build file list request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file list failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file list returned status %d", resp.StatusCode)
	}
	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode file list response: %w", err)
	}
	return out.Files, nil
}

// RemoveFile deletes path inside the sandbox. Removing a missing file is
// not an error.
func (c *ReplClient) RemoveFile(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/files?path="+url.QueryEscape(path), nil)
	if err != nil {
		return fmt.Errorf("failed to build file remove request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("file remove failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("file remove returned status %d", resp.StatusCode)
	}
	return nil
}
