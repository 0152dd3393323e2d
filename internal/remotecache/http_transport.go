package remotecache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// httpTransport implements Transport over the HTTP fallback endpoints
// (GET/PUT /<instance>/{ac,cas}/<hash>) on a retrying HTTP client.
type httpTransport struct {
	baseURL string
	auth    Auth
	client  *retryablehttp.Client
}

func newHTTPTransport(baseURL string, auth Auth) *httpTransport {
	return &httpTransport{
		baseURL: baseURL,
		auth:    auth,
		client: &retryablehttp.Client{
			HTTPClient: &http.Client{
				Timeout:   20 * time.Second,
				Transport: auth.httpTransport(),
			},
			RetryWaitMin: 2 * time.Second,
			RetryWaitMax: 10 * time.Second,
			RetryMax:     2,
			Backoff:      retryablehttp.DefaultBackoff,
			Logger:       nil,
		},
	}
}

func (t *httpTransport) url(instance, kind, hash string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.baseURL, instance, kind, hash)
}

func (t *httpTransport) newRequest(ctx context.Context, method, url string, body interface{}) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	t.auth.apply(req.Request)
	return req, nil
}

// httpActionResult is the JSON wire shape for the HTTP fallback's action
// cache entries, since there is no protobuf wire format available over plain
// HTTP PUT/GET.
type httpActionResult struct {
	ExitCode     int32        `json:"exit_code"`
	OutputFiles  []OutputFile `json:"output_files,omitempty"`
	StdoutDigest *Digest      `json:"stdout_digest,omitempty"`
	StderrDigest *Digest      `json:"stderr_digest,omitempty"`
}

// GetActionResult implements Transport.
func (t *httpTransport) GetActionResult(ctx context.Context, instance string, action Digest) (*ActionResult, error) {
	req, err := t.newRequest(ctx, http.MethodGet, t.url(instance, "ac", action.Hash), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote cache: GET %s: %s", req.URL, resp.Status)
	}
	var wire httpActionResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}
	return &ActionResult{
		ExitCode:     wire.ExitCode,
		OutputFiles:  wire.OutputFiles,
		StdoutDigest: wire.StdoutDigest,
		StderrDigest: wire.StderrDigest,
	}, nil
}

// UpdateActionResult implements Transport.
func (t *httpTransport) UpdateActionResult(ctx context.Context, instance string, action Digest, result *ActionResult) error {
	wire := httpActionResult{
		ExitCode:     result.ExitCode,
		OutputFiles:  result.OutputFiles,
		StdoutDigest: result.StdoutDigest,
		StderrDigest: result.StderrDigest,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	req, err := t.newRequest(ctx, http.MethodPut, t.url(instance, "ac", action.Hash), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("remote cache: PUT %s: %s", req.URL, resp.Status)
	}
	return nil
}

// FindMissingBlobs implements Transport. The HTTP fallback has no batch
// existence-check endpoint, so
// every digest is reported missing and left to BatchUpdateBlobs/
// BatchReadBlobs to discover via individual GETs.
func (t *httpTransport) FindMissingBlobs(ctx context.Context, instance string, digests []Digest) ([]Digest, error) {
	return digests, nil
}

// BatchReadBlobs implements Transport via parallel GETs bounded by the blob
// transfer semaphore.
func (t *httpTransport) BatchReadBlobs(ctx context.Context, instance string, digests []Digest) ([]Blob, error) {
	results := make([]*Blob, len(digests))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(defaultBlobConcurrency)
	for i, d := range digests {
		i, d := i, d
		group.Go(func() error {
			req, err := t.newRequest(gctx, http.MethodGet, t.url(instance, "cas", d.Hash), nil)
			if err != nil {
				return err
			}
			resp, err := t.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return nil
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("remote cache: GET %s: %s", req.URL, resp.Status)
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			results[i] = &Blob{Digest: d, Data: data}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	blobs := make([]Blob, 0, len(digests))
	for _, b := range results {
		if b != nil {
			blobs = append(blobs, *b)
		}
	}
	return blobs, nil
}

// BatchUpdateBlobs implements Transport via parallel PUTs bounded by the blob
// transfer semaphore.
func (t *httpTransport) BatchUpdateBlobs(ctx context.Context, instance string, blobs []Blob) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(defaultBlobConcurrency)
	for _, b := range blobs {
		b := b
		group.Go(func() error {
			req, err := t.newRequest(gctx, http.MethodPut, t.url(instance, "cas", b.Digest.Hash), bytes.NewReader(b.Data))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			resp, err := t.client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("remote cache: PUT %s: %s", req.URL, resp.Status)
			}
			return nil
		})
	}
	return group.Wait()
}

// Close implements Transport; the HTTP transport owns no long-lived
// connection to release.
func (t *httpTransport) Close() error { return nil }
