package remotecache

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// Config configures a Client.
type Config struct {
	// GRPCTarget is the gRPC dial target (host:port); tried first.
	GRPCTarget string
	// HTTPBaseURL is the HTTP fallback base URL, used when GRPCTarget is
	// empty or the gRPC capabilities probe fails.
	HTTPBaseURL string
	// Instance is the REAPI instance name.
	Instance string
	Auth     Auth
	Logger   hclog.Logger
}

// Client is the Remote Cache Client: it prefers gRPC and
// falls back to HTTP, and treats every remote error as non-fatal to the
// pipeline: errors are logged and treated as a cache miss, never failing the
// build.
type Client struct {
	instance  string
	transport Transport
	logger    hclog.Logger
}

// New dials the configured transport. gRPC is attempted first when
// GRPCTarget is set; any failure (dial, capabilities probe, missing cache
// capabilities) falls back to HTTP when HTTPBaseURL is also set. Returns an
// error only if neither transport is usable.
func New(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("remotecache")

	var transport Transport
	var grpcErr error
	if cfg.GRPCTarget != "" {
		transport, grpcErr = dialGRPC(cfg.GRPCTarget, cfg.Instance, cfg.Auth)
		if grpcErr != nil {
			logger.Warn("gRPC remote cache transport unavailable, falling back to HTTP", "error", grpcErr)
		}
	}
	if transport == nil {
		if cfg.HTTPBaseURL == "" {
			if grpcErr != nil {
				return nil, grpcErr
			}
			return nil, fmt.Errorf("remotecache: neither GRPCTarget nor HTTPBaseURL configured")
		}
		transport = newHTTPTransport(cfg.HTTPBaseURL, cfg.Auth)
	}

	return &Client{instance: cfg.Instance, transport: transport, logger: logger}, nil
}

// Close releases the underlying transport's resources.
func (c *Client) Close() error {
	return c.transport.Close()
}

// GetActionResult looks up the cached result for hash. ok is false on a
// cache miss; err is non-nil only for a genuine transport failure, which
// callers must treat as a miss rather than aborting the pipeline.
func (c *Client) GetActionResult(ctx context.Context, hash string) (result *ActionResult, ok bool, err error) {
	d := Digest{Hash: hash}
	result, err = c.transport.GetActionResult(ctx, c.instance, d)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		c.logger.Warn("remote cache GetActionResult failed", "hash", hash, "error", err)
		return nil, false, err
	}
	return result, true, nil
}

// UpdateActionResult uploads an action's outcome. Call only after the
// blobs it references have been uploaded via BatchUpdateBlobs.
func (c *Client) UpdateActionResult(ctx context.Context, hash string, result *ActionResult) error {
	err := c.transport.UpdateActionResult(ctx, c.instance, Digest{Hash: hash}, result)
	if err != nil {
		c.logger.Warn("remote cache UpdateActionResult failed", "hash", hash, "error", err)
	}
	return err
}

// FindMissingBlobs asks the remote which of digests it doesn't already have,
// so callers can skip re-uploading blobs the CAS already holds.
func (c *Client) FindMissingBlobs(ctx context.Context, digests []Digest) ([]Digest, error) {
	missing, err := c.transport.FindMissingBlobs(ctx, c.instance, digests)
	if err != nil {
		c.logger.Warn("remote cache FindMissingBlobs failed", "error", err)
		return digests, err
	}
	return missing, nil
}

// BatchReadBlobs downloads blobs by digest.
func (c *Client) BatchReadBlobs(ctx context.Context, digests []Digest) ([]Blob, error) {
	blobs, err := c.transport.BatchReadBlobs(ctx, c.instance, digests)
	if err != nil {
		c.logger.Warn("remote cache BatchReadBlobs failed", "error", err)
	}
	return blobs, err
}

// BatchUpdateBlobs uploads blobs.
func (c *Client) BatchUpdateBlobs(ctx context.Context, blobs []Blob) error {
	err := c.transport.BatchUpdateBlobs(ctx, c.instance, blobs)
	if err != nil {
		c.logger.Warn("remote cache BatchUpdateBlobs failed", "error", err)
	}
	return err
}
