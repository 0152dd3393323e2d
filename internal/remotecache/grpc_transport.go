package remotecache

import (
	"context"
	"fmt"
	"time"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// defaultMaxBatchBytes is used when the server's capabilities response
// doesn't set MaxBatchTotalSizeBytes, mirroring please's remote.go comment
// that 4MB is gRPC's de facto message-size ceiling.
const defaultMaxBatchBytes = 4_000_000

// maxGRPCRetries bounds grpc_retry's unary interceptor, same constant the
// please example names maxRetries.
const maxGRPCRetries = 3

// dialTimeout bounds the initial connection + capabilities probe.
const dialTimeout = 5 * time.Second

// grpcTransport implements Transport over the Bazel Remote Execution API v2
// gRPC services.
type grpcTransport struct {
	conn    *grpc.ClientConn
	ac      pb.ActionCacheClient
	cas     pb.ContentAddressableStorageClient
	maxBatch int64
	writable bool
}

// dialGRPC connects to target, probes Capabilities, and returns a ready
// Transport.
func dialGRPC(target, instance string, auth Auth) (*grpcTransport, error) {
	creds, err := auth.transportCredentials()
	if err != nil {
		return nil, err
	}
	if creds == nil {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.Dial(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(maxGRPCRetries))),
		grpc.WithChainUnaryInterceptor(authMetadataInterceptor(auth)),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	capsResp, err := pb.NewCapabilitiesClient(conn).GetCapabilities(ctx, &pb.GetCapabilitiesRequest{
		InstanceName: instance,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("remote cache capabilities probe failed: %w", err)
	}

	caps := capsResp.CacheCapabilities
	if caps == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("remote cache server does not advertise cache capabilities")
	}

	maxBatch := caps.MaxBatchTotalSizeBytes
	if maxBatch == 0 {
		maxBatch = defaultMaxBatchBytes
	}

	writable := false
	if caps.ActionCacheUpdateCapabilities != nil {
		writable = caps.ActionCacheUpdateCapabilities.UpdateEnabled
	}

	return &grpcTransport{
		conn:     conn,
		ac:       pb.NewActionCacheClient(conn),
		cas:      pb.NewContentAddressableStorageClient(conn),
		maxBatch: maxBatch,
		writable: writable,
	}, nil
}

// authMetadataInterceptor attaches AuthStaticHeaders/AuthBearerToken
// credentials to every outgoing gRPC call as request metadata, the gRPC
// equivalent of Auth.apply's HTTP header injection.
func authMetadataInterceptor(auth Auth) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		switch auth.Kind {
		case AuthStaticHeaders:
			for k, v := range auth.Headers {
				ctx = metadata.AppendToOutgoingContext(ctx, k, v)
			}
		case AuthBearerToken:
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+auth.Token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func toPBDigest(d Digest) *pb.Digest {
	return &pb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

func fromPBDigest(d *pb.Digest) Digest {
	if d == nil {
		return Digest{}
	}
	return Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

// GetActionResult implements Transport.
func (t *grpcTransport) GetActionResult(ctx context.Context, instance string, action Digest) (*ActionResult, error) {
	resp, err := t.ac.GetActionResult(ctx, &pb.GetActionResultRequest{
		InstanceName: instance,
		ActionDigest: toPBDigest(action),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromPBActionResult(resp), nil
}

// UpdateActionResult implements Transport.
func (t *grpcTransport) UpdateActionResult(ctx context.Context, instance string, action Digest, result *ActionResult) error {
	if !t.writable {
		return fmt.Errorf("remote cache: server did not advertise action cache write capability")
	}
	_, err := t.ac.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{
		InstanceName: instance,
		ActionDigest: toPBDigest(action),
		ActionResult: toPBActionResult(result),
	})
	return err
}

// FindMissingBlobs implements Transport.
func (t *grpcTransport) FindMissingBlobs(ctx context.Context, instance string, digests []Digest) ([]Digest, error) {
	req := &pb.FindMissingBlobsRequest{InstanceName: instance}
	for _, d := range digests {
		req.BlobDigests = append(req.BlobDigests, toPBDigest(d))
	}
	resp, err := t.cas.FindMissingBlobs(ctx, req)
	if err != nil {
		return nil, err
	}
	missing := make([]Digest, 0, len(resp.MissingBlobDigests))
	for _, d := range resp.MissingBlobDigests {
		missing = append(missing, fromPBDigest(d))
	}
	return missing, nil
}

// BatchReadBlobs implements Transport. Requests are chunked so no single RPC
// exceeds the server's advertised batch size, and chunks run concurrently
// under the blob transfer semaphore.
func (t *grpcTransport) BatchReadBlobs(ctx context.Context, instance string, digests []Digest) ([]Blob, error) {
	chunks := chunkDigests(digests, t.maxBatch)
	results := make([][]Blob, len(chunks))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(defaultBlobConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		group.Go(func() error {
			req := &pb.BatchReadBlobsRequest{InstanceName: instance}
			for _, d := range chunk {
				req.Digests = append(req.Digests, toPBDigest(d))
			}
			resp, err := t.cas.BatchReadBlobs(gctx, req)
			if err != nil {
				return err
			}
			blobs := make([]Blob, 0, len(resp.Responses))
			for _, r := range resp.Responses {
				if r.Status != nil && r.Status.Code != 0 {
					continue
				}
				blobs = append(blobs, Blob{Digest: fromPBDigest(r.Digest), Data: r.Data})
			}
			results[i] = blobs
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var blobs []Blob
	for _, chunk := range results {
		blobs = append(blobs, chunk...)
	}
	return blobs, nil
}

// BatchUpdateBlobs implements Transport, chunked and bounded like
// BatchReadBlobs.
func (t *grpcTransport) BatchUpdateBlobs(ctx context.Context, instance string, blobs []Blob) error {
	chunks := chunkBlobs(blobs, t.maxBatch)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(defaultBlobConcurrency)
	for _, chunk := range chunks {
		chunk := chunk
		group.Go(func() error {
			req := &pb.BatchUpdateBlobsRequest{InstanceName: instance}
			for _, b := range chunk {
				req.Requests = append(req.Requests, &pb.BatchUpdateBlobsRequest_Request{
					Digest: toPBDigest(b.Digest),
					Data:   b.Data,
				})
			}
			_, err := t.cas.BatchUpdateBlobs(gctx, req)
			return err
		})
	}
	return group.Wait()
}

// chunkDigests splits digests so the cumulative size of each chunk stays
// under maxBatch. A single oversized digest gets a chunk of its own.
func chunkDigests(digests []Digest, maxBatch int64) [][]Digest {
	var chunks [][]Digest
	var current []Digest
	var size int64
	for _, d := range digests {
		if len(current) > 0 && size+d.SizeBytes > maxBatch {
			chunks = append(chunks, current)
			current, size = nil, 0
		}
		current = append(current, d)
		size += d.SizeBytes
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func chunkBlobs(blobs []Blob, maxBatch int64) [][]Blob {
	var chunks [][]Blob
	var current []Blob
	var size int64
	for _, b := range blobs {
		if len(current) > 0 && size+int64(len(b.Data)) > maxBatch {
			chunks = append(chunks, current)
			current, size = nil, 0
		}
		current = append(current, b)
		size += int64(len(b.Data))
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// Close implements Transport.
func (t *grpcTransport) Close() error {
	return t.conn.Close()
}

func toPBActionResult(r *ActionResult) *pb.ActionResult {
	ar := &pb.ActionResult{ExitCode: r.ExitCode}
	for _, f := range r.OutputFiles {
		ar.OutputFiles = append(ar.OutputFiles, &pb.OutputFile{Path: f.Path, Digest: toPBDigest(f.Digest)})
	}
	if r.StdoutDigest != nil {
		ar.StdoutDigest = toPBDigest(*r.StdoutDigest)
	}
	if r.StderrDigest != nil {
		ar.StderrDigest = toPBDigest(*r.StderrDigest)
	}
	return ar
}

func fromPBActionResult(ar *pb.ActionResult) *ActionResult {
	result := &ActionResult{ExitCode: ar.ExitCode}
	for _, f := range ar.OutputFiles {
		result.OutputFiles = append(result.OutputFiles, OutputFile{Path: f.Path, Digest: fromPBDigest(f.Digest)})
	}
	if ar.StdoutDigest != nil {
		d := fromPBDigest(ar.StdoutDigest)
		result.StdoutDigest = &d
	}
	if ar.StderrDigest != nil {
		d := fromPBDigest(ar.StderrDigest)
		result.StderrDigest = &d
	}
	return result
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
