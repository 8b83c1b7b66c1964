package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/gitstate-io/gitstate/internal/gitobj"
	"github.com/gitstate-io/gitstate/internal/history"
	"github.com/gitstate-io/gitstate/internal/logging"
	"github.com/gitstate-io/gitstate/internal/scope"
)

// MirrorConfig configures the S3 bucket mirror.
type MirrorConfig struct {
	Bucket  string
	Prefix  string
	Region  string
	Profile string
	// SSE asks S3 for server-side AES-256 encryption on top of any
	// client-side payload encryption.
	SSE bool
}

// ParseMirrorURL splits s3://bucket/prefix. Region and profile come
// from GITSTATE_S3_REGION and GITSTATE_S3_PROFILE.
func ParseMirrorURL(url string) (MirrorConfig, error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return MirrorConfig{}, fmt.Errorf("not an s3 url: %s", url)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return MirrorConfig{}, fmt.Errorf("s3 url %s has no bucket", url)
	}
	cfg := MirrorConfig{
		Bucket:  bucket,
		Prefix:  strings.Trim(prefix, "/"),
		Region:  os.Getenv("GITSTATE_S3_REGION"),
		Profile: os.Getenv("GITSTATE_S3_PROFILE"),
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg, nil
}

// Mirror replicates planes into an S3 bucket. Objects go under
// objects/<id> keyed by content id, so uploads are idempotent; the
// per-plane label goes under labels/<plane> and is the only key that
// is ever overwritten, guarded by conditional writes so two pushers
// cannot silently clobber each other.
type Mirror struct {
	cfg     MirrorConfig
	objects *gitobj.Adapter
	hist    *history.Engine
	client  *s3.Client
}

// NewMirror builds a mirror transport for the bucket in cfg.
func NewMirror(ctx context.Context, objects *gitobj.Adapter, cfg MirrorConfig) (*Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return &Mirror{
		cfg:     cfg,
		objects: objects,
		hist:    history.New(objects),
		client:  s3.NewFromConfig(awsCfg),
	}, nil
}

func (m *Mirror) objectKey(h plumbing.Hash) string {
	return m.key("objects/" + h.String())
}

func (m *Mirror) labelKey(plane string) string {
	return m.key("labels/" + scope.EscapeSegment(plane))
}

func (m *Mirror) key(suffix string) string {
	if m.cfg.Prefix == "" {
		return suffix
	}
	return m.cfg.Prefix + "/" + suffix
}

func (m *Mirror) Push(ctx context.Context, plane string) error {
	tip, err := m.objects.Ref(scope.LabelName(plane))
	if err != nil {
		return err
	}
	if tip.IsZero() {
		return fmt.Errorf("plane %s has no history to push", plane)
	}

	remoteTip, etag, err := m.readLabel(ctx, plane)
	if err != nil {
		return err
	}
	if remoteTip == tip {
		return nil
	}
	if !remoteTip.IsZero() {
		if !m.objects.HasObject(remoteTip) {
			return &RejectedError{Plane: plane, Reason: "remote label points at an unknown snapshot, pull first"}
		}
		behind, err := m.hist.IsAncestor(remoteTip, tip)
		if err != nil {
			return err
		}
		if !behind {
			return &RejectedError{Plane: plane, Reason: "remote label is not an ancestor of the local snapshot"}
		}
	}

	uploaded, err := m.uploadReachable(ctx, tip)
	if err != nil {
		return err
	}
	if err := m.writeLabel(ctx, plane, tip, etag); err != nil {
		return err
	}
	logging.Info("pushed plane to mirror", "plane", plane,
		"bucket", m.cfg.Bucket, "snapshot", tip.String(), "objects", uploaded)
	return nil
}

func (m *Mirror) Pull(ctx context.Context, plane string) (PullResult, error) {
	remoteTip, _, err := m.readLabel(ctx, plane)
	if err != nil {
		return PullResult{}, err
	}
	if remoteTip.IsZero() {
		return PullResult{}, fmt.Errorf("mirror has no label for plane %s", plane)
	}
	if err := m.downloadGraph(ctx, remoteTip); err != nil {
		return PullResult{}, err
	}
	return advanceLabel(m.objects, m.hist, plane, remoteTip)
}

// uploadReachable walks the snapshot graph from tip and uploads every
// object. Keys are content-addressed, so an object the mirror already
// holds is skipped via a conditional put.
func (m *Mirror) uploadReachable(ctx context.Context, tip plumbing.Hash) (int, error) {
	uploaded := 0
	visited := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{tip}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if visited[h] {
			continue
		}
		visited[h] = true

		typ, data, err := m.objects.RawObject(h)
		if err != nil {
			return uploaded, err
		}
		stored, err := m.putObject(ctx, h, typ, data)
		if err != nil {
			return uploaded, err
		}
		if stored {
			uploaded++
		}

		switch typ {
		case plumbing.CommitObject:
			commit, err := m.objects.ReadCommit(h)
			if err != nil {
				return uploaded, err
			}
			queue = append(queue, commit.TreeHash)
			queue = append(queue, commit.ParentHashes...)
		case plumbing.TreeObject:
			entries, err := m.objects.ListTree(h)
			if err != nil {
				return uploaded, err
			}
			for _, e := range entries {
				queue = append(queue, e.Hash)
			}
		}
	}
	return uploaded, nil
}

// downloadGraph fetches every object reachable from tip that the
// local store is missing.
func (m *Mirror) downloadGraph(ctx context.Context, tip plumbing.Hash) error {
	fetched := 0
	visited := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{tip}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if visited[h] {
			continue
		}
		visited[h] = true
		present := m.objects.HasObject(h)
		if !present {
			if err := m.fetchObject(ctx, h); err != nil {
				return err
			}
			fetched++
		}
		typ, _, err := m.objects.RawObject(h)
		if err != nil {
			return err
		}
		// A present non-commit object implies its whole subgraph is
		// present. A present commit can still have unfetched parents
		// after an interrupted pull, so its edges are always walked.
		if present && typ != plumbing.CommitObject {
			continue
		}
		switch typ {
		case plumbing.CommitObject:
			commit, err := m.objects.ReadCommit(h)
			if err != nil {
				return err
			}
			queue = append(queue, commit.TreeHash)
			queue = append(queue, commit.ParentHashes...)
		case plumbing.TreeObject:
			entries, err := m.objects.ListTree(h)
			if err != nil {
				return err
			}
			for _, e := range entries {
				queue = append(queue, e.Hash)
			}
		}
	}
	if fetched > 0 {
		logging.Debug("fetched objects from mirror", "bucket", m.cfg.Bucket, "objects", fetched)
	}
	return nil
}

// putObject uploads one object, framed and optionally encrypted. The
// conditional put turns an already-present key into a no-op. Returns
// whether the object was actually stored.
func (m *Mirror) putObject(ctx context.Context, h plumbing.Hash, typ plumbing.ObjectType, data []byte) (bool, error) {
	framed := make([]byte, 0, len(data)+1)
	framed = append(framed, byte(typ))
	framed = append(framed, data...)
	body, err := EncryptPayload(framed)
	if err != nil {
		return false, err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(m.cfg.Bucket),
		Key:         aws.String(m.objectKey(h)),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
	}
	if m.cfg.SSE {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	if _, err := m.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("upload object %s to s3://%s: %w", h, m.cfg.Bucket, err)
	}
	return true, nil
}

func (m *Mirror) fetchObject(ctx context.Context, h plumbing.Hash) error {
	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(m.objectKey(h)),
	})
	if err != nil {
		return fmt.Errorf("fetch object %s from s3://%s: %w", h, m.cfg.Bucket, err)
	}
	defer result.Body.Close()
	body, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("read object %s body: %w", h, err)
	}
	framed, err := DecryptPayload(body)
	if err != nil {
		return fmt.Errorf("decrypt object %s: %w", h, err)
	}
	if len(framed) == 0 {
		return fmt.Errorf("object %s from mirror is empty", h)
	}
	typ := plumbing.ObjectType(framed[0])
	got, err := m.objects.PutRawObject(typ, framed[1:])
	if err != nil {
		return err
	}
	if got != h {
		return fmt.Errorf("object %s from mirror hashed to %s, mirror is corrupt", h, got)
	}
	return nil
}

// readLabel returns the remote label's snapshot id and the ETag used
// to guard the subsequent conditional write. A missing label reads as
// zero.
func (m *Mirror) readLabel(ctx context.Context, plane string) (plumbing.Hash, string, error) {
	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(m.labelKey(plane)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return plumbing.ZeroHash, "", nil
		}
		return plumbing.ZeroHash, "", fmt.Errorf("read label for plane %s from s3://%s: %w", plane, m.cfg.Bucket, err)
	}
	defer result.Body.Close()
	body, err := io.ReadAll(result.Body)
	if err != nil {
		return plumbing.ZeroHash, "", err
	}
	tip := plumbing.NewHash(strings.TrimSpace(string(body)))
	if tip.IsZero() {
		return plumbing.ZeroHash, "", fmt.Errorf("label for plane %s in s3://%s is malformed", plane, m.cfg.Bucket)
	}
	return tip, aws.ToString(result.ETag), nil
}

// writeLabel advances the remote label with a compare-and-swap on the
// ETag observed by readLabel, so a concurrent pusher loses cleanly
// instead of overwriting.
func (m *Mirror) writeLabel(ctx context.Context, plane string, tip plumbing.Hash, etag string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(m.labelKey(plane)),
		Body:   strings.NewReader(tip.String() + "\n"),
	}
	if etag == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(etag)
	}
	if m.cfg.SSE {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	if _, err := m.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return &RejectedError{Plane: plane, Reason: "remote label changed during push"}
		}
		return fmt.Errorf("write label for plane %s to s3://%s: %w", plane, m.cfg.Bucket, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	return strings.Contains(err.Error(), "PreconditionFailed") ||
		strings.Contains(err.Error(), "412")
}
