package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"course-uploader/internal/uploads"
)

// ErrUnknownUpload is returned when an S3 upload id was not started by this
// transport and its object key cannot be recovered.
var ErrUnknownUpload = errors.New("unknown multipart upload")

const abortParallelism = 8

type Options struct {
	Bucket    string
	KeyPrefix string
	Logger    *logrus.Logger
}

// S3Transport streams lecture videos into S3 with the multipart API. The
// backend upload id handed to the manager is the S3 UploadId.
type S3Transport struct {
	client MultipartAPI
	bucket string
	prefix string
	logger *logrus.Logger

	// S3 UploadId -> object key; Abort and Complete need both.
	keys sync.Map
}

func NewS3Transport(client MultipartAPI, opts Options) (*S3Transport, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &S3Transport{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.KeyPrefix, "/"),
		logger: opts.Logger,
	}, nil
}

func (s *S3Transport) objectKey(fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	key := uuid.NewString() + "/" + name
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

func (s *S3Transport) Begin(ctx context.Context, session uploads.Session) (string, error) {
	key := s.objectKey(session.FileName)
	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		ACL:      types.ObjectCannedACLPrivate,
		Metadata: map[string]string{"client-upload-id": session.UploadID},
	}
	if session.ContentType != "" {
		input.ContentType = aws.String(session.ContentType)
	}
	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := aws.ToString(out.UploadId)
	if uploadID == "" {
		return "", fmt.Errorf("create multipart upload: no upload id returned")
	}
	s.keys.Store(uploadID, key)
	s.logger.WithFields(logrus.Fields{
		"upload_id": session.UploadID,
		"s3_key":    key,
	}).Info("multipart upload created")
	return uploadID, nil
}

func (s *S3Transport) Send(ctx context.Context, chunk uploads.Chunk) (uploads.ChunkResult, error) {
	key, err := s.keyFor(chunk.BackendID)
	if err != nil {
		return uploads.ChunkResult{}, err
	}
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(chunk.BackendID),
		PartNumber:    aws.Int32(partNumber(chunk.Index)),
		Body:          bytes.NewReader(chunk.Data),
		ContentLength: aws.Int64(int64(len(chunk.Data))),
	})
	if err != nil {
		return uploads.ChunkResult{}, fmt.Errorf("upload part %d: %w", partNumber(chunk.Index), err)
	}
	return uploads.ChunkResult{Index: chunk.Index, ETag: aws.ToString(out.ETag)}, nil
}

func (s *S3Transport) Complete(ctx context.Context, backendID string, parts []uploads.ChunkResult) (string, error) {
	key, err := s.keyFor(backendID)
	if err != nil {
		return "", err
	}
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(partNumber(p.Index)),
		}
	}
	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(backendID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart upload: %w", err)
	}
	s.keys.Delete(backendID)

	if loc := aws.ToString(out.Location); loc != "" {
		return loc, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// CancelUpload aborts a multipart upload and releases its stored parts. An
// upload S3 no longer knows counts as aborted.
func (s *S3Transport) CancelUpload(ctx context.Context, backendID string) error {
	key, err := s.keyFor(backendID)
	if err != nil {
		return err
	}
	_, err = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(backendID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return fmt.Errorf("abort multipart upload %s: %w", backendID, err)
	}
	s.keys.Delete(backendID)
	s.logger.WithField("backend_upload_id", backendID).Info("multipart upload aborted")
	return nil
}

// CancelUploads aborts every upload concurrently. S3 has no batch abort, so
// each failure is collected and returned joined.
func (s *S3Transport) CancelUploads(ctx context.Context, backendIDs []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(abortParallelism)
	for _, id := range backendIDs {
		id := id
		g.Go(func() error {
			if err := s.CancelUpload(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ListPending pages through the multipart uploads under the key prefix.
// Uploads it finds become abortable through CancelUpload.
func (s *S3Transport) ListPending(ctx context.Context) ([]PendingUpload, error) {
	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucket),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	var pending []PendingUpload
	for {
		output, err := s.client.ListMultipartUploads(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list multipart uploads: %w", err)
		}

		for _, u := range output.Uploads {
			p := PendingUpload{
				Key:       aws.ToString(u.Key),
				UploadID:  aws.ToString(u.UploadId),
				Initiated: u.Initiated,
			}
			s.keys.LoadOrStore(p.UploadID, p.Key)
			pending = append(pending, p)
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		input.KeyMarker = output.NextKeyMarker
		input.UploadIdMarker = output.NextUploadIdMarker
	}
	return pending, nil
}

// AbortStale aborts pending uploads initiated before now-olderThan, which
// are left behind when the process dies mid-upload. It returns how many
// uploads were aborted.
func (s *S3Transport) AbortStale(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := s.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	var stale []string
	for _, p := range pending {
		if p.Initiated == nil || p.Initiated.Before(cutoff) {
			stale = append(stale, p.UploadID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.CancelUploads(ctx, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (s *S3Transport) keyFor(backendID string) (string, error) {
	v, ok := s.keys.Load(backendID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownUpload, backendID)
	}
	return v.(string), nil
}

// S3 part numbers start at 1.
func partNumber(index int) int32 {
	return int32(index + 1)
}

func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var coded interface{ ErrorCode() string }
	return errors.As(err, &coded) && coded.ErrorCode() == "NoSuchUpload"
}

var (
	_ uploads.Transport = (*S3Transport)(nil)
	_ uploads.Notifier  = (*S3Transport)(nil)
)
