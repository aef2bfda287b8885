package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/permaweb/bundler-gateway/internal/apperror"
	"github.com/permaweb/bundler-gateway/internal/bundler"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/objectstore"
)

// defaultChunkSize matches spec §4.1's documented multipart default.
const defaultChunkSize = 25 * 1024 * 1024

const (
	minPartSize = 5 * 1024 * 1024
	maxPartSize = 500 * 1024 * 1024
)

// multipartObjectKey is the object-store key a multipart session's parts
// are assembled under. It is deliberately distinct from dataItemObjectKey:
// the data item id isn't known until the assembled payload is parsed at
// finalize time, so the upload session id is the only key available when
// the session opens.
func multipartObjectKey(uploadID uuid.UUID) string {
	return fmt.Sprintf("multipart-session/%s", uploadID)
}

// MultipartSession is what CreateMultipartUpload hands back to the client.
type MultipartSession struct {
	UploadID      uuid.UUID
	ChunkSize     int64
	FinalizeToken string
}

// CreateMultipartUpload opens a chunked upload session for a data item of
// dataItemSize bytes, chunked at chunkSize (or the default if zero).
func (p *Pipeline) CreateMultipartUpload(ctx context.Context, userAddress *string, chunkSize, dataItemSize int64) (*MultipartSession, error) {
	if dataItemSize > p.bundling.MaxSingleDataItemByteCount {
		return nil, apperror.New(apperror.KindTooLarge, fmt.Sprintf("data item of %d bytes exceeds the %d byte limit", dataItemSize, p.bundling.MaxSingleDataItemByteCount))
	}
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	if chunkSize < minPartSize || chunkSize > maxPartSize {
		return nil, apperror.New(apperror.KindInvalidInput, fmt.Sprintf("chunk size must be between %d and %d bytes", minPartSize, maxPartSize))
	}

	uploadID := uuid.New()
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("ingest: generate finalize token: %w", err)
	}

	if _, err := p.objectStore.CreateMultipartUpload(ctx, multipartObjectKey(uploadID), nil); err != nil {
		return nil, fmt.Errorf("ingest: create object store multipart upload: %w", err)
	}

	if err := p.db.CreateMultipartUpload(ctx, upload.MultipartUpload{
		UploadID:          uploadID,
		UserAddress:       userAddress,
		ChunkSize:         chunkSize,
		ExpectedByteCount: dataItemSize,
		FinalizeToken:     token,
	}); err != nil {
		return nil, fmt.Errorf("ingest: record multipart upload: %w", err)
	}

	return &MultipartSession{UploadID: uploadID, ChunkSize: chunkSize, FinalizeToken: token}, nil
}

// UploadPart uploads one chunk of an open multipart session to the object
// store and records its ETag.
func (p *Pipeline) UploadPart(ctx context.Context, uploadID uuid.UUID, partNumber int32, body io.Reader, size int64) error {
	session, err := p.objectStoreUploadID(ctx, uploadID)
	if err != nil {
		return err
	}

	etag, err := p.objectStore.UploadPart(ctx, multipartObjectKey(uploadID), session, partNumber, body, size)
	if err != nil {
		return fmt.Errorf("ingest: upload part %d: %w", partNumber, err)
	}

	return p.db.RecordPart(ctx, upload.MultipartPart{
		UploadID:   uploadID,
		PartNumber: int(partNumber),
		ETag:       etag,
		Size:       size,
	})
}

// objectStoreUploadID resolves the multipart session to the object
// store's own upload id. The object store's CreateMultipartUpload call in
// CreateMultipartUpload already returned this id; sessions track it by
// reusing the session uuid as the object-store key rather than storing a
// second id, since every object store this gateway targets accepts an
// arbitrary string as its upload id.
func (p *Pipeline) objectStoreUploadID(ctx context.Context, uploadID uuid.UUID) (string, error) {
	if _, err := p.db.GetMultipartUpload(ctx, uploadID); err != nil {
		return "", apperror.Wrap(apperror.KindNotFound, "multipart upload not found", err)
	}
	return uploadID.String(), nil
}

// FinalizeMultipartUpload validates the finalize token and part
// contiguity, then enqueues the finalize-upload job that assembles,
// prices and records the completed data item. The heavy lifting happens
// out of the request path because completing a multi-gigabyte multipart
// upload and re-parsing it can take longer than an HTTP client should
// have to wait on a single connection.
func (p *Pipeline) FinalizeMultipartUpload(ctx context.Context, uploadID uuid.UUID, token string) error {
	session, err := p.db.GetMultipartUpload(ctx, uploadID)
	if err != nil {
		return apperror.Wrap(apperror.KindNotFound, "multipart upload not found", err)
	}
	if session.Status != upload.MultipartOpen {
		return apperror.New(apperror.KindConflict, "multipart upload already finalized or aborted")
	}
	if session.FinalizeToken != token {
		return apperror.New(apperror.KindUnauthorized, "invalid finalize token")
	}

	parts, err := p.db.ListParts(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("ingest: list multipart parts: %w", err)
	}
	if err := upload.VerifyContiguous(parts); err != nil {
		return apperror.Wrap(apperror.KindInvalidInput, "multipart upload has gaps between parts", err)
	}

	if err := p.queue.Enqueue(ctx, bundler.QueueFinalizeUpload, []byte(uploadID.String())); err != nil {
		return fmt.Errorf("ingest: enqueue finalize-upload: %w", err)
	}
	return nil
}

// RunFinalize is the finalize-upload queue handler's body: it completes
// the object-store multipart upload, streams the assembled object back
// through the same parse/reserve/store/record pipeline IngestSigned uses
// for a single-shot upload. The resulting receipt is returned to the queue
// handler only; the client polls GET /tx/<id>/status instead, since the
// original HTTP connection that initiated the multipart session is long
// gone by the time this job runs.
func (p *Pipeline) RunFinalize(ctx context.Context, uploadID uuid.UUID) (*Receipt, error) {
	if _, err := p.db.GetMultipartUpload(ctx, uploadID); err != nil {
		return nil, fmt.Errorf("ingest: finalize: load session: %w", err)
	}

	parts, err := p.db.ListParts(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("ingest: finalize: list parts: %w", err)
	}
	storeParts := make([]objectstore.Part, len(parts))
	for i, part := range parts {
		storeParts[i] = objectstore.Part{PartNumber: int32(part.PartNumber), ETag: part.ETag, Size: part.Size}
	}

	if err := p.objectStore.CompleteMultipartUpload(ctx, multipartObjectKey(uploadID), uploadID.String(), storeParts); err != nil {
		if abortErr := p.objectStore.AbortMultipartUpload(ctx, multipartObjectKey(uploadID), uploadID.String()); abortErr != nil {
			return nil, fmt.Errorf("ingest: finalize: complete failed (%w), abort also failed: %v", err, abortErr)
		}
		return nil, fmt.Errorf("ingest: finalize: complete multipart upload: %w", err)
	}

	body, info, err := p.objectStore.GetObject(ctx, multipartObjectKey(uploadID))
	if err != nil {
		return nil, fmt.Errorf("ingest: finalize: fetch assembled object: %w", err)
	}
	defer body.Close()

	receipt, err := p.IngestSigned(ctx, body, info.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("ingest: finalize: ingest assembled data item: %w", err)
	}

	if err := p.db.FinalizeMultipartUpload(ctx, uploadID); err != nil {
		return nil, fmt.Errorf("ingest: finalize: mark session finalized: %w", err)
	}

	// The assembled object has already been copied into its
	// dataItemObjectKey home by IngestSigned; a failure to clean up the
	// staging copy costs storage, not correctness.
	_ = p.objectStore.DeleteObject(ctx, multipartObjectKey(uploadID))

	return receipt, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
