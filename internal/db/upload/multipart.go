package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrMultipartUploadNotFound and ErrPartsNotContiguous back the
	// multipart bookkeeping operations below.
	ErrMultipartUploadNotFound = errors.New("upload: multipart upload not found")
	ErrPartsNotContiguous      = errors.New("upload: multipart upload has gaps in part numbers")
)

// MultipartStatus is multipart_uploads.status.
type MultipartStatus string

const (
	MultipartOpen      MultipartStatus = "open"
	MultipartFinalized MultipartStatus = "finalized"
	MultipartAborted   MultipartStatus = "aborted"
)

// MultipartUpload tracks a chunked upload session (spec §4.5).
type MultipartUpload struct {
	UploadID          uuid.UUID
	UserAddress       *string
	ChunkSize         int64
	ExpectedByteCount int64
	FinalizeToken     string
	Status            MultipartStatus
	CreatedAt         time.Time
}

// MultipartPart is one uploaded chunk, recorded after the object store
// confirms the part write and returns its ETag.
type MultipartPart struct {
	UploadID   uuid.UUID
	PartNumber int
	ETag       string
	Size       int64
}

// CreateMultipartUpload opens a new chunked upload session.
func (db *DB) CreateMultipartUpload(ctx context.Context, u MultipartUpload) error {
	if u.UploadID == uuid.Nil {
		return fmt.Errorf("upload: multipart upload requires a non-nil id")
	}
	err := db.Exec(ctx, `
		INSERT INTO multipart_uploads (upload_id, user_address, chunk_size, expected_byte_count, finalize_token, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.UploadID, u.UserAddress, u.ChunkSize, u.ExpectedByteCount, u.FinalizeToken, MultipartOpen)
	if err != nil {
		return fmt.Errorf("upload: create multipart upload: %w", err)
	}
	return nil
}

// GetMultipartUpload fetches a session by id.
func (db *DB) GetMultipartUpload(ctx context.Context, uploadID uuid.UUID) (*MultipartUpload, error) {
	row := db.QueryRow(ctx, `
		SELECT upload_id, user_address, chunk_size, expected_byte_count, finalize_token, status, created_at
		FROM multipart_uploads WHERE upload_id = $1`, uploadID)
	u := &MultipartUpload{}
	err := row.Scan(&u.UploadID, &u.UserAddress, &u.ChunkSize, &u.ExpectedByteCount, &u.FinalizeToken, &u.Status, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMultipartUploadNotFound
	}
	return u, err
}

// RecordPart upserts a completed chunk's metadata, keyed by (upload_id,
// part_number) so a client retrying a chunk PUT after a network blip
// overwrites rather than duplicates.
func (db *DB) RecordPart(ctx context.Context, p MultipartPart) error {
	err := db.Exec(ctx, `
		INSERT INTO multipart_upload_parts (upload_id, part_number, etag, size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (upload_id, part_number) DO UPDATE SET etag = EXCLUDED.etag, size = EXCLUDED.size`,
		p.UploadID, p.PartNumber, p.ETag, p.Size)
	if err != nil {
		return fmt.Errorf("upload: record multipart part: %w", err)
	}
	return nil
}

// ListParts returns every recorded part for an upload, ordered by part
// number, ready to hand to the object store's CompleteMultipartUpload call.
func (db *DB) ListParts(ctx context.Context, uploadID uuid.UUID) ([]MultipartPart, error) {
	rows, err := db.Query(ctx, `
		SELECT upload_id, part_number, etag, size
		FROM multipart_upload_parts WHERE upload_id = $1 ORDER BY part_number ASC`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("upload: list multipart parts: %w", err)
	}
	defer rows.Close()

	var parts []MultipartPart
	for rows.Next() {
		var p MultipartPart
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.ETag, &p.Size); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// VerifyContiguous checks that parts 1..N exist with no gaps before
// finalization is attempted, the precondition spec §4.5 requires before a
// multipart upload can be assembled into a data item.
func VerifyContiguous(parts []MultipartPart) error {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return ErrPartsNotContiguous
		}
	}
	return nil
}

// FinalizeMultipartUpload transitions a session to "finalized" once its
// parts have been assembled into a completed data item.
func (db *DB) FinalizeMultipartUpload(ctx context.Context, uploadID uuid.UUID) error {
	return db.setMultipartStatus(ctx, uploadID, MultipartFinalized)
}

// AbortMultipartUpload transitions a session to "aborted", after which its
// parts are eligible for object-store cleanup.
func (db *DB) AbortMultipartUpload(ctx context.Context, uploadID uuid.UUID) error {
	return db.setMultipartStatus(ctx, uploadID, MultipartAborted)
}

func (db *DB) setMultipartStatus(ctx context.Context, uploadID uuid.UUID, status MultipartStatus) error {
	tag, err := db.ExecResult(ctx, `UPDATE multipart_uploads SET status = $1 WHERE upload_id = $2`, status, uploadID)
	if err != nil {
		return fmt.Errorf("upload: set multipart status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMultipartUploadNotFound
	}
	return nil
}
