// Package objectstore wraps the S3-compatible object store spec §4.5
// names: the authoritative write target for data-item payloads and
// bundle payloads, backed by either AWS S3 or MinIO through one
// interface.
package objectstore

import (
	"context"
	"io"
)

// ObjectMetadata is attached to a put and returned on get/head, carrying
// the two fields spec §4.5 names (`payload-data-start`,
// `payload-content-type`) plus anything else a caller wants to tag an
// object with.
type ObjectMetadata map[string]string

// ObjectInfo is the result of a headObject call.
type ObjectInfo struct {
	Key           string
	ContentLength int64
	Metadata      ObjectMetadata
}

// Part describes one uploaded multipart chunk, returned from ListParts
// and accepted by CompleteMultipartUpload.
type Part struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// Store is the object-store contract every ingress and bundle-lifecycle
// component is written against (spec §4.5's "required operations").
type Store interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, metadata ObjectMetadata) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error

	CreateMultipartUpload(ctx context.Context, key string, metadata ObjectMetadata) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (etag string, err error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
}
