package bundler

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/gateway"
	"github.com/permaweb/bundler-gateway/internal/objectstore"
)

// maxChunkSize is the largest chunk seed-bundle uploads in a single
// UploadChunk call.
const maxChunkSize = 256 * 1024

// Seeder runs the seed-bundle stage: it uploads a posted bundle's
// payload to the gateway network in content-addressed chunks. Chunking
// makes the upload idempotent — a re-run of an already-seen chunk is
// the gateway's no-op, so a crash mid-seed only costs the chunks not
// yet acknowledged.
type Seeder struct {
	db    *upload.DB
	store objectstore.Store
	gw    gateway.Client
}

// NewSeeder builds a Seeder.
func NewSeeder(db *upload.DB, store objectstore.Store, gw gateway.Client) *Seeder {
	return &Seeder{db: db, store: store, gw: gw}
}

// Run uploads bundleID's payload chunks, marking the bundle seeded once
// every chunk is acknowledged.
func (s *Seeder) Run(ctx context.Context, bundleID string) error {
	bundle, err := s.db.GetBundle(ctx, bundleID)
	if err != nil {
		return fmt.Errorf("bundler: seed: %w", err)
	}

	body, _, err := s.store.GetObject(ctx, bundlePayloadKey(bundle.PlanID))
	if err != nil {
		return fmt.Errorf("bundler: seed: fetch bundle payload: %w", err)
	}
	defer body.Close()

	var offset int64
	chunk := make([]byte, maxChunkSize)
	for {
		n, readErr := io.ReadFull(body, chunk)
		if n > 0 {
			if err := s.gw.UploadChunk(ctx, bundleID, chunk[:n], offset); err != nil {
				return fmt.Errorf("bundler: seed: upload chunk at offset %d: %w", offset, err)
			}
			offset += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("bundler: seed: read bundle payload: %w", readErr)
		}
	}

	if err := s.db.MarkSeeded(ctx, bundleID); err != nil {
		return fmt.Errorf("bundler: seed: mark seeded: %w", err)
	}
	slog.Info("bundler: bundle seeded", "bundle_id", bundleID, "bytes", offset)
	return nil
}
