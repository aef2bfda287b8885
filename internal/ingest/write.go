package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/permaweb/bundler-gateway/internal/ans104"
)

// writeEnvelope persists the full raw envelope (header bytes + payload,
// re-encoded from the already-decoded header so the bytes already pulled
// off the wire by DecodeHeaderStream don't need to be buffered separately)
// under dataItemObjectKey. The object store is the sole authoritative
// write: its failure aborts the whole ingest. The backup filesystem mirror
// and hot cache are best-effort fan-out over the same stream via a
// TeeReader, the way the teacher's AtomicPayment middleware fans a single
// payment event out to its ledger and its audit log without letting a
// failure in the latter undo the former.
func (p *Pipeline) writeEnvelope(ctx context.Context, header *ans104.Header, payload io.Reader, declaredSize int64) error {
	headerBytes, err := ans104.EncodeHeader(header)
	if err != nil {
		return fmt.Errorf("ingest: re-encode header: %w", err)
	}
	if int64(len(headerBytes)) != header.PayloadStart {
		return fmt.Errorf("ingest: re-encoded header length %d does not match payload start %d", len(headerBytes), header.PayloadStart)
	}

	capture := newBoundedCapture(p.cache.MaxCaptureBytes())
	tee := io.TeeReader(io.MultiReader(bytes.NewReader(headerBytes), payload), capture)

	if err := p.objectStore.PutObject(ctx, dataItemObjectKey(header.ID), tee, declaredSize, nil); err != nil {
		return fmt.Errorf("ingest: put object: %w", err)
	}

	full, ok := capture.Bytes()
	if ok {
		if p.backup.Enabled() {
			if err := p.backup.Write(header.ID, bytes.NewReader(full)); err != nil {
				slog.Warn("ingest: backup filesystem mirror failed", "data_item_id", header.ID, "error", err)
			}
		}
		p.cache.Put(header.ID, full)
	}

	return nil
}

// boundedCapture is an io.Writer that accumulates up to limit bytes, then
// discards everything afterward rather than growing unbounded — the
// backup mirror and hot cache only ever want small-to-medium objects
// (spec §4.5: hot cache is for "small objects", and the backup mirror is
// best-effort so skipping oversized items there costs nothing).
type boundedCapture struct {
	buf    bytes.Buffer
	limit  int64
	broken bool
}

func newBoundedCapture(limit int64) *boundedCapture {
	return &boundedCapture{limit: limit}
}

func (c *boundedCapture) Write(p []byte) (int, error) {
	if !c.broken {
		if int64(c.buf.Len()+len(p)) > c.limit {
			c.broken = true
			c.buf.Reset()
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

// Bytes returns the captured payload and whether capture stayed within
// the size bound.
func (c *boundedCapture) Bytes() ([]byte, bool) {
	if c.broken || c.limit <= 0 {
		return nil, false
	}
	return c.buf.Bytes(), true
}
