package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permaweb/bundler-gateway/internal/ans104"
	"github.com/permaweb/bundler-gateway/internal/db/upload"
	"github.com/permaweb/bundler-gateway/internal/winston"
)

func TestPreparer_Run_AssemblesBundleAndManifest(t *testing.T) {
	db := newTestUploadDB(t)
	ctx := context.Background()
	store := newFakeStore()

	envelopeA, idA := buildEnvelope([]byte("hello world"), []ans104.Tag{{Name: "Content-Type", Value: "text/plain"}})
	envelopeB, idB := buildEnvelope([]byte("second item payload"), nil)

	require.NoError(t, store.PutObject(ctx, dataItemObjectKey(idA), bytes.NewReader(envelopeA), int64(len(envelopeA)), nil))
	require.NoError(t, store.PutObject(ctx, dataItemObjectKey(idB), bytes.NewReader(envelopeB), int64(len(envelopeB)), nil))

	for _, id := range []string{idA, idB} {
		require.NoError(t, db.InsertNewDataItem(ctx, upload.NewDataItem{
			DataItemID:           id,
			OwnerPublicAddress:   "owner-1",
			ByteCount:            4096,
			AssessedWinstonPrice: winston.FromInt64(1),
			DeadlineHeight:       999999,
		}))
	}
	require.NoError(t, db.CreatePlan(ctx, "00000000-0000-4000-8000-000000000301", []string{idA, idB}, 8192))
	require.NoError(t, db.MoveToPlanned(ctx, "00000000-0000-4000-8000-000000000301", []string{idA, idB}))

	preparer := NewPreparer(db, store)
	prepared, err := preparer.Run(ctx, "00000000-0000-4000-8000-000000000301")
	require.NoError(t, err)
	require.Equal(t, int64(len(envelopeA)+len(envelopeB)), prepared.PayloadByteCount)

	payloadBody, _, err := store.GetObject(ctx, bundlePayloadKey("00000000-0000-4000-8000-000000000301"))
	require.NoError(t, err)
	payload, err := io.ReadAll(payloadBody)
	require.NoError(t, err)

	entries, err := ans104.DecodeBundleHeader(bytes.NewReader(payload))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, idA, entries[0].ID)
	require.Equal(t, int64(len(envelopeA)), entries[0].Size)

	manifestBody, _, err := store.GetObject(ctx, bundleManifestKey("00000000-0000-4000-8000-000000000301"))
	require.NoError(t, err)
	manifestRaw, err := io.ReadAll(manifestBody)
	require.NoError(t, err)

	var manifest []manifestEntry
	require.NoError(t, json.Unmarshal(manifestRaw, &manifest))
	require.Len(t, manifest, 2)
	require.Equal(t, "text/plain", manifest[0].PayloadContentType)
}
