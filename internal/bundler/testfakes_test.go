package bundler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/permaweb/bundler-gateway/internal/gateway"
	"github.com/permaweb/bundler-gateway/internal/objectstore"
	"github.com/permaweb/bundler-gateway/internal/queue"
)

var (
	_ objectstore.Store = (*fakeStore)(nil)
	_ gateway.Client    = (*fakeGateway)(nil)
	_ queue.Backend     = (*fakeQueue)(nil)
)

// fakeStore is a minimal in-memory objectstore.Store, standing in for S3
// the way fixedClient stands in for the pricing gateway in
// internal/gateway/priceadapter_test.go — no pack library ships an
// in-memory S3 double, so a small hand-rolled one is the idiomatic stand-in.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]objectstore.ObjectMetadata
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte), meta: make(map[string]objectstore.ObjectMetadata)}
}

func (s *fakeStore) PutObject(_ context.Context, key string, body io.Reader, _ int64, metadata objectstore.ObjectMetadata) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.meta[key] = metadata
	return nil
}

func (s *fakeStore) GetObject(_ context.Context, key string) (io.ReadCloser, *objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, nil, errors.New("fakeStore: object not found: " + key)
	}
	info := &objectstore.ObjectInfo{Key: key, ContentLength: int64(len(data)), Metadata: s.meta[key]}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (s *fakeStore) HeadObject(ctx context.Context, key string) (*objectstore.ObjectInfo, error) {
	_, info, err := s.GetObject(ctx, key)
	return info, err
}

func (s *fakeStore) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.meta, key)
	return nil
}

func (s *fakeStore) CreateMultipartUpload(context.Context, string, objectstore.ObjectMetadata) (string, error) {
	return "", errors.New("fakeStore: multipart not supported")
}

func (s *fakeStore) UploadPart(context.Context, string, string, int32, io.Reader, int64) (string, error) {
	return "", errors.New("fakeStore: multipart not supported")
}

func (s *fakeStore) CompleteMultipartUpload(context.Context, string, string, []objectstore.Part) error {
	return errors.New("fakeStore: multipart not supported")
}

func (s *fakeStore) AbortMultipartUpload(context.Context, string, string) error {
	return errors.New("fakeStore: multipart not supported")
}

func (s *fakeStore) ListParts(context.Context, string, string) ([]objectstore.Part, error) {
	return nil, errors.New("fakeStore: multipart not supported")
}

// fakeGateway is a scripted gateway.Client double.
type fakeGateway struct {
	mu sync.Mutex

	winstonPerByte string
	blockHeight    int64
	minedHeights   map[string]int64

	postResult *gateway.PostResult
	postErr    error
	uploadErr  error

	posted         []gateway.TxHeaders
	uploadedChunks [][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		winstonPerByte: "10",
		minedHeights:   make(map[string]int64),
		postResult:     &gateway.PostResult{TxID: "tx-1", Reward: "100"},
	}
}

func (g *fakeGateway) WinstonPerByte(context.Context) (string, error) {
	return g.winstonPerByte, nil
}

func (g *fakeGateway) PostTransactionHeaders(_ context.Context, headers gateway.TxHeaders) (*gateway.PostResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posted = append(g.posted, headers)
	if g.postErr != nil {
		return nil, g.postErr
	}
	return g.postResult, nil
}

func (g *fakeGateway) UploadChunk(_ context.Context, _ string, chunk []byte, _ int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uploadErr != nil {
		return g.uploadErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	g.uploadedChunks = append(g.uploadedChunks, cp)
	return nil
}

func (g *fakeGateway) BlockHeight(context.Context) (int64, error) {
	return g.blockHeight, nil
}

func (g *fakeGateway) TransactionBlockHeight(_ context.Context, txID string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.minedHeights[txID]; ok {
		return h, nil
	}
	return -1, nil
}

// fakeQueue is an in-memory queue.Backend double recording every enqueue.
type fakeQueue struct {
	mu         sync.Mutex
	enqueued   map[string][][]byte
	repeatable map[string]string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{enqueued: make(map[string][][]byte), repeatable: make(map[string]string)}
}

func (q *fakeQueue) Enqueue(_ context.Context, queueName string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued[queueName] = append(q.enqueued[queueName], payload)
	return nil
}

func (q *fakeQueue) EnqueueBatch(ctx context.Context, queueName string, payloads [][]byte) error {
	for _, p := range payloads {
		if err := q.Enqueue(ctx, queueName, p); err != nil {
			return err
		}
	}
	return nil
}

func (q *fakeQueue) Consume(context.Context, string, queue.Handler, queue.Options) error {
	return nil
}

func (q *fakeQueue) Repeatable(_ context.Context, cron, id string, _ []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repeatable[id] = cron
	return nil
}

func (q *fakeQueue) Close() error { return nil }
