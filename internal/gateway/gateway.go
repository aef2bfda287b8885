// Package gateway defines the blockchain RPC/gateway client contract.
// spec.md's non-goals explicitly scope the gateway's HTTP client
// implementation out ("the blockchain RPC/gateway HTTP clients... their
// contract appears only as an interface") — only the interface that
// pricing, post-bundle, seed-bundle, and verify-bundle depend on is
// specified here.
package gateway

import "context"

// TxHeaders is the signed-transaction envelope post-bundle submits.
type TxHeaders struct {
	Owner     string
	Target    string
	Data      []byte
	DataSize  int64
	Signature []byte
	Reward    string
	Tags      map[string]string
}

// PostResult is what the gateway returns for a successfully accepted
// transaction post.
type PostResult struct {
	TxID   string
	Reward string
}

// Client is the blockchain gateway collaborator the bundle lifecycle
// engine and pricing quoter depend on.
type Client interface {
	// WinstonPerByte returns the network's current storage price,
	// consumed by pricing.GatewayPriceSource.
	WinstonPerByte(ctx context.Context) (string, error)

	// PostTransactionHeaders submits a signed transaction's headers
	// (post-bundle), returning the assigned transaction id and the
	// reward actually charged.
	PostTransactionHeaders(ctx context.Context, headers TxHeaders) (*PostResult, error)

	// UploadChunk uploads one content-addressed chunk of a transaction's
	// payload (seed-bundle). Idempotent: re-uploading an already-seen
	// chunk is a no-op on the gateway side.
	UploadChunk(ctx context.Context, txID string, chunk []byte, offset int64) error

	// BlockHeight returns the gateway's current tip height
	// (verify-bundle's confirmation/permanence comparisons).
	BlockHeight(ctx context.Context) (int64, error)

	// TransactionBlockHeight returns the block height a transaction was
	// mined in, or -1 if it hasn't been mined yet.
	TransactionBlockHeight(ctx context.Context, txID string) (int64, error)
}
