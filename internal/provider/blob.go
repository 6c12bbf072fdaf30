package provider

import "context"

// BlobStore is the opaque image storage contract the web layer satisfies.
// Image bytes never pass through the ledger or job engine; jobs carry only
// the references returned by Put.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}
