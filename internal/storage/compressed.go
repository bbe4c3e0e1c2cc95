package storage

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compressed zstd-compresses blobs on the way into the wrapped store.
type Compressed struct {
	inner Blobs
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func NewCompressed(inner Blobs) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Compressed{inner: inner, enc: enc, dec: dec}, nil
}

func (c *Compressed) Put(ctx context.Context, key string, body []byte, contentType string) error {
	return c.inner.Put(ctx, key, c.enc.EncodeAll(body, nil), contentType)
}

func (c *Compressed) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	out, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	return out, nil
}

func (c *Compressed) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}
