package backbone

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/openfluke/affect/nn"
)

// CachedEncoder memoizes per-frame features keyed by a hash of the frame's
// pixels. It is only valid while the wrapped encoder is deterministic, so
// it must not wrap an encoder whose attention carries trainable adapters.
type CachedEncoder struct {
	inner Encoder
	cache *ristretto.Cache
}

// NewCachedEncoder wraps inner with a cache bounded to maxBytes of features.
func NewCachedEncoder(inner Encoder, maxBytes int64) (*CachedEncoder, error) {
	entryBytes := int64(inner.FeatureDim() * 4)
	if entryBytes <= 0 {
		entryBytes = 4
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * (maxBytes/entryBytes + 1), // ~10x expected entries
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create feature cache: %w", err)
	}
	return &CachedEncoder{inner: inner, cache: cache}, nil
}

// Inner returns the wrapped encoder.
func (c *CachedEncoder) Inner() Encoder {
	return c.inner
}

func (c *CachedEncoder) FeatureDim() int {
	return c.inner.FeatureDim()
}

// EncodeImage serves cached frames and encodes the rest in one batch.
func (c *CachedEncoder) EncodeImage(images *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if images.Dims() != 4 {
		return nil, fmt.Errorf("%w: want [B, C, H, W], got %v", ErrImageShape, images.Shape)
	}
	batch := images.Shape[0]
	frameSize := images.Size() / max(batch, 1)
	dim := c.inner.FeatureDim()
	out := nn.NewTensor[float32](batch, dim)

	keys := make([]uint64, batch)
	var missing []int
	for b := 0; b < batch; b++ {
		keys[b] = frameKey(images.Data[b*frameSize : (b+1)*frameSize])
		if v, ok := c.cache.Get(keys[b]); ok {
			copy(out.Row(b), v.([]float32))
			continue
		}
		missing = append(missing, b)
	}
	if len(missing) == 0 {
		return out, nil
	}

	subset := nn.NewTensor[float32](append([]int{len(missing)}, images.Shape[1:]...)...)
	for i, b := range missing {
		copy(subset.Data[i*frameSize:(i+1)*frameSize], images.Data[b*frameSize:(b+1)*frameSize])
	}
	features, err := c.inner.EncodeImage(subset)
	if err != nil {
		return nil, err
	}
	for i, b := range missing {
		row := append([]float32(nil), features.Row(i)...)
		copy(out.Row(b), row)
		c.cache.Set(keys[b], row, int64(len(row)*4))
	}
	c.cache.Wait()
	return out, nil
}

// Stats returns the cache hit and miss counts.
func (c *CachedEncoder) Stats() (hits, misses uint64) {
	return c.cache.Metrics.Hits(), c.cache.Metrics.Misses()
}

// Close releases the cache.
func (c *CachedEncoder) Close() {
	c.cache.Close()
}

func frameKey(pixels []float32) uint64 {
	d := xxhash.New()
	var buf [4]byte
	for _, p := range pixels {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(p))
		d.Write(buf[:])
	}
	return d.Sum64()
}
