// Package hotcache defines the small cache tier sitting in front of the
// entry store. The hot tier is a cache of a cache: it carries no coherence
// guarantees, its entries expire on a shorter TTL than the store's, and
// every failure degrades to a miss.
package hotcache

import (
	"context"

	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// Cache is the hot tier contract. Implementations are safe for concurrent
// use and never let a backend failure reach the caller.
type Cache interface {
	// Get returns the cached payload, or false on miss, expiry, or error.
	Get(ctx context.Context, fp descriptor.Fingerprint) ([]byte, bool)

	// Set stores the payload best-effort under the tier's TTL.
	Set(ctx context.Context, fp descriptor.Fingerprint, payload []byte)

	// Delete removes the fingerprint, if present.
	Delete(ctx context.Context, fp descriptor.Fingerprint)

	// Flush removes every entry.
	Flush(ctx context.Context)

	// Len returns the current entry count (approximate for remote backends).
	Len(ctx context.Context) int

	// Stats returns the tier's counters.
	Stats() Stats

	// Close releases backend resources.
	Close() error
}

// Stats holds hot-tier counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Disabled is the no-op tier used when the hot cache is turned off.
type Disabled struct{}

func (Disabled) Get(context.Context, descriptor.Fingerprint) ([]byte, bool) { return nil, false }
func (Disabled) Set(context.Context, descriptor.Fingerprint, []byte)        {}
func (Disabled) Delete(context.Context, descriptor.Fingerprint)             {}
func (Disabled) Flush(context.Context)                                      {}
func (Disabled) Len(context.Context) int                                    { return 0 }
func (Disabled) Stats() Stats                                               { return Stats{} }
func (Disabled) Close() error                                               { return nil }
