// Package answercache memoizes AI query responses across three tiers: a
// small in-process hot cache, a disk-backed entry store with TTL and
// priority-aware eviction, and a semantic similarity index that matches
// paraphrased queries through embedding vectors.
//
// Basic usage:
//
//	cache, err := answercache.New(
//	    answercache.WithDir("/var/cache/answers"),
//	    answercache.WithTTL(24*time.Hour),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close()
//
//	d := answercache.NewDescriptor(
//	    answercache.F("query", answercache.String("explain caching")),
//	    answercache.F("model", answercache.String("gpt-4o")),
//	)
//	if res, ok := cache.Get(ctx, d); ok {
//	    return res.Payload
//	}
//	answer := compute(ctx, d)
//	_ = cache.Set(ctx, d, answer)
//
// Cache failures never fail the caller: the worst outcome of any lookup is
// a miss.
package answercache

import (
	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// Version is the current version of answercache.
const Version = "1.0.0"

// Re-export the descriptor types so common use needs a single import.
type (
	// Descriptor identifies one cacheable request.
	Descriptor = descriptor.Descriptor

	// Fingerprint is the SHA-256 identity of a descriptor.
	Fingerprint = descriptor.Fingerprint

	// Field is one named descriptor parameter.
	Field = descriptor.Field

	// Value is a descriptor parameter value.
	Value = descriptor.Value
)

// Descriptor constructors, re-exported for convenience.
var (
	// NewDescriptor builds a map-shaped descriptor; field order is ignored.
	NewDescriptor = descriptor.New

	// TextDescriptor builds the common single-field free-text descriptor.
	TextDescriptor = descriptor.Text

	// F builds a descriptor field.
	F = descriptor.F

	// String, Int, Float, Bool, Raw build field values.
	String = descriptor.String
	Int    = descriptor.Int
	Float  = descriptor.Float
	Bool   = descriptor.Bool
	Raw    = descriptor.Raw
)
