// Package objectstore captures arbitrary runtime values into immutable,
// content-addressed snapshots and rehydrates them back.
//
// A value is serialized by the Serializer registered for its dynamic type.
// The resulting bytes, together with the serializer's tag, determine the
// value's Ref, so identical content is stored once no matter how often it is
// captured. Elements of []any and map[string]any carry their own tags, so
// containers rehydrate with the exact dynamic types they were captured with.
// Values that cannot be serialized are recorded as SentinelRef,
// which rehydrates to Unavailable instead of failing.
package objectstore
