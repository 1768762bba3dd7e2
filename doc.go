// Package dist publishes and retrieves content-addressed, multi-file records
// (“dists”) on a replicated graph store.
//
// A record is a description plus a set of files.
// Its address is computed from its content:
// the record is reduced to a canonical byte sequence,
// the bytes are hashed with sha2-256,
// and the first 16 bytes of the hash,
// in lowercase hex,
// become the record’s address.
// The address is both the key under which the record is stored
// and the proof of its integrity:
// anyone holding an address can recompute it from whatever content the store hands back,
// and throw the content away if the two disagree.
//
// Because the graph store is eventually consistent and fed by untrusted peers,
// a reader does not check a record once and forget about it.
// Every delivery from a live subscription is verified anew
// (see the records subpackage).
// Content that fails verification is indistinguishable, to the caller,
// from content that was never published.
//
// Records are immutable.
// “Changing” a record means publishing a new one,
// which necessarily has a new address.
// To keep track of the records it has published,
// an identity maintains a private index in the graph store
// (see the collection and identity subpackages).
//
// Sixteen bytes of sha2-256 is a deliberate trade of collision resistance
// (about 2^64 work, by the birthday bound)
// for addresses short enough to share in a URL.
// See AddressBytes.
package dist
