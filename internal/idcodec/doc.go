// Package idcodec generates and decodes universal ids.
//
// A universal id is 32 characters of a base-28 alphabet:
//
//	tttttttttt ssssssssss yyyy rrrrrrrr
//	timestamp  shard hash type random
//
// The timestamp is unix milliseconds. The shard and type fields are
// truncated SHA-256 hashes, so decoding needs a hash→plaintext mapping:
// either cached in this process (from Generate or Learn) or persisted in a
// MappingStore. A cold Codec without a store cannot decode ids minted
// elsewhere and reports fault.CodeUnresolvedMapping.
package idcodec
