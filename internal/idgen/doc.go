// Package idgen mints globally unique, time-ordered 64-bit identifiers.
//
// Layout, most significant bit first:
//
//	| sign (1) | timestamp delta (41) | datacenter (5) | worker (5) | sequence (12) |
//
// The timestamp is milliseconds since Epoch. Within one Generator the ids
// are strictly increasing as long as the clock does not move backwards by
// more than MaxBackwardDrift.
//
// NextShardAlignedID additionally embeds a "gene" derived from a parent key
// so that id mod tableCount == parentKey mod tableCount. An order number
// minted for a user therefore lands in the same table partition as the
// user's other rows, with no lookup needed to route it.
//
// The gene lives in the sequence field. Each aligned id reserves a block of
// sequence values (the next power of two >= tableCount) and picks the one
// value inside the block whose full id has the wanted residue. For a
// power-of-two tableCount that is a plain overwrite of the low log2(T)
// bits; for any other tableCount the same residue is reached by modulo
// composition inside the block, so no carry ever reaches the worker bits.
package idgen
