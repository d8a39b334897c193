// Package auditledger implements the append-only audit ledger: a hash-chained
// sequence of proof-of-work sealed blocks held in memory.
//
// The chain begins with a genesis block whose PreviousHash is GenesisPrevHash
// (64 hex zeros). Every later block records the hash of its predecessor and
// must carry a hash with Difficulty leading zero hex characters, so any
// tampering with payloads, nonces or links is localised by Verify to the first
// block where the chain stops being consistent.
//
// The Ledger keeps no durable state of its own. Durability is provided by a
// gateway that stores one Row per block; LoadFrom rebuilds and re-verifies a
// Ledger from those rows at startup.
package auditledger
