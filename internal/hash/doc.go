// Package hash provides the checksums used by the manifest journal.
//
// Records are protected by CRC32-Castagnoli, which Go computes with
// hardware instructions where available:
//
//	sum := hash.CRC32C(header)
//	sum = hash.UpdateCRC32C(sum, body)
package hash
