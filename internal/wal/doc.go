// Package wal implements a small append-only key/value journal.
//
// Each record is framed as
//
//	[CRC32C: 4] [Type: 1] [KeyLen: 4] [ValueLen: 4] [Key] [Value]
//
// after a 12 byte file header. The CRC covers everything after itself, so a
// record cut short by a crash is detected on replay and truncated away.
// With DurabilitySync, concurrent appenders share fsyncs (group commit).
package wal
