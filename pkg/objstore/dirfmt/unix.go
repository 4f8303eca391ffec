// Package dirfmt packs and unpacks the opaque directory-overlay extension
// records a higher directory layer would attach to an entry (spec §6:
// "objects are opaque byte spaces; any directory/name layer built on top
// packs additional per-entry metadata into fixed-size extension records").
// This module implements only the Pack/Unpack wire format for the two
// extensions the original source defines and the SipHash keying helper
// those entries are looked up by; it carries no directory/name logic of
// its own (spec.md §1 Non-goals).
//
// Grounded byte-for-byte on nrfs/src/dir/ext/unix.rs, mtime.rs and
// nrfs/src/dir/hasher.rs.
package dirfmt

// UnixEntrySize is the on-disk size of a UnixEntry record.
const UnixEntrySize = 8

// UnixEntry carries POSIX permission bits and a 24-bit uid/gid pair (the
// original format truncates both to 3 bytes to fit the 8-byte record,
// matching nrfs/src/dir/ext/unix.rs's Entry exactly).
type UnixEntry struct {
	Permissions uint16
	UID         uint32
	GID         uint32
}

// Pack serializes e into its 8-byte wire form: permissions (2 bytes LE),
// uid (3 bytes LE), gid (3 bytes LE). Any bits of UID/GID above the low 24
// are silently dropped, as in the original.
func (e UnixEntry) Pack() [UnixEntrySize]byte {
	var buf [UnixEntrySize]byte

	buf[0] = byte(e.Permissions)
	buf[1] = byte(e.Permissions >> 8)

	buf[2] = byte(e.UID)
	buf[3] = byte(e.UID >> 8)
	buf[4] = byte(e.UID >> 16)

	buf[5] = byte(e.GID)
	buf[6] = byte(e.GID >> 8)
	buf[7] = byte(e.GID >> 16)

	return buf
}

// UnpackUnixEntry inverts Pack.
func UnpackUnixEntry(buf [UnixEntrySize]byte) UnixEntry {
	return UnixEntry{
		Permissions: uint16(buf[0]) | uint16(buf[1])<<8,
		UID:         uint32(buf[2]) | uint32(buf[3])<<8 | uint32(buf[4])<<16,
		GID:         uint32(buf[5]) | uint32(buf[6])<<8 | uint32(buf[7])<<16,
	}
}
