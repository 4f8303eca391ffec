package objstore

import (
	"github.com/nros-go/objstore/pkg/objstore/device"
	"github.com/nros-go/objstore/pkg/objstore/record"
)

// CreateConfig describes a brand-new store (spec §6: "Configuration
// (creation)"). Mirrors is the device set's chain list: each inner slice
// is one mirror group (every device in a chain sees every write), and
// chains concatenate in order to form the logical block address space
// (spec §4.1).
type CreateConfig struct {
	Mirrors [][]device.Device

	BlockSize      uint32
	MaxRecordSize  uint32
	Compression    record.Codec
	CacheSizeBytes uint64
}

// LoadConfig describes reopening an existing store (spec §6: "Configuration
// (load)"). Compression selects the codec for records this session writes
// going forward; it is not itself persisted anywhere in the superblock (a
// RecordRef's tag byte already makes every past record self-describing on
// read, so only future writes need this choice -- see DESIGN.md's
// Open-Question note on why this is a per-session setting, not a durable
// store property, unlike Create's Compression which seeds the first
// session's choice).
type LoadConfig struct {
	Mirrors [][]device.Device

	CacheSizeBytes uint64
	Compression    record.Codec
	AllowRepair    bool
}
