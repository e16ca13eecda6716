// Package logwriter appends snapshot rows to per-day CSV files, rotating the
// active file into numbered backups once it exceeds a size cap.
package logwriter

// Rotation policy defaults and floors.
const (
	DefaultMaxFileSizeBytes int64 = 10 * 1024 * 1024
	DefaultMaxBackupCount         = 10

	MinMaxFileSizeBytes int64 = 1024
	MinMaxBackupCount         = 1
)

// RotationPolicy bounds the size of the active log file and the number of
// backups kept per day. It is immutable once handed to a Writer.
type RotationPolicy struct {
	// MaxFileSizeBytes is the size above which the active file is rotated
	// before the next write. Default: 10 MiB.
	MaxFileSizeBytes int64

	// MaxBackupCount caps the backup chain: backups with an index of
	// MaxBackupCount-1 or higher are deleted during rotation. Default: 10.
	MaxBackupCount int
}

// DefaultRotationPolicy returns the 10 MiB / 10 backups policy.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		MaxFileSizeBytes: DefaultMaxFileSizeBytes,
		MaxBackupCount:   DefaultMaxBackupCount,
	}
}

// WithDefaults returns a copy with zero values replaced by defaults and
// positive values raised to the floors.
func (p RotationPolicy) WithDefaults() RotationPolicy {
	result := p
	if result.MaxFileSizeBytes <= 0 {
		result.MaxFileSizeBytes = DefaultMaxFileSizeBytes
	} else if result.MaxFileSizeBytes < MinMaxFileSizeBytes {
		result.MaxFileSizeBytes = MinMaxFileSizeBytes
	}
	if result.MaxBackupCount <= 0 {
		result.MaxBackupCount = DefaultMaxBackupCount
	}
	return result
}
