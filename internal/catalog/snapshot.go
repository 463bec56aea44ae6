package catalog

import "time"

type Source string

const (
	SourceUnknown  Source = "unknown"
	SourceEmbedded Source = "embedded"
	SourceS3       Source = "s3"
)

// Snapshot is an immutable, validated catalog plus where it came from.
type Snapshot struct {
	Catalog *Catalog
	// SHA256 is the hex digest of the raw document
	SHA256   string
	Source   Source
	Verified bool
	LoadedAt time.Time
}
