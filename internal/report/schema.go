package report

import "time"

// DeliveryRow is one delivered file in the per-pass audit table.
type DeliveryRow struct {
	PassID      string `parquet:"pass_id"`
	Destination string `parquet:"destination"`

	// Unit identity
	UnitID string `parquet:"unit_id"`
	Scope  string `parquet:"scope"`
	Kind   string `parquet:"artifact_kind"`

	// Source and destination
	SourcePath string `parquet:"source_path"`
	RemoteName string `parquet:"remote_name"`
	RemoteKey  string `parquet:"remote_key"`

	Size   int64  `parquet:"size_bytes"`
	SHA256 string `parquet:"sha256"` // "sha256:<hex>" of the source file

	DeliveredAt time.Time `parquet:"delivered_at,timestamp(millisecond)"`
}

// TableName returns the canonical table name.
func (DeliveryRow) TableName() string {
	return "deliveries_audit"
}

// SchemaVersion returns the version of the schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"
