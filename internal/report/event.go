package report

import (
	"sort"
	"time"

	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
)

const (
	eventVersion = "1"
	eventType    = "delivery_pass"
)

// PassEvent is one tamper-evident record of a pass that delivered files.
// Events for the same destination link to their predecessor by hash.
type PassEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Pass     PassInfo            `json:"pass"`
	Units    map[string]UnitInfo `json:"units"` // keyed "<scope>:<unit id>"
	Audit    AuditInfo           `json:"audit"`
	Producer ProducerInfo        `json:"producer"`
	Chain    ChainInfo           `json:"chain"`
}

// PassInfo identifies the pass.
type PassInfo struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

// UnitInfo lists what one unit put at the destination.
type UnitInfo struct {
	Files []string `json:"files"`
	Bytes int64    `json:"bytes"`
}

// AuditInfo pins the audit table written for the pass.
type AuditInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	Rows     int64  `json:"rows"`
}

// ProducerInfo identifies the software that delivered the files.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links the event to the previous one for the same destination.
type ChainInfo struct {
	Seq           int64  `json:"seq"`
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey is the chain an event belongs to.
func (e *PassEvent) ChainKey() string {
	return e.Pass.Destination
}

// newPassEvent summarizes the delivered units of result.
func newPassEvent(result transfer.Result, audit AuditInfo, producer ProducerInfo) *PassEvent {
	units := make(map[string]UnitInfo)
	for _, o := range result.Filter(transfer.StatusDelivered) {
		var info UnitInfo
		for _, d := range o.Files {
			info.Files = append(info.Files, d.RemoteName)
			info.Bytes += d.Object.Size
		}
		sort.Strings(info.Files)
		units[string(o.Scope)+":"+o.UnitID] = info
	}
	return &PassEvent{
		Version:   eventVersion,
		EventType: eventType,
		Timestamp: result.Finished.UTC(),
		Pass: PassInfo{
			ID:          result.PassID,
			Destination: result.Destination,
			Started:     result.Started.UTC(),
			Finished:    result.Finished.UTC(),
		},
		Units:    units,
		Audit:    audit,
		Producer: producer,
	}
}
