package protocol

import "encoding/json"

const Version = "1.0"

// Record types written to the event log, one JSON object per line.
const (
	TypeRunStart = "RUN_START"
	TypeTick     = "TICK"
	TypeRunEnd   = "RUN_END"
)

// Phase names within one cycle.
const (
	PhasePlanning   = "PLANNING"
	PhaseHarvest    = "HARVEST"
	PhaseDiscussion = "DISCUSSION"
)

// BaseRecord lets readers route log lines by type.
type BaseRecord struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseRecord, error) {
	var r BaseRecord
	err := json.Unmarshal(b, &r)
	return r, err
}
