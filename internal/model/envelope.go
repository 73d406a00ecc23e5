package model

import "encoding/json"

// EventType is the closed set of push envelope variants. The encoder is
// total over this set — every event the engine emits maps to exactly one.
type EventType string

const (
	EventSnapshot     EventType = "snapshot"
	EventAppend       EventType = "append"
	EventPartialUpd   EventType = "partial_update"
	EventPartialClose EventType = "partial_close"
	EventRepair       EventType = "repair"
	EventGapDetected  EventType = "gap_detected"
	EventGapRepaired  EventType = "gap_repaired"
	EventHeartbeat    EventType = "heartbeat"
	EventError        EventType = "error"
)

// Envelope is the tagged union sent to every push subscriber (WS or SSE).
// Seq is assigned by the Push Hub just before the write barrier and is
// gapless within one Epoch.
type Envelope struct {
	Type       EventType       `json:"type"`
	Seq        int64           `json:"seq"`
	Epoch      string          `json:"epoch"`
	ServerTime int64           `json:"server_time"`
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// JSON marshals the envelope, ignoring errors — all fields are
// JSON-safe by construction so a marshal failure cannot occur on the hot
// path without indicating a programmer error elsewhere.
func (e Envelope) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// GapEvent is the Data payload for gap_detected / gap_repaired envelopes.
type GapEvent struct {
	GapID        int64  `json:"gap_id"`
	Symbol       string `json:"symbol"`
	Interval     string `json:"interval"`
	FromOpenTime int64  `json:"from_open_time"`
	ToOpenTime   int64  `json:"to_open_time"`
	MissingBars  int64  `json:"missing_bars"`
}

// RepairEvent is the Data payload for a repair envelope: a candle whose
// content changed from what was previously broadcast at that open_time.
type RepairEvent struct {
	OpenTime   int64  `json:"open_time"`
	Candle     Candle `json:"candle"`
	RepairedAt int64  `json:"repaired_at"`
}

// ErrorEvent is the terminal Data payload sent before a connection closes.
type ErrorEvent struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`
}
