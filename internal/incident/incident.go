package incident

import (
	"encoding/json"
	"log"
	"strings"
)

// SentinelID marks identifier fields that could not be recovered from the
// dispatch payload. A call proceeds with sentinel context so that whoever is
// reachable can still be warned and escalated.
const SentinelID = "UNKNOWN"

// Location is advisory position data attached to an incident. The core never
// validates it; it only flows into summaries.
type Location struct {
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Label     string  `json:"label,omitempty"`
}

// Record is the incident context for one call. Immutable once built.
type Record struct {
	IncidentID  string   `json:"incident_id"`
	UserID      string   `json:"user_id"`
	PhoneNumber string   `json:"phone_number"`
	Location    Location `json:"location"`
	Severity    float64  `json:"severity"`
	Confidence  float64  `json:"confidence"`
}

// Sentinel returns the fallback record used when a dispatch payload is
// absent or unusable.
func Sentinel() Record {
	return Record{
		IncidentID:  SentinelID,
		UserID:      SentinelID,
		PhoneNumber: SentinelID,
	}
}

// IsSentinel reports whether the record came from the fallback path.
func (r Record) IsSentinel() bool {
	return r.IncidentID == SentinelID && r.UserID == SentinelID
}

// ParseDispatch builds a Record from a raw dispatch payload. It never fails:
// a missing, malformed, or structurally invalid payload yields the sentinel
// record, and individual missing fields default to the sentinel or zero.
// Parse problems are logged, not returned, so the call always proceeds.
func ParseDispatch(raw []byte) Record {
	if len(strings.TrimSpace(string(raw))) == 0 {
		log.Printf("[incident] empty dispatch payload, using sentinel context")
		return Sentinel()
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		log.Printf("[incident] unparsable dispatch payload: %v", err)
		return Sentinel()
	}

	if rec.IncidentID == "" {
		rec.IncidentID = SentinelID
	}
	if rec.UserID == "" {
		rec.UserID = SentinelID
	}
	if rec.PhoneNumber == "" {
		rec.PhoneNumber = SentinelID
	}
	if rec.Severity < 0 || rec.Severity > 1 {
		log.Printf("[incident] severity %v out of range for %s, resetting", rec.Severity, rec.IncidentID)
		rec.Severity = 0
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		log.Printf("[incident] confidence %v out of range for %s, resetting", rec.Confidence, rec.IncidentID)
		rec.Confidence = 0
	}

	return rec
}
