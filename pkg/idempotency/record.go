package idempotency

import (
	"encoding/json"
	"time"
)

// Record statuses. The only transition is IN_PROGRESS to COMPLETED, and a
// record is never mutated in place, only replaced wholesale in the store.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
)

// Record is the stored outcome of one idempotent request. HTTPStatus and
// ResponseBody are set only once completed; ResponseBody holds the exact
// bytes delivered to the first caller so replays are byte-identical.
type Record struct {
	Status       string    `json:"status"`
	HTTPStatus   int       `json:"httpStatus,omitempty"`
	ResponseBody string    `json:"responseBody,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
}

func encodeRecord(rec Record) (string, error) {
	b, err := json.Marshal(rec)
	return string(b), err
}

func decodeRecord(raw string) (Record, error) {
	var rec Record
	err := json.Unmarshal([]byte(raw), &rec)
	return rec, err
}
