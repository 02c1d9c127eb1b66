package applyfeed

import (
	"strings"
	"time"
)

type Status string

const (
	StatusInterview Status = "interview"
	StatusOffer     Status = "offer"
	StatusRejected  Status = "rejected"
	StatusOther     Status = "other"

	// StatusTest marks synthetic records sent to check a live connection.
	// It is never persisted.
	StatusTest Status = "test"
)

// ParseStatus accepts only the four persisted statuses.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusInterview:
		return StatusInterview, true
	case StatusOffer:
		return StatusOffer, true
	case StatusRejected:
		return StatusRejected, true
	case StatusOther:
		return StatusOther, true
	default:
		return "", false
	}
}

type ApplicationRecord struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Subject   string  `json:"subject"`
	Text      string  `json:"text"`
	HTML      string  `json:"html"`
	Date      string  `json:"date"`
	Status    Status  `json:"status"`
	Company   *string `json:"company"`
	Position  *string `json:"position"`
	Location  *string `json:"location"`
	Salary    *string `json:"salary"`
	NextSteps *string `json:"nextSteps"`
}

// DateTime parses the source-supplied date. The second result is false when
// the upstream relay sent something none of the known layouts accept.
func (r ApplicationRecord) DateTime() (time.Time, bool) {
	return parseMessageDate(r.Date)
}

var messageDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseMessageDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range messageDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func upsertRecord(records []ApplicationRecord, record ApplicationRecord) ([]ApplicationRecord, bool) {
	for i := range records {
		if records[i].ID == record.ID {
			records[i] = record
			return records, true
		}
	}
	return append(records, record), false
}
