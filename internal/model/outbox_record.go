// internal/model/outbox_record.go
package model

import "time"

// OutboxRecord is one row returned by the fetch procedure.
type OutboxRecord struct {
	ID        int64  `db:"id" json:"id"`
	Recipient string `db:"mobile" json:"recipient"`
	Body      string `db:"message" json:"body"`
}

// DispatchedMessage is what gets relayed downstream once a record has been dispatched.
type DispatchedMessage struct {
	ID           int64     `json:"id"`
	Recipient    string    `json:"recipient"`
	Body         string    `json:"body"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Dispatched stamps the record with the dispatch time.
func (r OutboxRecord) Dispatched(at time.Time) DispatchedMessage {
	return DispatchedMessage{
		ID:           r.ID,
		Recipient:    r.Recipient,
		Body:         r.Body,
		DispatchedAt: at,
	}
}
