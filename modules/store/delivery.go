package store

import (
	"context"
	"time"
)

// Delivery attempt outcomes.
const (
	OutcomeSuccess          = "success"
	OutcomeHTTPStatusNot2xx = "http_status_not_2xx"
	OutcomeConnectionError  = "connection_error"
	OutcomeTimeout          = "timeout"
	OutcomeQueueNotFound    = "queue_not_found"
	OutcomeExchangeNotFound = "exchange_not_found"
	OutcomeOther            = "other"
)

// DeliveryAttempt records one executed push of a request's result to
// its sink. Rows are immutable; delivery errors live here, never on
// the request itself.
type DeliveryAttempt struct {
	ID            int64     `db:"id"`
	RequestID     int64     `db:"request_id"`
	AttemptNumber int64     `db:"attempt_number"`
	Outcome       string    `db:"outcome"`
	ErrorMsg      string    `db:"error_msg"`
	At            time.Time `db:"at"`
}

// InsertDeliveryAttempt appends the next attempt for a request.
func (tx *Tx) InsertDeliveryAttempt(requestID int64, outcome, errorMsg string) (*DeliveryAttempt, error) {
	var next int64
	if err := tx.Get(&next,
		`SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM delivery_attempts WHERE request_id = ?`,
		requestID,
	); err != nil {
		return nil, err
	}

	at := tx.now()
	res, err := tx.Exec(
		`INSERT INTO delivery_attempts (request_id, attempt_number, outcome, error_msg, at) VALUES (?, ?, ?, ?, ?)`,
		requestID, next, outcome, errorMsg, at,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &DeliveryAttempt{ID: id, RequestID: requestID, AttemptNumber: next, Outcome: outcome, ErrorMsg: errorMsg, At: at}, nil
}

// DeliveryAttempts lists a request's attempts in order.
func (s *Store) DeliveryAttempts(ctx context.Context, requestID int64) ([]DeliveryAttempt, error) {
	var out []DeliveryAttempt
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, request_id, attempt_number, outcome, error_msg, at
		   FROM delivery_attempts WHERE request_id = ? ORDER BY attempt_number`,
		requestID,
	)
	return out, err
}
