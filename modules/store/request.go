package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/driftq/driftq/pkg/events"
	"github.com/driftq/driftq/pkg/lifecycle"
)

// Request is one inference unit inside a batch. RequestPayload holds
// the canonical JSON upload line bytes; ResponsePayload and ErrorMsg
// hold full provider result lines, preserved verbatim for downstream
// consumers.
type Request struct {
	ID                   int64           `db:"id"`
	BatchID              int64           `db:"batch_id"`
	CustomID             string          `db:"custom_id"`
	Model                string          `db:"model"`
	Endpoint             string          `db:"endpoint"`
	State                lifecycle.State `db:"state"`
	RequestPayload       []byte          `db:"request_payload"`
	RequestPayloadSize   int64           `db:"request_payload_size"`
	EstimatedInputTokens int64           `db:"estimated_input_tokens"`
	DeliveryConfig       string          `db:"delivery_config"`
	ResponsePayload      string          `db:"response_payload"`
	ErrorMsg             string          `db:"error_msg"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

func (r *Request) Terminal() bool {
	return lifecycle.Requests().Terminal(r.State)
}

const requestColumns = `id, batch_id, custom_id, model, endpoint, state,
	request_payload, request_payload_size, estimated_input_tokens,
	delivery_config, response_payload, error_msg, created_at, updated_at`

var requestPatchColumns = map[string]struct{}{
	"response_payload": {},
	"error_msg":        {},
}

// InsertRequest persists a new pending request. The batch counter
// triggers fire with the insert; the metrics delta event is queued for
// after commit.
func (tx *Tx) InsertRequest(r *Request) error {
	now := tx.now()
	res, err := tx.Exec(
		`INSERT INTO requests (batch_id, custom_id, model, endpoint, state,
		    request_payload, request_payload_size, estimated_input_tokens,
		    delivery_config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BatchID, r.CustomID, r.Model, r.Endpoint, string(lifecycle.RequestPending),
		r.RequestPayload, r.RequestPayloadSize, r.EstimatedInputTokens,
		r.DeliveryConfig, now, now,
	)
	if err != nil {
		if isUniqueViolation(err, "custom_id") {
			return fmt.Errorf("custom_id %q: %w", r.CustomID, ErrDuplicateCustomID)
		}
		return fmt.Errorf("failed to insert request: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	r.State = lifecycle.RequestPending
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := tx.recordTransition(lifecycle.EntityRequest, id, "", lifecycle.RequestPending); err != nil {
		return err
	}

	batchID := r.BatchID
	delta := events.MetricsDelta{
		ID:              events.NewID(),
		BatchID:         batchID,
		RequestCount:    1,
		SizeBytes:       r.RequestPayloadSize,
		EstimatedTokens: r.EstimatedInputTokens,
		At:              now,
	}
	tx.AfterCommit(func() {
		tx.store.bus.Publish(events.Event{Topic: events.TopicMetrics, Metrics: &delta})
	})
	return nil
}

// GetRequest loads a request inside the transaction.
func (tx *Tx) GetRequest(id int64) (*Request, error) {
	var r Request
	err := tx.Get(&r, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	if notFound(err) {
		return nil, fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TransitionRequest moves r along a declared edge, optionally setting
// response_payload or error_msg.
func (tx *Tx) TransitionRequest(r *Request, to lifecycle.State, patch map[string]interface{}) (*Request, error) {
	if err := lifecycle.Requests().Check(r.State, to); err != nil {
		return nil, err
	}

	set := "state = ?, updated_at = ?"
	args := []interface{}{string(to), tx.now()}

	cols := make([]string, 0, len(patch))
	for col := range patch {
		if _, ok := requestPatchColumns[col]; !ok {
			return nil, fmt.Errorf("column %q may not be set by a transition", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		set += ", " + col + " = ?"
		args = append(args, patch[col])
	}

	args = append(args, r.ID, string(r.State))
	res, err := tx.Exec(`UPDATE requests SET `+set+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition request %d: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("request %d: %w", r.ID, ErrOptimisticConflict)
	}

	if err := tx.recordTransition(lifecycle.EntityRequest, r.ID, r.State, to); err != nil {
		return nil, err
	}
	return tx.GetRequest(r.ID)
}

// BulkTransitionRequests moves every request of a batch currently in
// from to to, recording one transition row per affected request.
func (tx *Tx) BulkTransitionRequests(batchID int64, from, to lifecycle.State) (int64, error) {
	if err := lifecycle.Requests().Check(from, to); err != nil {
		return 0, err
	}

	var ids []int64
	if err := tx.Select(&ids,
		`SELECT id FROM requests WHERE batch_id = ? AND state = ? ORDER BY id`,
		batchID, string(from),
	); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	now := tx.now()
	query, args, err := sqlx.In(
		`UPDATE requests SET state = ?, updated_at = ? WHERE id IN (?)`,
		string(to), now, ids,
	)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return 0, fmt.Errorf("failed to bulk transition requests: %w", err)
	}

	for _, id := range ids {
		if err := tx.recordTransition(lifecycle.EntityRequest, id, from, to); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// RequestsByCustomIDs fetches the batch's requests matching the given
// custom ids in one query.
func (tx *Tx) RequestsByCustomIDs(batchID int64, customIDs []string) (map[string]*Request, error) {
	if len(customIDs) == 0 {
		return map[string]*Request{}, nil
	}

	query, args, err := sqlx.In(
		`SELECT `+requestColumns+` FROM requests WHERE batch_id = ? AND custom_id IN (?)`,
		batchID, customIDs,
	)
	if err != nil {
		return nil, err
	}

	var rows []*Request
	if err := tx.Select(&rows, query, args...); err != nil {
		return nil, err
	}

	out := make(map[string]*Request, len(rows))
	for _, r := range rows {
		out[r.CustomID] = r
	}
	return out, nil
}

// RequestsInState returns the batch's requests currently in state,
// ordered by id.
func (tx *Tx) RequestsInState(batchID int64, state lifecycle.State) ([]*Request, error) {
	var out []*Request
	err := tx.Select(&out,
		`SELECT `+requestColumns+` FROM requests WHERE batch_id = ? AND state = ? ORDER BY id`,
		batchID, string(state),
	)
	return out, err
}

// RequestStateCounts aggregates the batch's requests by state.
func (tx *Tx) RequestStateCounts(batchID int64) (map[lifecycle.State]int64, error) {
	rows, err := tx.Query(`SELECT state, COUNT(*) FROM requests WHERE batch_id = ? GROUP BY state`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[lifecycle.State]int64{}
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[lifecycle.State(state)] = n
	}
	return out, rows.Err()
}

// GetRequestByCustomID resolves a request by its globally unique
// custom id.
func (s *Store) GetRequestByCustomID(ctx context.Context, customID string) (*Request, error) {
	var r Request
	err := s.db.GetContext(ctx, &r, `SELECT `+requestColumns+` FROM requests WHERE custom_id = ?`, customID)
	if notFound(err) {
		return nil, fmt.Errorf("request %q: %w", customID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RequestsForBatch lists a batch's requests outside any transaction.
func (s *Store) RequestsForBatch(ctx context.Context, batchID int64) ([]*Request, error) {
	var out []*Request
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+requestColumns+` FROM requests WHERE batch_id = ? ORDER BY id`, batchID)
	return out, err
}
