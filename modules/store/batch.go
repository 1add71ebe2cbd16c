package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/driftq/driftq/pkg/lifecycle"
)

// Wait reasons for batches parked in waiting_for_capacity.
const (
	WaitReasonInsufficientHeadroom = "insufficient_headroom"
	WaitReasonTokenLimitBackoff    = "token_limit_backoff"
)

// Batch groups requests for one (model, endpoint) provider submission.
type Batch struct {
	ID       int64           `db:"id"`
	Model    string          `db:"model"`
	Endpoint string          `db:"endpoint"`
	State    lifecycle.State `db:"state"`
	Version  int64           `db:"version"`

	RequestCount              int64 `db:"request_count"`
	SizeBytes                 int64 `db:"size_bytes"`
	EstimatedInputTokensTotal int64 `db:"estimated_input_tokens_total"`

	ProviderInputFileID  string `db:"provider_input_file_id"`
	ProviderBatchID      string `db:"provider_batch_id"`
	ProviderOutputFileID string `db:"provider_output_file_id"`
	ProviderErrorFileID  string `db:"provider_error_file_id"`
	ProviderStatus       string `db:"provider_status"`

	ProviderRequestsTotal     int64 `db:"provider_requests_total"`
	ProviderRequestsCompleted int64 `db:"provider_requests_completed"`
	ProviderRequestsFailed    int64 `db:"provider_requests_failed"`

	InputTokens     int64 `db:"input_tokens"`
	CachedTokens    int64 `db:"cached_tokens"`
	ReasoningTokens int64 `db:"reasoning_tokens"`
	OutputTokens    int64 `db:"output_tokens"`

	WaitingSinceAt           sql.NullTime `db:"waiting_since_at"`
	WaitReason               string       `db:"wait_reason"`
	TokenLimitRetryAttempts  int          `db:"token_limit_retry_attempts"`
	TokenLimitRetryNextAt    sql.NullTime `db:"token_limit_retry_next_at"`
	TokenLimitRetryLastError string       `db:"token_limit_retry_last_error"`

	ExpiresAt     sql.NullTime `db:"expires_at"`
	LastCheckedAt sql.NullTime `db:"last_checked_at"`
	ErrorMsg      string       `db:"error_msg"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Terminal reports whether the batch is in a terminal state.
func (b *Batch) Terminal() bool {
	return lifecycle.Batches().Terminal(b.State)
}

const batchColumns = `id, model, endpoint, state, version,
	request_count, size_bytes, estimated_input_tokens_total,
	provider_input_file_id, provider_batch_id, provider_output_file_id, provider_error_file_id, provider_status,
	provider_requests_total, provider_requests_completed, provider_requests_failed,
	input_tokens, cached_tokens, reasoning_tokens, output_tokens,
	waiting_since_at, wait_reason, token_limit_retry_attempts, token_limit_retry_next_at, token_limit_retry_last_error,
	expires_at, last_checked_at, error_msg, created_at, updated_at`

// batchPatchColumns is the whitelist of columns a transition may set.
var batchPatchColumns = map[string]struct{}{
	"provider_input_file_id":       {},
	"provider_batch_id":            {},
	"provider_output_file_id":      {},
	"provider_error_file_id":       {},
	"provider_status":              {},
	"provider_requests_total":      {},
	"provider_requests_completed":  {},
	"provider_requests_failed":     {},
	"input_tokens":                 {},
	"cached_tokens":                {},
	"reasoning_tokens":             {},
	"output_tokens":                {},
	"waiting_since_at":             {},
	"wait_reason":                  {},
	"token_limit_retry_attempts":   {},
	"token_limit_retry_next_at":    {},
	"token_limit_retry_last_error": {},
	"expires_at":                   {},
	"last_checked_at":              {},
	"error_msg":                    {},
}

// CreateBatch inserts a new building batch for (model, endpoint). The
// partial unique index guarantees at most one building batch per key;
// a second insert fails.
func (tx *Tx) CreateBatch(model, endpoint string) (*Batch, error) {
	now := tx.now()
	res, err := tx.Exec(
		`INSERT INTO batches (model, endpoint, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		model, endpoint, string(lifecycle.BatchBuilding), now, now,
	)
	if err != nil {
		if isUniqueViolation(err, "batches") {
			return nil, fmt.Errorf("building batch already exists for (%s, %s): %w", model, endpoint, err)
		}
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.recordTransition(lifecycle.EntityBatch, id, "", lifecycle.BatchBuilding); err != nil {
		return nil, err
	}
	return tx.GetBatch(id)
}

// GetBatch loads a batch inside the transaction.
func (tx *Tx) GetBatch(id int64) (*Batch, error) {
	var b Batch
	err := tx.Get(&b, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	if notFound(err) {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// BuildingBatch returns the unique building batch for (model,
// endpoint), or ErrNotFound.
func (tx *Tx) BuildingBatch(model, endpoint string) (*Batch, error) {
	var b Batch
	err := tx.Get(&b,
		`SELECT `+batchColumns+` FROM batches WHERE model = ? AND endpoint = ? AND state = ?`,
		model, endpoint, string(lifecycle.BatchBuilding),
	)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// TransitionBatch moves b along a declared edge, optionally setting
// whitelisted columns, under optimistic concurrency on the version the
// caller read. It returns the reloaded batch.
func (tx *Tx) TransitionBatch(b *Batch, to lifecycle.State, patch map[string]interface{}) (*Batch, error) {
	if err := lifecycle.Batches().Check(b.State, to); err != nil {
		return nil, err
	}

	set := "state = ?, version = version + 1, updated_at = ?"
	args := []interface{}{string(to), tx.now()}

	// Deterministic column order keeps the statement stable.
	cols := make([]string, 0, len(patch))
	for col := range patch {
		if _, ok := batchPatchColumns[col]; !ok {
			return nil, fmt.Errorf("column %q may not be set by a transition", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		set += ", " + col + " = ?"
		args = append(args, patch[col])
	}

	args = append(args, b.ID, b.Version)
	res, err := tx.Exec(`UPDATE batches SET `+set+` WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition batch %d: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("batch %d: %w", b.ID, ErrOptimisticConflict)
	}

	if err := tx.recordTransition(lifecycle.EntityBatch, b.ID, b.State, to); err != nil {
		return nil, err
	}
	return tx.GetBatch(b.ID)
}

// PatchBatch updates whitelisted columns without changing state, under
// the same optimistic concurrency as a transition. Used for progress
// bookkeeping (last_checked_at, provider counts).
func (tx *Tx) PatchBatch(b *Batch, patch map[string]interface{}) (*Batch, error) {
	if len(patch) == 0 {
		return b, nil
	}

	set := "version = version + 1, updated_at = ?"
	args := []interface{}{tx.now()}

	cols := make([]string, 0, len(patch))
	for col := range patch {
		if _, ok := batchPatchColumns[col]; !ok {
			return nil, fmt.Errorf("column %q may not be patched", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		set += ", " + col + " = ?"
		args = append(args, patch[col])
	}

	args = append(args, b.ID, b.Version)
	res, err := tx.Exec(`UPDATE batches SET `+set+` WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to patch batch %d: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("batch %d: %w", b.ID, ErrOptimisticConflict)
	}
	return tx.GetBatch(b.ID)
}

// ReservedTokens sums estimated tokens over same-model batches in
// budget-consuming states, excluding one batch.
func (tx *Tx) ReservedTokens(model string, excludeBatchID int64) (int64, error) {
	var total int64
	err := tx.Get(&total,
		`SELECT COALESCE(SUM(estimated_input_tokens_total), 0) FROM batches
		  WHERE model = ? AND id != ? AND state IN (?, ?, ?)`,
		model, excludeBatchID,
		string(lifecycle.BatchUploaded), string(lifecycle.BatchWaitingForCapacity), string(lifecycle.BatchProviderProcessing),
	)
	return total, err
}

// ActiveReservedTokens sums estimated tokens over same-model batches
// already admitted to the provider (uploaded or processing), ignoring
// the waiting queue.
func (tx *Tx) ActiveReservedTokens(model string) (int64, error) {
	var total int64
	err := tx.Get(&total,
		`SELECT COALESCE(SUM(estimated_input_tokens_total), 0) FROM batches
		  WHERE model = ? AND state IN (?, ?)`,
		model,
		string(lifecycle.BatchUploaded), string(lifecycle.BatchProviderProcessing),
	)
	return total, err
}

// WaitingBatches returns the capacity queue for a model in strict FIFO
// order by (waiting_since_at, id).
func (tx *Tx) WaitingBatches(model string) ([]*Batch, error) {
	var out []*Batch
	err := tx.Select(&out,
		`SELECT `+batchColumns+` FROM batches
		  WHERE model = ? AND state = ?
		  ORDER BY waiting_since_at ASC, id ASC`,
		model, string(lifecycle.BatchWaitingForCapacity),
	)
	return out, err
}

// DeleteBatch removes a batch; child requests cascade. Transitions are
// kept as audit history.
func (tx *Tx) DeleteBatch(id int64) error {
	_, err := tx.Exec(`DELETE FROM batches WHERE id = ?`, id)
	return err
}

// GetBatch loads a batch outside any transaction.
func (s *Store) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	var b Batch
	err := s.db.GetContext(ctx, &b, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	if notFound(err) {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// NonTerminalBatches lists every batch still requiring work, used by
// startup recovery and the status page.
func (s *Store) NonTerminalBatches(ctx context.Context) ([]*Batch, error) {
	var out []*Batch
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+batchColumns+` FROM batches
		  WHERE state NOT IN (?, ?, ?) ORDER BY id`,
		string(lifecycle.BatchDelivered), string(lifecycle.BatchFailed), string(lifecycle.BatchCancelled),
	)
	return out, err
}

// ListBatches returns the most recent batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*Batch
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+batchColumns+` FROM batches ORDER BY id DESC LIMIT ?`, limit)
	return out, err
}
