package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// DefaultBusyTimeout is how long a writer waits for another process's
// transaction before giving up.
const DefaultBusyTimeout = 5 * time.Second

// SQLiteStore implements core.TicketStore and core.Communications.
type SQLiteStore struct {
	dbPath      string
	db          *sql.DB
	mu          sync.RWMutex
	busyTimeout time.Duration
	now         func() time.Time
}

var (
	_ core.TicketStore    = (*SQLiteStore)(nil)
	_ core.Communications = (*SQLiteStore)(nil)
)

// SQLiteStoreOption configures the store.
type SQLiteStoreOption func(*SQLiteStore)

// WithBusyTimeout sets the cross-process lock wait.
func WithBusyTimeout(d time.Duration) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// WithClock overrides the clock used for store-managed timestamps.
func WithClock(now func() time.Time) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		dbPath:      dbPath,
		busyTimeout: DefaultBusyTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_txlock=immediate",
		dbPath, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet.
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Ping verifies the database answers queries.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM schema_migrations LIMIT 1").Scan(&one); err != nil {
		return core.ErrState(core.CodeStoreUnavailable, fmt.Sprintf("state database %s unavailable", s.dbPath)).WithCause(err)
	}
	return nil
}

// =============================================================================
// Tickets
// =============================================================================

const ticketColumns = `id, project_id, title, description, phase, sub_state, blocked_reason, agent,
	priority_boost, last_agent_activity_at, last_human_activity_at, agent_read_at,
	lease_owner, lease_acquired_at, lease_expires_at, worktree_path, branch, artifacts,
	version, created_at, updated_at`

// CreateTicket inserts a new ticket at version 1.
func (s *SQLiteStore) CreateTicket(ctx context.Context, t *core.Ticket) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Version = 1

	arts, err := marshalArtifacts(t.Artifacts)
	if err != nil {
		return err
	}
	owner, acquired, expires := leaseColumns(t.Lease)

	_, err = s.db.ExecContext(ctx, `INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Phase, t.SubState, t.BlockedReason, t.Agent,
		t.PriorityBoost, nullableTime(t.LastAgentActivityAt), nullableTime(t.LastHumanActivityAt),
		nullableTime(t.AgentReadAt), owner, acquired, expires, t.WorktreePath, t.Branch, arts,
		t.Version, unixNano(t.CreatedAt), unixNano(t.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return core.ErrConflict("TICKET_EXISTS", fmt.Sprintf("ticket %s already exists", t.ID))
		}
		return fmt.Errorf("inserting ticket: %w", err)
	}
	return nil
}

// GetTicket loads one ticket.
func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*core.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("ticket", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading ticket %s: %w", id, err)
	}
	return t, nil
}

// ListTickets returns tickets matching filter, oldest first.
func (s *SQLiteStore) ListTickets(ctx context.Context, filter core.TicketFilter) ([]*core.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []interface{}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if len(filter.Phases) > 0 {
		marks := make([]string, len(filter.Phases))
		for i, p := range filter.Phases {
			marks[i] = "?"
			args = append(args, string(p))
		}
		where = append(where, "phase IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Unleased {
		now := filter.LeaseNow
		if now.IsZero() {
			now = s.now()
		}
		where = append(where, "(lease_owner IS NULL OR lease_expires_at <= ?)")
		args = append(args, unixNano(now))
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	defer rows.Close()

	tickets := make([]*core.Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tickets: %w", err)
	}
	return tickets, nil
}

// UpdateTicket writes u.Ticket if its version still matches, consumes the
// named approval and appends messages, all in one transaction. On success
// the ticket's Version is bumped. LastHumanActivityAt is owned by the
// communication methods and is not written here.
func (s *SQLiteStore) UpdateTicket(ctx context.Context, u core.TicketUpdate) error {
	t := u.Ticket
	if t == nil {
		return core.ErrValidation("MISSING_TICKET", "update has no ticket")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at := u.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	arts, err := marshalArtifacts(t.Artifacts)
	if err != nil {
		return err
	}
	owner, acquired, expires := leaseColumns(t.Lease)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tickets SET
			project_id = ?, title = ?, description = ?, phase = ?, sub_state = ?,
			blocked_reason = ?, agent = ?, priority_boost = ?, last_agent_activity_at = ?,
			agent_read_at = ?, lease_owner = ?, lease_acquired_at = ?, lease_expires_at = ?,
			worktree_path = ?, branch = ?, artifacts = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		t.ProjectID, t.Title, t.Description, t.Phase, t.SubState,
		t.BlockedReason, t.Agent, t.PriorityBoost, nullableTime(t.LastAgentActivityAt),
		nullableTime(t.AgentReadAt), owner, acquired, expires,
		t.WorktreePath, t.Branch, arts, unixNano(at),
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("updating ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, tx, t.ID, t.Version)
	}

	if u.ConsumeApprovalID != "" {
		if err := consumeApproval(ctx, tx, t.ID, u.ConsumeApprovalID, at); err != nil {
			return err
		}
	}
	if err := insertMessages(ctx, tx, t.ID, u.Messages, at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	t.Version++
	t.UpdatedAt = at
	return nil
}

func (s *SQLiteStore) missOrConflict(ctx context.Context, tx *sql.Tx, id string, version int64) error {
	var current int64
	err := tx.QueryRowContext(ctx, "SELECT version FROM tickets WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound("ticket", id)
	}
	if err != nil {
		return fmt.Errorf("reading ticket version: %w", err)
	}
	return core.ErrConflict(core.CodeVersionConflict,
		fmt.Sprintf("ticket %s changed (have version %d, stored %d)", id, version, current)).
		WithDetail("ticket_id", id)
}

// ClaimLease moves t to next and installs lease only if t is still in its
// current state and holds no live lease, then records run as running.
func (s *SQLiteStore) ClaimLease(ctx context.Context, t *core.Ticket, next core.State, lease core.Lease, run *core.RunRecord) error {
	if run == nil || run.ID != lease.OwnerRunID {
		return core.ErrValidation("INVALID_CLAIM", "run must own the lease")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at := lease.AcquiredAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tickets SET
			phase = ?, sub_state = ?, blocked_reason = ?,
			lease_owner = ?, lease_acquired_at = ?, lease_expires_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND phase = ? AND sub_state = ?
		  AND (lease_owner IS NULL OR lease_expires_at <= ?)`,
		next.Phase, next.Sub, next.Reason,
		lease.OwnerRunID, unixNano(lease.AcquiredAt), unixNano(lease.ExpiresAt), unixNano(at),
		t.ID, t.Phase, t.SubState, unixNano(lease.AcquiredAt),
	)
	if err != nil {
		return fmt.Errorf("claiming lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrConflict(core.CodeLeaseHeld,
			fmt.Sprintf("ticket %s is leased or changed state", t.ID)).WithDetail("ticket_id", t.ID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, ticket_id, task_type, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, t.ID, run.TaskType, unixNano(run.StartedAt), core.RunRunning,
	); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}

	var version int64
	if err := tx.QueryRowContext(ctx, "SELECT version FROM tickets WHERE id = ?", t.ID).Scan(&version); err != nil {
		return fmt.Errorf("reading ticket version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	t.SetState(next)
	l := lease
	t.Lease = &l
	t.Version = version
	t.UpdatedAt = at
	run.Status = core.RunRunning
	return nil
}

// CompleteRun seals c.Run and writes the dispatcher-owned ticket fields,
// clearing the lease. It is refused when the run is already sealed or the
// ticket's lease now belongs to someone else.
func (s *SQLiteStore) CompleteRun(ctx context.Context, c core.RunCompletion) error {
	run, t := c.Run, c.Ticket
	if run == nil || t == nil {
		return core.ErrValidation("INVALID_COMPLETION", "completion needs a run and a ticket")
	}
	if !run.Status.Sealed() || run.EndedAt == nil {
		return core.ErrValidation("INVALID_COMPLETION", "run must be sealed with an end time")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at := run.EndedAt.UTC()
	arts, err := marshalArtifacts(t.Artifacts)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, status = ?, tokens_in = ?, tokens_out = ?,
			cost_usd = ?, summary = ?, error = ?
		WHERE id = ? AND status = ?`,
		unixNano(at), run.Status, run.TokensIn, run.TokensOut,
		run.CostUSD, run.Summary, run.Error,
		run.ID, core.RunRunning,
	)
	if err != nil {
		return fmt.Errorf("sealing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT 1 FROM runs WHERE id = ?", run.ID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound("run", run.ID)
		}
		return core.ErrState(core.CodeSealedRun, fmt.Sprintf("run %s is already sealed", run.ID))
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE tickets SET
			phase = ?, sub_state = ?, blocked_reason = ?, last_agent_activity_at = ?,
			agent_read_at = ?, worktree_path = ?, branch = ?, artifacts = ?,
			lease_owner = NULL, lease_acquired_at = NULL, lease_expires_at = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		t.Phase, t.SubState, t.BlockedReason, nullableTime(t.LastAgentActivityAt),
		nullableTime(t.AgentReadAt), t.WorktreePath, t.Branch, arts,
		unixNano(at), t.ID, run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrConflict(core.CodeLeaseLost,
			fmt.Sprintf("run %s no longer owns ticket %s", run.ID, t.ID)).WithDetail("ticket_id", t.ID)
	}

	if c.ConsumeApprovalID != "" {
		if err := consumeApproval(ctx, tx, t.ID, c.ConsumeApprovalID, at); err != nil {
			return err
		}
	}
	if err := insertMessages(ctx, tx, t.ID, c.Messages, at); err != nil {
		return err
	}

	var version int64
	if err := tx.QueryRowContext(ctx, "SELECT version FROM tickets WHERE id = ?", t.ID).Scan(&version); err != nil {
		return fmt.Errorf("reading ticket version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	t.Lease = nil
	t.Version = version
	t.UpdatedAt = at
	return nil
}

// ReclaimExpiredLeases clears every lease expired at now, releases tickets
// stuck in agent_active and seals their running records as timeout. Running
// records that no ticket lease points at are sealed as well.
func (s *SQLiteStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]core.ReclaimedLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, phase, sub_state, blocked_reason, lease_owner, lease_expires_at
		FROM tickets
		WHERE lease_owner IS NOT NULL AND lease_expires_at <= ?
		ORDER BY lease_expires_at, id`, unixNano(now))
	if err != nil {
		return nil, fmt.Errorf("finding expired leases: %w", err)
	}

	type expired struct {
		id      string
		state   core.State
		owner   string
		expires int64
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.state.Phase, &e.state.Sub, &e.state.Reason, &e.owner, &e.expires); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired lease: %w", err)
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired leases: %w", err)
	}

	reclaimed := make([]core.ReclaimedLease, 0, len(found))
	for _, e := range found {
		next, err := core.Transition(e.state, core.Event{Kind: core.EventLeaseReclaimed}, nil)
		if err != nil {
			// Terminal tickets keep their state; only the lease goes.
			next = e.state
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET phase = ?, sub_state = ?, blocked_reason = ?,
				lease_owner = NULL, lease_acquired_at = NULL, lease_expires_at = NULL,
				version = version + 1, updated_at = ?
			WHERE id = ?`,
			next.Phase, next.Sub, next.Reason, unixNano(now), e.id,
		); err != nil {
			return nil, fmt.Errorf("clearing lease on %s: %w", e.id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, ended_at = ?, error = ?
			WHERE id = ? AND status = ?`,
			core.RunTimeout, unixNano(now), "lease expired before the run finished",
			e.owner, core.RunRunning,
		); err != nil {
			return nil, fmt.Errorf("sealing run %s: %w", e.owner, err)
		}
		expiredAt := fromUnixNano(e.expires)
		msg := &core.Message{
			Author:  core.AuthorAgent,
			Kind:    core.MessageSystem,
			Content: fmt.Sprintf("Run %s stopped responding; its lease expired at %s and the ticket was released.", e.owner, expiredAt.Format(time.RFC3339)),
		}
		if err := insertMessages(ctx, tx, e.id, []*core.Message{msg}, now); err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, core.ReclaimedLease{TicketID: e.id, OwnerRunID: e.owner, ExpiredAt: expiredAt})
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, error = ?
		WHERE status = ?
		  AND id NOT IN (SELECT lease_owner FROM tickets WHERE lease_owner IS NOT NULL)`,
		core.RunTimeout, unixNano(now), "run was orphaned without a lease",
		core.RunRunning,
	); err != nil {
		return nil, fmt.Errorf("sealing orphaned runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return reclaimed, nil
}

// =============================================================================
// Runs
// =============================================================================

const runColumns = `id, ticket_id, task_type, started_at, ended_at, status,
	tokens_in, tokens_out, cost_usd, summary, error`

// GetRun loads one run record.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*core.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, ticketID string, limit int) ([]*core.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if ticketID != "" {
		query += " WHERE ticket_id = ?"
		args = append(args, ticketID)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*core.RunRecord, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// Communications
// =============================================================================

// AppendMessage adds a message to a ticket's log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := m.CreatedAt
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireTicket(ctx, tx, m.TicketID); err != nil {
		return err
	}
	if err := insertMessages(ctx, tx, m.TicketID, []*core.Message{m}, at); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages returns a ticket's messages in the order they were written.
func (s *SQLiteStore) ListMessages(ctx context.Context, ticketID string) ([]*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, author, kind, content, created_at
		FROM messages WHERE ticket_id = ? ORDER BY created_at, seq`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*core.Message, 0)
	for rows.Next() {
		var m core.Message
		var created int64
		if err := rows.Scan(&m.ID, &m.TicketID, &m.Author, &m.Kind, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = fromUnixNano(created)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// HasUnreadSince reports whether a human wrote on the ticket after since.
func (s *SQLiteStore) HasUnreadSince(ctx context.Context, ticketID string, since *time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	after := int64(math.MinInt64)
	if since != nil {
		after = unixNano(*since)
	}
	var found bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE ticket_id = ? AND author = ? AND created_at > ?
		)`, ticketID, core.AuthorHuman, after).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("checking unread messages: %w", err)
	}
	return found, nil
}

// RecordApproval stores an approval signal for the next cycle to apply.
func (s *SQLiteStore) RecordApproval(ctx context.Context, a *core.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireTicket(ctx, tx, a.TicketID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approvals (id, ticket_id, target, kind, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.TicketID, a.Target, a.Kind, a.Actor, unixNano(a.CreatedAt),
	); err != nil {
		return fmt.Errorf("recording approval: %w", err)
	}
	if err := touchHuman(ctx, tx, a.TicketID, a.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// PendingApproval returns the oldest unconsumed approval, or nil.
func (s *SQLiteStore) PendingApproval(ctx context.Context, ticketID string) (*core.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a core.Approval
	var created int64
	var consumed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ticket_id, target, kind, actor, created_at, consumed_at
		FROM approvals
		WHERE ticket_id = ? AND consumed_at IS NULL
		ORDER BY created_at, seq LIMIT 1`, ticketID).
		Scan(&a.ID, &a.TicketID, &a.Target, &a.Kind, &a.Actor, &created, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading pending approval: %w", err)
	}
	a.CreatedAt = fromUnixNano(created)
	a.ConsumedAt = fromNullable(consumed)
	return &a, nil
}

// =============================================================================
// Helpers
// =============================================================================

func requireTicket(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM tickets WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound("ticket", id)
	}
	return err
}

func consumeApproval(ctx context.Context, tx *sql.Tx, ticketID, approvalID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE approvals SET consumed_at = ?
		WHERE id = ? AND ticket_id = ? AND consumed_at IS NULL`,
		unixNano(at), approvalID, ticketID)
	if err != nil {
		return fmt.Errorf("consuming approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrConflict(core.CodeVersionConflict,
			fmt.Sprintf("approval %s is already consumed or unknown", approvalID))
	}
	return nil
}

// insertMessages appends msgs, filling IDs and timestamps. Human messages
// advance the ticket's LastHumanActivityAt.
func insertMessages(ctx context.Context, tx *sql.Tx, ticketID string, msgs []*core.Message, at time.Time) error {
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.TicketID = ticketID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = at.UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, ticket_id, author, kind, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, ticketID, m.Author, m.Kind, m.Content, unixNano(m.CreatedAt),
		); err != nil {
			return fmt.Errorf("appending message: %w", err)
		}
		if m.Author == core.AuthorHuman {
			if err := touchHuman(ctx, tx, ticketID, m.CreatedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func touchHuman(ctx context.Context, tx *sql.Tx, ticketID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tickets SET last_human_activity_at = MAX(COALESCE(last_human_activity_at, 0), ?)
		WHERE id = ?`, unixNano(at), ticketID)
	if err != nil {
		return fmt.Errorf("recording human activity: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (*core.Ticket, error) {
	var t core.Ticket
	var lastAgent, lastHuman, readAt, acquired, expires sql.NullInt64
	var owner sql.NullString
	var arts string
	var created, updated int64

	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Phase, &t.SubState, &t.BlockedReason, &t.Agent,
		&t.PriorityBoost, &lastAgent, &lastHuman, &readAt,
		&owner, &acquired, &expires, &t.WorktreePath, &t.Branch, &arts,
		&t.Version, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	t.LastAgentActivityAt = fromNullable(lastAgent)
	t.LastHumanActivityAt = fromNullable(lastHuman)
	t.AgentReadAt = fromNullable(readAt)
	if owner.Valid {
		t.Lease = &core.Lease{
			OwnerRunID: owner.String,
			AcquiredAt: fromUnixNano(acquired.Int64),
			ExpiresAt:  fromUnixNano(expires.Int64),
		}
	}
	t.Artifacts = make(core.Artifacts)
	if arts != "" {
		if err := json.Unmarshal([]byte(arts), &t.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshaling artifacts: %w", err)
		}
	}
	t.CreatedAt = fromUnixNano(created)
	t.UpdatedAt = fromUnixNano(updated)
	return &t, nil
}

func scanRun(row rowScanner) (*core.RunRecord, error) {
	var r core.RunRecord
	var started int64
	var ended sql.NullInt64
	err := row.Scan(&r.ID, &r.TicketID, &r.TaskType, &started, &ended, &r.Status,
		&r.TokensIn, &r.TokensOut, &r.CostUSD, &r.Summary, &r.Error)
	if err != nil {
		return nil, err
	}
	r.StartedAt = fromUnixNano(started)
	r.EndedAt = fromNullable(ended)
	return &r, nil
}

func marshalArtifacts(a core.Artifacts) (string, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshaling artifacts: %w", err)
	}
	return string(b), nil
}

func leaseColumns(l *core.Lease) (sql.NullString, sql.NullInt64, sql.NullInt64) {
	if l == nil {
		return sql.NullString{}, sql.NullInt64{}, sql.NullInt64{}
	}
	return sql.NullString{String: l.OwnerRunID, Valid: true},
		sql.NullInt64{Int64: unixNano(l.AcquiredAt), Valid: true},
		sql.NullInt64{Int64: unixNano(l.ExpiresAt), Valid: true}
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNano(*t), Valid: true}
}

func fromNullable(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}
