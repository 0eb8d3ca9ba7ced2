package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kswifiapp/session-core/internal/model"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidState             = errors.New("invalid state for transition")
	ErrConflictingActiveSession = errors.New("owner already has an active session")
	ErrQuotaExceeded            = errors.New("free quota exceeded")
	ErrNoActiveSession          = errors.New("no active session")
	ErrSessionNotActive         = errors.New("session not active")
)

type Store struct {
	db          DB
	freeLimitMB int64
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB, freeLimitMB int64) *Store {
	return &Store{db: db, freeLimitMB: freeLimitMB}
}

type StartDownloadInput struct {
	OwnerID string
	Offer   model.Offer
	// PaymentRef marks the download as externally settled; without it a sized
	// offer must fit the owner's remaining free quota.
	PaymentRef string
}

const sessionColumns = `s.id, s.owner_id, s.offer_id, s.name, s.size_mb, s.used_mb, s.status, s.progress_percent,
       s.validity_days, s.download_started_at, s.activated_at, s.expires_at, s.last_usage_at, s.failure_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var out model.Session
	var sizeMB *int64
	if err := row.Scan(
		&out.ID, &out.OwnerID, &out.OfferID, &out.Name, &sizeMB, &out.UsedMB, &out.Status, &out.ProgressPercent,
		&out.ValidityDays, &out.DownloadStartedAt, &out.ActivatedAt, &out.ExpiresAt, &out.LastUsageAt, &out.FailureReason,
	); err != nil {
		return nil, err
	}
	out.Size = model.AmountFromNullableMB(sizeMB)
	return &out, nil
}

// StartDownload creates a session in the downloading state. Free grants are
// reserved against the owner's monthly quota in the same transaction, so two
// concurrent downloads cannot both pass the cap check.
func (s *Store) StartDownload(ctx context.Context, in StartDownloadInput) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	freeGrant := !in.Offer.Size.IsUnlimited() && in.PaymentRef == ""
	if freeGrant {
		ok, err := s.reserveQuotaTx(ctx, tx, in.OwnerID, in.Offer.Size.MB(), now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrQuotaExceeded
		}
	}

	newID := "ses_" + uuid.NewString()
	const insertSession = `
insert into sessions
  (id, owner_id, offer_id, name, size_mb, used_mb, status, progress_percent, validity_days, payment_ref, download_started_at, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, 0, 'downloading', 0, $6, $7, $8, $8, $8)`
	if _, err := tx.Exec(ctx, insertSession,
		newID, in.OwnerID, in.Offer.ID, in.Offer.Name, in.Offer.Size.NullableMB(), in.Offer.ValidityDays, in.PaymentRef, now,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &model.Session{
		ID:                newID,
		OwnerID:           in.OwnerID,
		OfferID:           in.Offer.ID,
		Name:              in.Offer.Name,
		Size:              in.Offer.Size,
		Status:            model.SessionDownloading,
		ValidityDays:      in.Offer.ValidityDays,
		DownloadStartedAt: now,
	}, nil
}

// MarkTransferring is a transfer-agent entry point. Repeated calls while
// transferring are legal so progress can ride on them.
func (s *Store) MarkTransferring(ctx context.Context, sessionID string, progress int) (*model.Session, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	const q = `
update sessions
set status = 'transferring', progress_percent = $2, updated_at = now()
where id = $1 and status in ('downloading', 'transferring')`
	return s.conditionalTransition(ctx, sessionID, q, sessionID, progress)
}

// MarkStored is a transfer-agent entry point: the downloaded allotment is on
// the device. The time-expiry clock starts here for offers with a validity
// window.
func (s *Store) MarkStored(ctx context.Context, sessionID string) (*model.Session, error) {
	const q = `
update sessions
set status = 'stored',
    progress_percent = 100,
    expires_at = case when validity_days > 0 then now() + make_interval(days => validity_days) else null end,
    updated_at = now()
where id = $1 and status = 'transferring'`
	return s.conditionalTransition(ctx, sessionID, q, sessionID)
}

// MarkFailed is a transfer-agent entry point for unrecoverable transfer errors.
func (s *Store) MarkFailed(ctx context.Context, sessionID, reason string) (*model.Session, error) {
	const q = `
update sessions
set status = 'failed', failure_reason = $2, updated_at = now()
where id = $1 and status in ('downloading', 'transferring')`
	return s.conditionalTransition(ctx, sessionID, q, sessionID, reason)
}

func (s *Store) conditionalTransition(ctx context.Context, sessionID, q string, args ...any) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		// Disambiguate: missing row vs illegal source state. Either way the
		// entity is untouched.
		if _, err := s.getSessionByIDTx(ctx, tx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrInvalidState
	}

	sess, err := s.getSessionByIDTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Activate transitions a stored session to active. The no-other-active-session
// invariant is enforced by the update predicate itself, not by a prior read.
func (s *Store) Activate(ctx context.Context, ownerID, sessionID string) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const q = `
update sessions s
set status = 'active', activated_at = now(), updated_at = now()
where s.id = $2 and s.owner_id = $1 and s.status = 'stored'
  and not exists (select 1 from sessions a where a.owner_id = $1 and a.status = 'active')`
	tag, err := tx.Exec(ctx, q, ownerID, sessionID)
	if err != nil {
		// Two activations of different stored sessions can both pass the
		// NOT EXISTS check under read committed; the partial unique index is
		// the backstop and reports the loser as a unique violation.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "sessions_one_active_per_owner" {
			return nil, ErrConflictingActiveSession
		}
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		curr, err := s.getOwnedSessionTx(ctx, tx, ownerID, sessionID)
		if err != nil {
			return nil, err
		}
		if curr.Status != model.SessionStored {
			return nil, ErrInvalidState
		}
		return nil, ErrConflictingActiveSession
	}

	sess, err := s.getOwnedSessionTx(ctx, tx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) getOwnedSessionTx(ctx context.Context, tx pgx.Tx, ownerID, sessionID string) (*model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.owner_id = $1 and s.id = $2
limit 1`
	sess, err := scanSession(tx.QueryRow(ctx, q, ownerID, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *Store) getSessionByIDTx(ctx context.Context, tx pgx.Tx, sessionID string) (*model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.id = $1
limit 1`
	sess, err := scanSession(tx.QueryRow(ctx, q, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *Store) GetSession(ctx context.Context, ownerID, sessionID string) (*model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.owner_id = $1 and s.id = $2
limit 1`
	sess, err := scanSession(s.db.QueryRow(ctx, q, ownerID, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.id = $1
limit 1`
	sess, err := scanSession(s.db.QueryRow(ctx, q, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *Store) GetActiveSession(ctx context.Context, ownerID string) (*model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.owner_id = $1 and s.status = 'active'
limit 1`
	sess, err := scanSession(s.db.QueryRow(ctx, q, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]*model.Session, error) {
	const q = `
select ` + sessionColumns + `
from sessions s
where s.owner_id = $1
order by s.download_started_at desc, s.id desc`
	rows, err := s.db.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportUsage applies a consumption report against the owner's active session.
// The balance decrement and the exhaustion flip happen in one statement, so a
// drained session is never observable as active with zero remaining. Unlimited
// sessions accumulate used_mb for analytics and never exhaust.
func (s *Store) ReportUsage(ctx context.Context, ownerID string, dataUsedMB int64) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const q = `
update sessions
set used_mb = used_mb + $2,
    status = case when size_mb is not null and used_mb + $2 >= size_mb then 'exhausted' else status end,
    last_usage_at = now(),
    updated_at = now()
where owner_id = $1 and status = 'active'
returning id`
	var sessionID string
	if err := tx.QueryRow(ctx, q, ownerID, dataUsedMB).Scan(&sessionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}

	const insertReport = `
insert into usage_reports (session_id, data_used_mb, reported_at)
values ($1, $2, now())`
	if _, err := tx.Exec(ctx, insertReport, sessionID, dataUsedMB); err != nil {
		return nil, err
	}

	sess, err := s.getSessionByIDTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetQuota reads the owner's ledger for the current calendar month, lazily
// materializing the period row on first touch.
func (s *Store) GetQuota(ctx context.Context, ownerID string) (*model.QuotaPeriod, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	periodStart := model.PeriodStartFor(time.Now())
	if err := s.ensureQuotaPeriodTx(ctx, tx, ownerID, periodStart); err != nil {
		return nil, err
	}

	const q = `
select owner_id, period_start, used_mb, limit_mb
from quota_periods
where owner_id = $1 and period_start = $2`
	var out model.QuotaPeriod
	if err := tx.QueryRow(ctx, q, ownerID, periodStart).Scan(
		&out.OwnerID, &out.PeriodStart, &out.UsedMB, &out.LimitMB,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ensureQuotaPeriodTx(ctx context.Context, tx pgx.Tx, ownerID string, periodStart time.Time) error {
	const q = `
insert into quota_periods (owner_id, period_start, used_mb, limit_mb, created_at)
values ($1, $2, 0, $3, now())
on conflict (owner_id, period_start) do nothing`
	_, err := tx.Exec(ctx, q, ownerID, periodStart, s.freeLimitMB)
	return err
}

// reserveQuotaTx is the check-and-increment behind free grants: the cap test
// and the increment are the same statement, so overlapping reservations that
// individually fit but jointly exceed the limit cannot both pass.
func (s *Store) reserveQuotaTx(ctx context.Context, tx pgx.Tx, ownerID string, sizeMB int64, now time.Time) (bool, error) {
	periodStart := model.PeriodStartFor(now)
	if err := s.ensureQuotaPeriodTx(ctx, tx, ownerID, periodStart); err != nil {
		return false, err
	}

	const q = `
update quota_periods
set used_mb = used_mb + $3
where owner_id = $1 and period_start = $2 and used_mb + $3 <= limit_mb`
	tag, err := tx.Exec(ctx, q, ownerID, periodStart, sizeMB)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOverdue time-expires stored and active sessions whose window has
// passed. The predicate makes it safe against racing user transitions and
// idempotent across repeated sweeps.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	const q = `
update sessions
set status = 'expired', updated_at = now()
where status in ('stored', 'active') and expires_at is not null and expires_at < $1`
	tag, err := s.db.Exec(ctx, q, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FailStalledTransfers marks sessions abandoned mid-transfer by the external
// agent as failed once they have been in flight past the cutoff.
func (s *Store) FailStalledTransfers(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
update sessions
set status = 'failed', failure_reason = 'transfer stalled', updated_at = now()
where status in ('downloading', 'transferring') and download_started_at < $1`
	tag, err := s.db.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordProfile persists a minted connectivity profile for later re-display.
func (s *Store) RecordProfile(ctx context.Context, p *model.ConnectivityProfile) error {
	const q = `
insert into connectivity_profiles
  (id, session_id, kind, network_name, portal_url, access_token, iccid, smdp_server, activation_code, provisioning_code, issued_at, expires_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.Exec(ctx, q,
		p.ID, p.SessionID, string(p.Kind), p.NetworkName, p.PortalURL, p.AccessToken,
		p.ICCID, p.SMDPServer, p.ActivationCode, p.ProvisioningCode, p.IssuedAt, p.ExpiresAt,
	)
	return err
}

func (s *Store) ListProfiles(ctx context.Context, sessionID string) ([]*model.ConnectivityProfile, error) {
	const q = `
select id, session_id, kind, network_name, portal_url, access_token, iccid, smdp_server, activation_code, provisioning_code, issued_at, expires_at
from connectivity_profiles
where session_id = $1
order by issued_at desc`
	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.ConnectivityProfile, 0)
	for rows.Next() {
		var p model.ConnectivityProfile
		var kind string
		if err := rows.Scan(
			&p.ID, &p.SessionID, &kind, &p.NetworkName, &p.PortalURL, &p.AccessToken,
			&p.ICCID, &p.SMDPServer, &p.ActivationCode, &p.ProvisioningCode, &p.IssuedAt, &p.ExpiresAt,
		); err != nil {
			return nil, err
		}
		p.Kind = model.ProfileKind(kind)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
