package actor

// The team-membership, audit-log and pending-invite sub-schema is shared
// verbatim by the merchant and destination actors; the handlers below operate
// on identical tables in either kind's store.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"firmly-accounts/internal/router"
	"firmly-accounts/internal/store"
)

// TeamMember is the authoritative roster row for who has access to the
// owning entity. One row per user.
type TeamMember struct {
	UserID    string    `json:"user_id"`
	UserEmail string    `json:"user_email"`
	Role      string    `json:"role"`
	GrantedAt time.Time `json:"granted_at"`
	GrantedBy string    `json:"granted_by,omitempty"`
}

// AuditEntry is append-only: entries are never updated once written, only
// inserted and optionally filtered out of queries.
type AuditEntry struct {
	ID            int64          `json:"id"`
	EventType     string         `json:"event_type"`
	ActorID       string         `json:"actor_id"`
	ActorEmail    string         `json:"actor_email"`
	TargetID      string         `json:"target_id,omitempty"`
	TargetEmail   string         `json:"target_email,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	IsFirmlyAdmin bool           `json:"is_firmly_admin"`
	ActorType     string         `json:"actor_type"`
	CreatedAt     time.Time      `json:"created_at"`
}

// EntityInvite is an entity-side pending invite, unique per email.
type EntityInvite struct {
	Token          string    `json:"token"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	InvitedBy      string    `json:"invited_by,omitempty"`
	InvitedByEmail string    `json:"invited_by_email,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResetResult reports what the reset wiped so callers can propagate
// revocations to the user side.
type ResetResult struct {
	Team           []TeamMember   `json:"team"`
	PendingInvites []EntityInvite `json:"pending_invites"`
}

func (a *Actor) mixinRoutes() []router.Route {
	return []router.Route{
		{Method: "GET", Pattern: "/team", Handler: a.handleListTeam},
		{Method: "POST", Pattern: "/team", Handler: a.handleUpsertTeamMember, NeedsBody: true},
		{Method: "PUT", Pattern: "/team/:userId", Handler: a.handleUpdateTeamRole, NeedsBody: true},
		{Method: "DELETE", Pattern: "/team/:userId", Handler: a.handleRemoveTeamMember},
		{Method: "GET", Pattern: "/audit-logs", Handler: a.handleListAuditLogs, WantsPage: true, WantsAdminFlag: true},
		{Method: "POST", Pattern: "/audit-logs", Handler: a.handleAppendAuditLog, NeedsBody: true},
		{Method: "GET", Pattern: "/invites", Handler: a.handleListEntityInvites},
		{Method: "POST", Pattern: "/invites", Handler: a.handleCreateEntityInvite, NeedsBody: true},
		{Method: "DELETE", Pattern: "/invites/:id", Handler: a.handleDeleteEntityInvite},
		{Method: "POST", Pattern: "/reset", Handler: a.handleReset},
	}
}

// -- Team --

type teamMemberRequest struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
	Role      string `json:"role"`
	GrantedBy string `json:"granted_by"`
}

// handleUpsertTeamMember grants or re-grants access: writing an existing
// user overwrites role and attribution rather than erroring.
func (a *Actor) handleUpsertTeamMember(ctx context.Context, call router.Call) (any, error) {
	var req teamMemberRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" || req.Role == "" {
		return nil, &router.ValidationError{Message: "user_id and role are required"}
	}

	member := TeamMember{
		UserID:    req.UserID,
		UserEmail: req.UserEmail,
		Role:      req.Role,
		GrantedAt: a.nowUTC(),
		GrantedBy: req.GrantedBy,
	}
	const q = `
INSERT INTO team_members (user_id, user_email, role, granted_at, granted_by)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    user_email = excluded.user_email,
    role = excluded.role,
    granted_at = excluded.granted_at,
    granted_by = excluded.granted_by;
`
	if _, err := a.store.DB().ExecContext(ctx, q, member.UserID, member.UserEmail, member.Role, store.FormatTime(member.GrantedAt), member.GrantedBy); err != nil {
		return nil, fmt.Errorf("upsert team member: %w", err)
	}
	return member, nil
}

func (a *Actor) handleListTeam(ctx context.Context, call router.Call) (any, error) {
	const q = `SELECT user_id, user_email, role, granted_at, granted_by FROM team_members ORDER BY granted_at DESC;`
	rows, err := a.store.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list team: %w", err)
	}
	defer rows.Close()

	members, err := scanTeamMembers(rows)
	if err != nil {
		return nil, err
	}
	return members, nil
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (a *Actor) handleUpdateTeamRole(ctx context.Context, call router.Call) (any, error) {
	var req updateRoleRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.Role == "" {
		return nil, &router.ValidationError{Message: "role is required"}
	}

	userID := call.Params["userId"]
	res, err := a.store.DB().ExecContext(ctx, `UPDATE team_members SET role = ? WHERE user_id = ?;`, req.Role, userID)
	if err != nil {
		return nil, fmt.Errorf("update team role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, router.ErrNotFound
	}
	return a.loadTeamMember(ctx, userID)
}

func (a *Actor) handleRemoveTeamMember(ctx context.Context, call router.Call) (any, error) {
	res, err := a.store.DB().ExecContext(ctx, `DELETE FROM team_members WHERE user_id = ?;`, call.Params["userId"])
	if err != nil {
		return nil, fmt.Errorf("remove team member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, router.ErrNotFound
	}
	return nil, nil
}

func (a *Actor) loadTeamMember(ctx context.Context, userID string) (TeamMember, error) {
	const q = `SELECT user_id, user_email, role, granted_at, granted_by FROM team_members WHERE user_id = ? LIMIT 1;`
	var m TeamMember
	var granted string
	err := a.store.DB().QueryRowContext(ctx, q, userID).Scan(&m.UserID, &m.UserEmail, &m.Role, &granted, &m.GrantedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return TeamMember{}, router.ErrNotFound
		}
		return TeamMember{}, fmt.Errorf("load team member: %w", err)
	}
	m.GrantedAt = store.ParseTime(granted)
	return m, nil
}

func scanTeamMembers(rows *sql.Rows) ([]TeamMember, error) {
	members := []TeamMember{}
	for rows.Next() {
		var m TeamMember
		var granted string
		if err := rows.Scan(&m.UserID, &m.UserEmail, &m.Role, &granted, &m.GrantedBy); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		m.GrantedAt = store.ParseTime(granted)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team members: %w", err)
	}
	return members, nil
}

// -- Audit log --

type auditEntryRequest struct {
	EventType     string         `json:"event_type"`
	ActorID       string         `json:"actor_id"`
	ActorEmail    string         `json:"actor_email"`
	TargetID      string         `json:"target_id"`
	TargetEmail   string         `json:"target_email"`
	Details       map[string]any `json:"details"`
	IsFirmlyAdmin bool           `json:"is_firmly_admin"`
	ActorType     string         `json:"actor_type"`
}

func (a *Actor) handleAppendAuditLog(ctx context.Context, call router.Call) (any, error) {
	var req auditEntryRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.EventType == "" {
		return nil, &router.ValidationError{Message: "event_type is required"}
	}
	if req.ActorType == "" {
		req.ActorType = "user"
	}

	var details any
	if req.Details != nil {
		data, err := jsonMarshal(req.Details)
		if err != nil {
			return nil, err
		}
		details = string(data)
	}

	entry := AuditEntry{
		EventType:     req.EventType,
		ActorID:       req.ActorID,
		ActorEmail:    req.ActorEmail,
		TargetID:      req.TargetID,
		TargetEmail:   req.TargetEmail,
		Details:       req.Details,
		IsFirmlyAdmin: req.IsFirmlyAdmin,
		ActorType:     req.ActorType,
		CreatedAt:     a.nowUTC(),
	}
	const q = `
INSERT INTO audit_logs (event_type, actor_id, actor_email, target_id, target_email, details, is_firmly_admin, actor_type, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id;
`
	err := a.store.DB().QueryRowContext(ctx, q,
		entry.EventType, entry.ActorID, entry.ActorEmail,
		nullable(entry.TargetID), nullable(entry.TargetEmail), details,
		boolToInt(entry.IsFirmlyAdmin), entry.ActorType, store.FormatTime(entry.CreatedAt),
	).Scan(&entry.ID)
	if err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}
	return entry, nil
}

// handleListAuditLogs pages newest-first; entries attributed to platform
// admins are hidden unless the includeFirmlyAdmin flag is set.
func (a *Actor) handleListAuditLogs(ctx context.Context, call router.Call) (any, error) {
	const q = `
SELECT id, event_type, actor_id, actor_email, target_id, target_email, details, is_firmly_admin, actor_type, created_at
FROM audit_logs
WHERE (? OR is_firmly_admin = 0)
ORDER BY id DESC
LIMIT ? OFFSET ?;
`
	rows, err := a.store.DB().QueryContext(ctx, q, boolToInt(call.IncludeAdmin), call.Page.Limit, call.Page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var targetID, targetEmail, details sql.NullString
		var isAdmin int
		var created string
		if err := rows.Scan(&e.ID, &e.EventType, &e.ActorID, &e.ActorEmail, &targetID, &targetEmail, &details, &isAdmin, &e.ActorType, &created); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		e.TargetID = targetID.String
		e.TargetEmail = targetEmail.String
		e.IsFirmlyAdmin = isAdmin != 0
		e.CreatedAt = store.ParseTime(created)
		if details.Valid && details.String != "" {
			if err := jsonUnmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return entries, nil
}

// -- Entity-side invites --

type entityInviteRequest struct {
	Email          string `json:"email"`
	Role           string `json:"role"`
	InvitedBy      string `json:"invited_by"`
	InvitedByEmail string `json:"invited_by_email"`
}

func (a *Actor) handleCreateEntityInvite(ctx context.Context, call router.Call) (any, error) {
	var req entityInviteRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.Email == "" || req.Role == "" {
		return nil, &router.ValidationError{Message: "email and role are required"}
	}
	if err := a.gcEntityInvites(ctx); err != nil {
		return nil, err
	}

	// Inviting an existing member is rejected with the current roster row.
	var member TeamMember
	var granted string
	err := a.store.DB().QueryRowContext(ctx,
		`SELECT user_id, user_email, role, granted_at, granted_by FROM team_members WHERE user_email = ? LIMIT 1;`, req.Email,
	).Scan(&member.UserID, &member.UserEmail, &member.Role, &granted, &member.GrantedBy)
	switch {
	case err == nil:
		member.GrantedAt = store.ParseTime(granted)
		return nil, &router.ConflictError{Message: "email is already a team member", Current: member}
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("check existing member: %w", err)
	}

	// A second invite for the same email is rejected while the first is
	// still pending.
	existing, err := a.loadEntityInviteByEmail(ctx, req.Email)
	if err == nil {
		return nil, &router.ConflictError{Message: "invite already pending for email", Current: existing}
	}
	if err != router.ErrNotFound {
		return nil, err
	}

	now := a.nowUTC()
	inv := EntityInvite{
		Token:          uuid.NewString(),
		Email:          req.Email,
		Role:           req.Role,
		InvitedBy:      req.InvitedBy,
		InvitedByEmail: req.InvitedByEmail,
		ExpiresAt:      now.Add(a.inviteTTL),
		CreatedAt:      now,
	}
	const q = `
INSERT INTO invites (token, email, role, invited_by, invited_by_email, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	if _, err := a.store.DB().ExecContext(ctx, q, inv.Token, inv.Email, inv.Role, inv.InvitedBy, inv.InvitedByEmail, store.FormatTime(inv.ExpiresAt), store.FormatTime(inv.CreatedAt)); err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}
	return inv, nil
}

func (a *Actor) handleListEntityInvites(ctx context.Context, call router.Call) (any, error) {
	if err := a.gcEntityInvites(ctx); err != nil {
		return nil, err
	}
	const q = `
SELECT token, email, role, invited_by, invited_by_email, expires_at, created_at
FROM invites
ORDER BY created_at DESC;
`
	rows, err := a.store.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	invites, err := scanEntityInvites(rows)
	if err != nil {
		return nil, err
	}
	return invites, nil
}

func (a *Actor) handleDeleteEntityInvite(ctx context.Context, call router.Call) (any, error) {
	if err := a.gcEntityInvites(ctx); err != nil {
		return nil, err
	}
	res, err := a.store.DB().ExecContext(ctx, `DELETE FROM invites WHERE token = ?;`, call.Params["id"])
	if err != nil {
		return nil, fmt.Errorf("delete invite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, router.ErrNotFound
	}
	return nil, nil
}

func (a *Actor) loadEntityInviteByEmail(ctx context.Context, email string) (EntityInvite, error) {
	const q = `
SELECT token, email, role, invited_by, invited_by_email, expires_at, created_at
FROM invites
WHERE email = ?
LIMIT 1;
`
	var inv EntityInvite
	var expires, created string
	err := a.store.DB().QueryRowContext(ctx, q, email).Scan(&inv.Token, &inv.Email, &inv.Role, &inv.InvitedBy, &inv.InvitedByEmail, &expires, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return EntityInvite{}, router.ErrNotFound
		}
		return EntityInvite{}, fmt.Errorf("load invite: %w", err)
	}
	inv.ExpiresAt = store.ParseTime(expires)
	inv.CreatedAt = store.ParseTime(created)
	return inv, nil
}

func scanEntityInvites(rows *sql.Rows) ([]EntityInvite, error) {
	invites := []EntityInvite{}
	for rows.Next() {
		var inv EntityInvite
		var expires, created string
		if err := rows.Scan(&inv.Token, &inv.Email, &inv.Role, &inv.InvitedBy, &inv.InvitedByEmail, &expires, &created); err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		inv.ExpiresAt = store.ParseTime(expires)
		inv.CreatedAt = store.ParseTime(created)
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	return invites, nil
}

func (a *Actor) gcEntityInvites(ctx context.Context) error {
	if _, err := a.store.DB().ExecContext(ctx, `DELETE FROM invites WHERE expires_at <= ?;`, store.FormatTime(a.nowUTC())); err != nil {
		return fmt.Errorf("gc invites: %w", err)
	}
	return nil
}

// -- Reset --

// handleReset clears every table owned by the actor and reports the
// pre-deletion team roster and pending invites so the caller can propagate
// revocations to the affected user actors.
func (a *Actor) handleReset(ctx context.Context, call router.Call) (any, error) {
	// Expired invites must not leak into the reported pre-reset state.
	if err := a.gcEntityInvites(ctx); err != nil {
		return nil, err
	}

	teamRows, err := a.store.DB().QueryContext(ctx, `SELECT user_id, user_email, role, granted_at, granted_by FROM team_members;`)
	if err != nil {
		return nil, fmt.Errorf("reset read team: %w", err)
	}
	team, err := scanTeamMembers(teamRows)
	teamRows.Close()
	if err != nil {
		return nil, err
	}

	inviteRows, err := a.store.DB().QueryContext(ctx, `SELECT token, email, role, invited_by, invited_by_email, expires_at, created_at FROM invites;`)
	if err != nil {
		return nil, fmt.Errorf("reset read invites: %w", err)
	}
	invites, err := scanEntityInvites(inviteRows)
	inviteRows.Close()
	if err != nil {
		return nil, err
	}

	err = a.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range a.resetTables() {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+";"); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		if a.kind == KindDestination {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO profile (id, data) VALUES (1, '{}');`); err != nil {
				return fmt.Errorf("reset profile seed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ResetResult{Team: team, PendingInvites: invites}, nil
}

func (a *Actor) resetTables() []string {
	switch a.kind {
	case KindMerchant:
		return []string{"team_members", "audit_logs", "invites", "agreement", "onboarding_status", "catalog_config", "integration_steps"}
	case KindDestination:
		return []string{"team_members", "audit_logs", "invites", "profile"}
	default:
		return nil
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
