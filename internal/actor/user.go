package actor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"firmly-accounts/internal/router"
	"firmly-accounts/internal/store"
)

// Session is one authenticated device session. A session is valid iff
// expires_at is strictly in the future.
type Session struct {
	ID           string    `json:"id"`
	DeviceName   string    `json:"device_name"`
	DeviceType   string    `json:"device_type"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessAt time.Time `json:"last_access_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// MerchantGrant is the user-side projection of access to one merchant.
type MerchantGrant struct {
	MerchantDomain string    `json:"merchant_domain"`
	Role           string    `json:"role"`
	GrantedAt      time.Time `json:"granted_at"`
}

// DestinationGrant is the user-side projection of access to one destination.
type DestinationGrant struct {
	DestinationID string    `json:"destination_id"`
	AccessLevel   string    `json:"access_level"`
	GrantedAt     time.Time `json:"granted_at"`
}

// UserInvite is an invite addressed to this user, at most one per merchant.
type UserInvite struct {
	Token          string    `json:"token"`
	MerchantDomain string    `json:"merchant_domain"`
	MerchantName   string    `json:"merchant_name,omitempty"`
	Role           string    `json:"role"`
	InvitedBy      string    `json:"invited_by,omitempty"`
	InvitedByEmail string    `json:"invited_by_email,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

func (a *Actor) userRoutes() []router.Route {
	return []router.Route{
		{Method: "GET", Pattern: "/profile", Handler: a.handleGetDocument("profile")},
		{Method: "PUT", Pattern: "/profile", Handler: a.handleMergeDocument("profile"), NeedsBody: true},
		{Method: "GET", Pattern: "/preferences", Handler: a.handleGetDocument("preferences")},
		{Method: "PUT", Pattern: "/preferences", Handler: a.handleMergeDocument("preferences"), NeedsBody: true},
		{Method: "GET", Pattern: "/sessions", Handler: a.handleListSessions},
		{Method: "POST", Pattern: "/sessions", Handler: a.handleCreateSession, NeedsBody: true},
		// Literal before :id so "all" is not captured as a session id.
		{Method: "DELETE", Pattern: "/sessions/all", Handler: a.handleDeleteAllSessions},
		{Method: "GET", Pattern: "/sessions/:id", Handler: a.handleGetSession},
		{Method: "PUT", Pattern: "/sessions/:id", Handler: a.handleTouchSession},
		{Method: "DELETE", Pattern: "/sessions/:id", Handler: a.handleDeleteSession},
		{Method: "GET", Pattern: "/merchant-access", Handler: a.handleListMerchantAccess},
		{Method: "POST", Pattern: "/merchant-access", Handler: a.handleGrantMerchantAccess, NeedsBody: true},
		{Method: "DELETE", Pattern: "/merchant-access/:domain", Handler: a.handleRevokeMerchantAccess},
		{Method: "GET", Pattern: "/destination-access", Handler: a.handleListDestinationAccess},
		{Method: "POST", Pattern: "/destination-access", Handler: a.handleGrantDestinationAccess, NeedsBody: true},
		{Method: "DELETE", Pattern: "/destination-access/:id", Handler: a.handleRevokeDestinationAccess},
		{Method: "GET", Pattern: "/pending-invites", Handler: a.handleListUserInvites},
		{Method: "POST", Pattern: "/pending-invites", Handler: a.handleUpsertUserInvite, NeedsBody: true},
		{Method: "DELETE", Pattern: "/pending-invites/:token", Handler: a.handleDeleteUserInvite},
	}
}

// -- Profile / Preferences --

func (a *Actor) handleGetDocument(table string) router.HandlerFunc {
	return func(ctx context.Context, call router.Call) (any, error) {
		return a.readDocument(ctx, table)
	}
}

// handleMergeDocument applies shallow last-write-wins merge: fields in the
// body overwrite same-named fields, untouched fields persist.
func (a *Actor) handleMergeDocument(table string) router.HandlerFunc {
	return func(ctx context.Context, call router.Call) (any, error) {
		var patch map[string]any
		if err := a.bind(call, &patch); err != nil {
			return nil, err
		}
		if patch == nil {
			return nil, &router.ValidationError{Message: "body must be a json object"}
		}

		current, err := a.readDocument(ctx, table)
		if err != nil {
			return nil, err
		}
		for k, v := range patch {
			current[k] = v
		}

		data, err := jsonMarshal(current)
		if err != nil {
			return nil, err
		}
		q := fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = 1;", table)
		if _, err := a.store.DB().ExecContext(ctx, q, string(data), store.FormatTime(a.nowUTC())); err != nil {
			return nil, fmt.Errorf("update %s: %w", table, err)
		}
		return current, nil
	}
}

func (a *Actor) readDocument(ctx context.Context, table string) (map[string]any, error) {
	q := fmt.Sprintf("SELECT data FROM %s WHERE id = 1 LIMIT 1;", table)
	var raw string
	if err := a.store.DB().QueryRowContext(ctx, q).Scan(&raw); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	doc := map[string]any{}
	if err := jsonUnmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// -- Sessions --

type createSessionRequest struct {
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent"`
	ExpiresAt  string `json:"expires_at"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (a *Actor) handleCreateSession(ctx context.Context, call router.Call) (any, error) {
	var req createSessionRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}

	now := a.nowUTC()
	expires := now.Add(defaultSessionTTL)
	if req.TTLSeconds > 0 {
		expires = now.Add(time.Duration(req.TTLSeconds) * time.Second)
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return nil, &router.ValidationError{Message: "expires_at must be RFC3339"}
		}
		expires = t.UTC()
	}

	sess := Session{
		ID:           uuid.NewString(),
		DeviceName:   req.DeviceName,
		DeviceType:   req.DeviceType,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    expires,
	}
	const q = `
INSERT INTO sessions (id, device_name, device_type, ip_address, user_agent, created_at, last_access_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := a.store.DB().ExecContext(ctx, q,
		sess.ID, sess.DeviceName, sess.DeviceType, sess.IPAddress, sess.UserAgent,
		store.FormatTime(sess.CreatedAt), store.FormatTime(sess.LastAccessAt), store.FormatTime(sess.ExpiresAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// handleListSessions deletes expired rows first, then returns the remainder
// newest-first. The deletion keeps storage bounded without a sweep process.
func (a *Actor) handleListSessions(ctx context.Context, call router.Call) (any, error) {
	nowStr := store.FormatTime(a.nowUTC())
	if _, err := a.store.DB().ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?;`, nowStr); err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}

	const q = `
SELECT id, device_name, device_type, ip_address, user_agent, created_at, last_access_at, expires_at
FROM sessions
ORDER BY created_at DESC;
`
	rows, err := a.store.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (a *Actor) handleGetSession(ctx context.Context, call router.Call) (any, error) {
	return a.loadValidSession(ctx, call.Params["id"])
}

// handleTouchSession validates the session and refreshes last_access_at.
func (a *Actor) handleTouchSession(ctx context.Context, call router.Call) (any, error) {
	sess, err := a.loadValidSession(ctx, call.Params["id"])
	if err != nil {
		return nil, err
	}
	sess.LastAccessAt = a.nowUTC()
	const q = `UPDATE sessions SET last_access_at = ? WHERE id = ?;`
	if _, err := a.store.DB().ExecContext(ctx, q, store.FormatTime(sess.LastAccessAt), sess.ID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return sess, nil
}

func (a *Actor) handleDeleteSession(ctx context.Context, call router.Call) (any, error) {
	res, err := a.store.DB().ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, call.Params["id"])
	if err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, router.ErrNotFound
	}
	return nil, nil
}

// handleDeleteAllSessions implements "sign out everywhere", optionally
// keeping the session named by the exclude query parameter.
func (a *Actor) handleDeleteAllSessions(ctx context.Context, call router.Call) (any, error) {
	exclude := call.Query.Get("exclude")
	var (
		res sql.Result
		err error
	)
	if exclude != "" {
		res, err = a.store.DB().ExecContext(ctx, `DELETE FROM sessions WHERE id != ?;`, exclude)
	} else {
		res, err = a.store.DB().ExecContext(ctx, `DELETE FROM sessions;`)
	}
	if err != nil {
		return nil, fmt.Errorf("delete all sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return map[string]any{"deleted": n}, nil
}

func (a *Actor) loadValidSession(ctx context.Context, id string) (Session, error) {
	const q = `
SELECT id, device_name, device_type, ip_address, user_agent, created_at, last_access_at, expires_at
FROM sessions
WHERE id = ?
LIMIT 1;
`
	row := a.store.DB().QueryRowContext(ctx, q, id)
	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Session{}, router.ErrNotFound
		}
		return Session{}, err
	}
	if !sess.ExpiresAt.After(a.nowUTC()) {
		return Session{}, router.ErrNotFound
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var created, access, expires string
	if err := row.Scan(&s.ID, &s.DeviceName, &s.DeviceType, &s.IPAddress, &s.UserAgent, &created, &access, &expires); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	s.CreatedAt = store.ParseTime(created)
	s.LastAccessAt = store.ParseTime(access)
	s.ExpiresAt = store.ParseTime(expires)
	return s, nil
}

// -- Merchant access grants --

type grantMerchantRequest struct {
	MerchantDomain string `json:"merchant_domain"`
	Role           string `json:"role"`
}

// handleGrantMerchantAccess upserts the (user, merchant) grant: granting
// again overwrites role and timestamp instead of erroring.
func (a *Actor) handleGrantMerchantAccess(ctx context.Context, call router.Call) (any, error) {
	var req grantMerchantRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.MerchantDomain == "" || req.Role == "" {
		return nil, &router.ValidationError{Message: "merchant_domain and role are required"}
	}

	grant := MerchantGrant{MerchantDomain: req.MerchantDomain, Role: req.Role, GrantedAt: a.nowUTC()}
	const q = `
INSERT INTO merchant_access (merchant_domain, role, granted_at)
VALUES (?, ?, ?)
ON CONFLICT (merchant_domain) DO UPDATE SET
    role = excluded.role,
    granted_at = excluded.granted_at;
`
	if _, err := a.store.DB().ExecContext(ctx, q, grant.MerchantDomain, grant.Role, store.FormatTime(grant.GrantedAt)); err != nil {
		return nil, fmt.Errorf("grant merchant access: %w", err)
	}
	return grant, nil
}

func (a *Actor) handleListMerchantAccess(ctx context.Context, call router.Call) (any, error) {
	const q = `SELECT merchant_domain, role, granted_at FROM merchant_access ORDER BY granted_at DESC;`
	rows, err := a.store.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list merchant access: %w", err)
	}
	defer rows.Close()

	grants := []MerchantGrant{}
	for rows.Next() {
		var g MerchantGrant
		var granted string
		if err := rows.Scan(&g.MerchantDomain, &g.Role, &granted); err != nil {
			return nil, fmt.Errorf("scan merchant access: %w", err)
		}
		g.GrantedAt = store.ParseTime(granted)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merchant access: %w", err)
	}
	return grants, nil
}

func (a *Actor) handleRevokeMerchantAccess(ctx context.Context, call router.Call) (any, error) {
	res, err := a.store.DB().ExecContext(ctx, `DELETE FROM merchant_access WHERE merchant_domain = ?;`, call.Params["domain"])
	if err != nil {
		return nil, fmt.Errorf("revoke merchant access: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, router.ErrNotFound
	}
	return nil, nil
}

// -- Destination access grants --

type grantDestinationRequest struct {
	DestinationID string `json:"destination_id"`
	AccessLevel   string `json:"access_level"`
}

func (a *Actor) handleGrantDestinationAccess(ctx context.Context, call router.Call) (any, error) {
	var req grantDestinationRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.DestinationID == "" || req.AccessLevel == "" {
		return nil, &router.ValidationError{Message: "destination_id and access_level are required"}
	}

	grant := DestinationGrant{DestinationID: req.DestinationID, AccessLevel: req.AccessLevel, GrantedAt: a.nowUTC()}
	const q = `
INSERT INTO destination_access (destination_id, access_level, granted_at)
VALUES (?, ?, ?)
ON CONFLICT (destination_id) DO UPDATE SET
    access_level = excluded.access_level,
    granted_at = excluded.granted_at;
`
	if _, err := a.store.DB().ExecContext(ctx, q, grant.DestinationID, grant.AccessLevel, store.FormatTime(grant.GrantedAt)); err != nil {
		return nil, fmt.Errorf("grant destination access: %w", err)
	}
	return grant, nil
}

func (a *Actor) handleListDestinationAccess(ctx context.Context, call router.Call) (any, error) {
	const q = `SELECT destination_id, access_level, granted_at FROM destination_access ORDER BY granted_at DESC;`
	rows, err := a.store.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list destination access: %w", err)
	}
	defer rows.Close()

	grants := []DestinationGrant{}
	for rows.Next() {
		var g DestinationGrant
		var granted string
		if err := rows.Scan(&g.DestinationID, &g.AccessLevel, &granted); err != nil {
			return nil, fmt.Errorf("scan destination access: %w", err)
		}
		g.GrantedAt = store.ParseTime(granted)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destination access: %w", err)
	}
	return grants, nil
}

func (a *Actor) handleRevokeDestinationAccess(ctx context.Context, call router.Call) (any, error) {
	res, err := a.store.DB().ExecContext(ctx, `DELETE FROM destination_access WHERE destination_id = ?;`, call.Params["id"])
	if err != nil {
		return nil, fmt.Errorf("revoke destination access: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, router.ErrNotFound
	}
	return nil, nil
}

// -- Pending invites (per-user variant, at most one per merchant) --

type userInviteRequest struct {
	Token          string `json:"token"`
	MerchantDomain string `json:"merchant_domain"`
	MerchantName   string `json:"merchant_name"`
	Role           string `json:"role"`
	InvitedBy      string `json:"invited_by"`
	InvitedByEmail string `json:"invited_by_email"`
	ExpiresAt      string `json:"expires_at"`
}

func (a *Actor) handleUpsertUserInvite(ctx context.Context, call router.Call) (any, error) {
	var req userInviteRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.MerchantDomain == "" || req.Role == "" {
		return nil, &router.ValidationError{Message: "merchant_domain and role are required"}
	}
	if err := a.gcUserInvites(ctx); err != nil {
		return nil, err
	}

	now := a.nowUTC()
	inv := UserInvite{
		Token:          req.Token,
		MerchantDomain: req.MerchantDomain,
		MerchantName:   req.MerchantName,
		Role:           req.Role,
		InvitedBy:      req.InvitedBy,
		InvitedByEmail: req.InvitedByEmail,
		ExpiresAt:      now.Add(a.inviteTTL),
		CreatedAt:      now,
	}
	if inv.Token == "" {
		inv.Token = uuid.NewString()
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return nil, &router.ValidationError{Message: "expires_at must be RFC3339"}
		}
		inv.ExpiresAt = t.UTC()
	}

	// Re-inviting from the same merchant replaces the earlier invite.
	const q = `
INSERT INTO pending_invites (token, merchant_domain, merchant_name, role, invited_by, invited_by_email, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (merchant_domain) DO UPDATE SET
    token = excluded.token,
    merchant_name = excluded.merchant_name,
    role = excluded.role,
    invited_by = excluded.invited_by,
    invited_by_email = excluded.invited_by_email,
    expires_at = excluded.expires_at,
    created_at = excluded.created_at;
`
	_, err := a.store.DB().ExecContext(ctx, q,
		inv.Token, inv.MerchantDomain, inv.MerchantName, inv.Role, inv.InvitedBy, inv.InvitedByEmail,
		store.FormatTime(inv.ExpiresAt), store.FormatTime(inv.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert pending invite: %w", err)
	}
	return inv, nil
}

func (a *Actor) handleListUserInvites(ctx context.Context, call router.Call) (any, error) {
	if err := a.gcUserInvites(ctx); err != nil {
		return nil, err
	}
	const q = `
SELECT token, merchant_domain, merchant_name, role, invited_by, invited_by_email, expires_at, created_at
FROM pending_invites
ORDER BY created_at DESC;
`
	rows, err := a.store.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list pending invites: %w", err)
	}
	defer rows.Close()

	invites := []UserInvite{}
	for rows.Next() {
		var inv UserInvite
		var expires, created string
		if err := rows.Scan(&inv.Token, &inv.MerchantDomain, &inv.MerchantName, &inv.Role, &inv.InvitedBy, &inv.InvitedByEmail, &expires, &created); err != nil {
			return nil, fmt.Errorf("scan pending invite: %w", err)
		}
		inv.ExpiresAt = store.ParseTime(expires)
		inv.CreatedAt = store.ParseTime(created)
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending invites: %w", err)
	}
	return invites, nil
}

func (a *Actor) handleDeleteUserInvite(ctx context.Context, call router.Call) (any, error) {
	if err := a.gcUserInvites(ctx); err != nil {
		return nil, err
	}
	res, err := a.store.DB().ExecContext(ctx, `DELETE FROM pending_invites WHERE token = ?;`, call.Params["token"])
	if err != nil {
		return nil, fmt.Errorf("delete pending invite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, router.ErrNotFound
	}
	return nil, nil
}

// gcUserInvites runs before every read and write of the invite table so
// expired rows never surface even without a cleanup call in between.
func (a *Actor) gcUserInvites(ctx context.Context) error {
	if _, err := a.store.DB().ExecContext(ctx, `DELETE FROM pending_invites WHERE expires_at <= ?;`, store.FormatTime(a.nowUTC())); err != nil {
		return fmt.Errorf("gc pending invites: %w", err)
	}
	return nil
}
