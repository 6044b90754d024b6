package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"firmly-accounts/internal/actor"
	"firmly-accounts/internal/locator"
	"firmly-accounts/internal/metrics"
	"firmly-accounts/internal/router"
)

// Outcome is the terminal state of one cross-actor operation. There are
// exactly three: fully applied, fully rolled back (consistent), or partially
// applied with a logged inconsistency requiring out-of-band reconciliation.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeRolledBack   Outcome = "rolled_back"
	OutcomeInconsistent Outcome = "inconsistent"
)

// EntityRef addresses the merchant or destination actor that owns the
// authoritative team roster.
type EntityRef struct {
	Kind actor.Kind
	Key  string
}

// Member describes the user being granted, changed or revoked.
type Member struct {
	UserID    string
	UserEmail string
	Role      string
}

// Identity attributes the operation in the audit log. It is never used for
// authorization decisions at this layer.
type Identity struct {
	ID      string
	Email   string
	IsAdmin bool
}

// Orchestrator performs dual writes across two actors with best-effort
// compensation. The entity-side team table is written first because it is
// the authoritative roster; the user-side grant list is a read-optimized
// projection that may lag or require compensation, never the reverse.
type Orchestrator struct {
	caller  locator.Caller
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds an orchestrator on top of any Caller.
func New(caller locator.Caller, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		caller:  caller,
		logger:  logger.With("component", "saga"),
		metrics: m,
	}
}

// AddTeamMember grants m access to the entity and mirrors the grant on the
// user actor. On user-side failure the just-written roster row is reverted.
func (o *Orchestrator) AddTeamMember(ctx context.Context, entity EntityRef, m Member, by Identity) (Outcome, error) {
	prior, hadPrior, err := o.readMember(ctx, entity, m.UserID)
	if err != nil {
		return o.done("add_team_member", OutcomeRolledBack, fmt.Errorf("read roster: %w", err))
	}

	if _, err := o.call(ctx, entity.Kind, entity.Key, "POST", "/team", map[string]any{
		"user_id":    m.UserID,
		"user_email": m.UserEmail,
		"role":       m.Role,
		"granted_by": by.Email,
	}); err != nil {
		// Step 1 failed: nothing has changed.
		return o.done("add_team_member", OutcomeRolledBack, fmt.Errorf("team write: %w", err))
	}

	if err := o.writeGrant(ctx, entity, m); err != nil {
		outcome := o.compensateAdd(ctx, entity, m.UserID, prior, hadPrior)
		return o.done("add_team_member", outcome, fmt.Errorf("user grant write: %w", err))
	}

	o.appendAudit(ctx, entity, "team_member_added", m, by)
	return o.done("add_team_member", OutcomeApplied, nil)
}

// UpdateTeamMemberRole changes an existing member's role on both sides.
func (o *Orchestrator) UpdateTeamMemberRole(ctx context.Context, entity EntityRef, m Member, by Identity) (Outcome, error) {
	prior, hadPrior, err := o.readMember(ctx, entity, m.UserID)
	if err != nil {
		return o.done("update_team_member_role", OutcomeRolledBack, fmt.Errorf("read roster: %w", err))
	}
	if !hadPrior {
		return o.done("update_team_member_role", OutcomeRolledBack, fmt.Errorf("team member not found: %s", m.UserID))
	}
	if m.UserEmail == "" {
		m.UserEmail = prior.UserEmail
	}

	if _, err := o.call(ctx, entity.Kind, entity.Key, "PUT", "/team/"+url.PathEscape(m.UserID), map[string]any{
		"role": m.Role,
	}); err != nil {
		return o.done("update_team_member_role", OutcomeRolledBack, fmt.Errorf("team write: %w", err))
	}

	if err := o.writeGrant(ctx, entity, m); err != nil {
		outcome := OutcomeRolledBack
		if compErr := o.restoreRole(ctx, entity, m.UserID, prior.Role); compErr != nil {
			o.logInconsistent(entity, m.UserID, compErr)
			outcome = OutcomeInconsistent
		}
		return o.done("update_team_member_role", outcome, fmt.Errorf("user grant write: %w", err))
	}

	o.appendAudit(ctx, entity, "team_member_role_changed", m, by)
	return o.done("update_team_member_role", OutcomeApplied, nil)
}

// RemoveTeamMember revokes access on the entity roster and then removes the
// user-side grant. On user-side failure the roster row is re-inserted from
// its previously-known email and role.
func (o *Orchestrator) RemoveTeamMember(ctx context.Context, entity EntityRef, userID string, by Identity) (Outcome, error) {
	prior, hadPrior, err := o.readMember(ctx, entity, userID)
	if err != nil {
		return o.done("remove_team_member", OutcomeRolledBack, fmt.Errorf("read roster: %w", err))
	}
	if !hadPrior {
		return o.done("remove_team_member", OutcomeRolledBack, fmt.Errorf("team member not found: %s", userID))
	}

	if _, err := o.call(ctx, entity.Kind, entity.Key, "DELETE", "/team/"+url.PathEscape(userID), nil); err != nil {
		return o.done("remove_team_member", OutcomeRolledBack, fmt.Errorf("team write: %w", err))
	}

	if err := o.revokeGrant(ctx, entity, userID); err != nil {
		outcome := OutcomeRolledBack
		if compErr := o.reinsertMember(ctx, entity, prior); compErr != nil {
			o.logInconsistent(entity, userID, compErr)
			outcome = OutcomeInconsistent
		}
		return o.done("remove_team_member", outcome, fmt.Errorf("user grant revoke: %w", err))
	}

	o.appendAudit(ctx, entity, "team_member_removed", Member{UserID: userID, UserEmail: prior.UserEmail, Role: prior.Role}, by)
	return o.done("remove_team_member", OutcomeApplied, nil)
}

// ResetEntity wipes the entity actor and then best-effort revokes the
// corresponding grant on every affected user actor.
func (o *Orchestrator) ResetEntity(ctx context.Context, entity EntityRef) (actor.ResetResult, error) {
	body, err := o.call(ctx, entity.Kind, entity.Key, "POST", "/reset", nil)
	if err != nil {
		return actor.ResetResult{}, fmt.Errorf("reset entity: %w", err)
	}
	var result actor.ResetResult
	if err := json.Unmarshal(body, &result); err != nil {
		return actor.ResetResult{}, fmt.Errorf("decode reset result: %w", err)
	}

	for _, member := range result.Team {
		if err := o.revokeGrant(ctx, entity, member.UserID); err != nil {
			o.logger.Warn("reset revocation failed; user grant may be stale",
				"entity_kind", string(entity.Kind), "entity_key", entity.Key,
				"user_id", member.UserID, "error", err)
		}
	}
	return result, nil
}

// -- user-side grant projection --

func (o *Orchestrator) writeGrant(ctx context.Context, entity EntityRef, m Member) error {
	var path string
	var body map[string]any
	switch entity.Kind {
	case actor.KindMerchant:
		path = "/merchant-access"
		body = map[string]any{"merchant_domain": entity.Key, "role": m.Role}
	case actor.KindDestination:
		path = "/destination-access"
		body = map[string]any{"destination_id": entity.Key, "access_level": m.Role}
	default:
		return fmt.Errorf("unsupported entity kind %q", entity.Kind)
	}
	_, err := o.call(ctx, actor.KindUser, m.UserID, "POST", path, body)
	return err
}

func (o *Orchestrator) revokeGrant(ctx context.Context, entity EntityRef, userID string) error {
	var path string
	switch entity.Kind {
	case actor.KindMerchant:
		path = "/merchant-access/" + url.PathEscape(entity.Key)
	case actor.KindDestination:
		path = "/destination-access/" + url.PathEscape(entity.Key)
	default:
		return fmt.Errorf("unsupported entity kind %q", entity.Kind)
	}
	_, err := o.call(ctx, actor.KindUser, userID, "DELETE", path, nil)
	if err != nil {
		// A grant that was never mirrored is fine to "revoke".
		var cerr *callError
		if errors.As(err, &cerr) && cerr.status == 404 {
			return nil
		}
	}
	return err
}

// -- compensation --

func (o *Orchestrator) compensateAdd(ctx context.Context, entity EntityRef, userID string, prior actor.TeamMember, hadPrior bool) Outcome {
	var compErr error
	if hadPrior {
		compErr = o.reinsertMember(ctx, entity, prior)
	} else {
		_, compErr = o.call(ctx, entity.Kind, entity.Key, "DELETE", "/team/"+url.PathEscape(userID), nil)
	}
	if compErr != nil {
		o.logInconsistent(entity, userID, compErr)
		return OutcomeInconsistent
	}
	return OutcomeRolledBack
}

func (o *Orchestrator) restoreRole(ctx context.Context, entity EntityRef, userID, role string) error {
	_, err := o.call(ctx, entity.Kind, entity.Key, "PUT", "/team/"+url.PathEscape(userID), map[string]any{"role": role})
	return err
}

func (o *Orchestrator) reinsertMember(ctx context.Context, entity EntityRef, prior actor.TeamMember) error {
	_, err := o.call(ctx, entity.Kind, entity.Key, "POST", "/team", map[string]any{
		"user_id":    prior.UserID,
		"user_email": prior.UserEmail,
		"role":       prior.Role,
		"granted_by": prior.GrantedBy,
	})
	return err
}

// logInconsistent records the one terminal state that needs a human: the
// primary write failed and the compensating write failed too. Compensation
// is attempted exactly once; it is never retried and never panics.
func (o *Orchestrator) logInconsistent(entity EntityRef, userID string, compErr error) {
	o.logger.Error("inconsistent state: compensation failed, manual reconciliation required",
		"entity_kind", string(entity.Kind), "entity_key", entity.Key,
		"user_id", userID, "error", compErr)
}

// -- audit (fire-and-forget, outside the consistency guarantee) --

func (o *Orchestrator) appendAudit(ctx context.Context, entity EntityRef, eventType string, m Member, by Identity) {
	_, err := o.call(ctx, entity.Kind, entity.Key, "POST", "/audit-logs", map[string]any{
		"event_type":      eventType,
		"actor_id":        by.ID,
		"actor_email":     by.Email,
		"target_id":       m.UserID,
		"target_email":    m.UserEmail,
		"details":         map[string]any{"role": m.Role},
		"is_firmly_admin": by.IsAdmin,
	})
	if err != nil {
		o.logger.Warn("audit append failed", "entity_key", entity.Key, "event", eventType, "error", err)
	}
}

// -- plumbing --

func (o *Orchestrator) readMember(ctx context.Context, entity EntityRef, userID string) (actor.TeamMember, bool, error) {
	body, err := o.call(ctx, entity.Kind, entity.Key, "GET", "/team", nil)
	if err != nil {
		return actor.TeamMember{}, false, err
	}
	var members []actor.TeamMember
	if err := json.Unmarshal(body, &members); err != nil {
		return actor.TeamMember{}, false, fmt.Errorf("decode roster: %w", err)
	}
	for _, m := range members {
		if m.UserID == userID {
			return m, true, nil
		}
	}
	return actor.TeamMember{}, false, nil
}

type callError struct {
	status  int
	message string
}

func (e *callError) Error() string {
	return fmt.Sprintf("actor call failed (%d): %s", e.status, e.message)
}

func (o *Orchestrator) call(ctx context.Context, kind actor.Kind, key, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = data
	}

	resp, err := o.caller.Call(ctx, kind, key, router.Request{
		Method: method,
		Path:   path,
		Query:  url.Values{},
		Body:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("call %s %s on %s/%s: %w", method, path, kind, key, err)
	}
	if resp.Status >= 400 {
		return nil, &callError{status: resp.Status, message: errorMessage(resp.Body)}
	}
	return resp.Body, nil
}

func errorMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(body)
}

func (o *Orchestrator) done(operation string, outcome Outcome, err error) (Outcome, error) {
	if o.metrics != nil {
		o.metrics.SagaOperations.WithLabelValues(operation, string(outcome)).Inc()
	}
	return outcome, err
}
