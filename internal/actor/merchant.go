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

// Agreement is signed at most once per merchant; the first signer wins.
type Agreement struct {
	SignedByUserID   string    `json:"signed_by_user_id"`
	SignedByEmail    string    `json:"signed_by_email"`
	AgreementVersion string    `json:"agreement_version,omitempty"`
	SignedAt         time.Time `json:"signed_at"`
}

// OnboardingStatus is one keyed completion flag with attribution.
type OnboardingStatus struct {
	Key               string     `json:"key"`
	Completed         bool       `json:"completed"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CompletedByUserID string     `json:"completed_by_user_id,omitempty"`
	CompletedByEmail  string     `json:"completed_by_email,omitempty"`
}

// CatalogConfig is the singleton catalog selection for the merchant.
type CatalogConfig struct {
	CatalogType   string    `json:"catalog_type"`
	SavedByUserID string    `json:"saved_by_user_id,omitempty"`
	SavedByEmail  string    `json:"saved_by_email,omitempty"`
	SavedAt       time.Time `json:"saved_at"`
}

// IntegrationStep tracks one step of the merchant's integration, unique per
// (step_id, substep_id).
type IntegrationStep struct {
	ID          string     `json:"id"`
	StepID      string     `json:"step_id"`
	SubstepID   string     `json:"substep_id,omitempty"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	Source      string     `json:"source,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in-progress"
	StepStatusCompleted  = "completed"
)

func validStepStatus(status string) bool {
	switch status {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted:
		return true
	}
	return false
}

func (a *Actor) merchantRoutes() []router.Route {
	routes := []router.Route{
		{Method: "GET", Pattern: "/agreement", Handler: a.handleGetAgreement},
		{Method: "POST", Pattern: "/agreement", Handler: a.handleSignAgreement, NeedsBody: true},
		{Method: "GET", Pattern: "/onboarding", Handler: a.handleGetOnboarding},
		{Method: "PUT", Pattern: "/onboarding", Handler: a.handleSetOnboarding, NeedsBody: true},
		{Method: "GET", Pattern: "/onboarding-status-all", Handler: a.handleListOnboarding},
		{Method: "GET", Pattern: "/catalog-config", Handler: a.handleGetCatalogConfig},
		{Method: "POST", Pattern: "/catalog-config", Handler: a.handleSaveCatalogConfig, NeedsBody: true},
		{Method: "GET", Pattern: "/integration-steps", Handler: a.handleListIntegrationSteps},
		// Literal bulk path before any parameterized sibling would matter;
		// declared first to keep the precedence explicit.
		{Method: "PUT", Pattern: "/integration-steps/bulk", Handler: a.handleBulkIntegrationSteps, NeedsBody: true},
		{Method: "PUT", Pattern: "/integration-steps", Handler: a.handleUpsertIntegrationStep, NeedsBody: true},
	}
	return append(routes, a.mixinRoutes()...)
}

// -- Agreement --

type signAgreementRequest struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	AgreementVersion string `json:"agreement_version"`
}

func (a *Actor) handleGetAgreement(ctx context.Context, call router.Call) (any, error) {
	agreement, err := a.loadAgreement(ctx)
	if err != nil {
		return nil, err
	}
	return agreement, nil
}

// handleSignAgreement enforces first-signer-wins in the handler rather than
// the schema: a second attempt conflicts and carries the existing row.
func (a *Actor) handleSignAgreement(ctx context.Context, call router.Call) (any, error) {
	var req signAgreementRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, &router.ValidationError{Message: "user_id is required"}
	}

	existing, err := a.loadAgreement(ctx)
	if err == nil {
		return nil, &router.ConflictError{Message: "agreement already signed", Current: existing}
	}
	if err != router.ErrNotFound {
		return nil, err
	}

	agreement := Agreement{
		SignedByUserID:   req.UserID,
		SignedByEmail:    req.Email,
		AgreementVersion: req.AgreementVersion,
		SignedAt:         a.nowUTC(),
	}
	const q = `
INSERT INTO agreement (id, signed_by_user_id, signed_by_email, agreement_version, signed_at)
VALUES (1, ?, ?, ?, ?);
`
	if _, err := a.store.DB().ExecContext(ctx, q, agreement.SignedByUserID, agreement.SignedByEmail, agreement.AgreementVersion, store.FormatTime(agreement.SignedAt)); err != nil {
		return nil, fmt.Errorf("sign agreement: %w", err)
	}
	return agreement, nil
}

func (a *Actor) loadAgreement(ctx context.Context) (Agreement, error) {
	const q = `SELECT signed_by_user_id, signed_by_email, agreement_version, signed_at FROM agreement WHERE id = 1 LIMIT 1;`
	var ag Agreement
	var signed string
	err := a.store.DB().QueryRowContext(ctx, q).Scan(&ag.SignedByUserID, &ag.SignedByEmail, &ag.AgreementVersion, &signed)
	if err != nil {
		if err == sql.ErrNoRows {
			return Agreement{}, router.ErrNotFound
		}
		return Agreement{}, fmt.Errorf("load agreement: %w", err)
	}
	ag.SignedAt = store.ParseTime(signed)
	return ag, nil
}

// -- Onboarding --

type setOnboardingRequest struct {
	Key       string `json:"key"`
	Completed bool   `json:"completed"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
}

func (a *Actor) handleGetOnboarding(ctx context.Context, call router.Call) (any, error) {
	key := call.Query.Get("key")
	if key == "" {
		return nil, &router.ValidationError{Message: "key query parameter is required"}
	}
	status, err := a.loadOnboardingStatus(ctx, key)
	if err == router.ErrNotFound {
		// A key that was never set reads as not completed.
		return OnboardingStatus{Key: key, Completed: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

// handleSetOnboarding upserts idempotently; setting completed=false keeps
// the row but clears the completion metadata.
func (a *Actor) handleSetOnboarding(ctx context.Context, call router.Call) (any, error) {
	var req setOnboardingRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.Key == "" {
		return nil, &router.ValidationError{Message: "key is required"}
	}

	status := OnboardingStatus{Key: req.Key, Completed: req.Completed}
	var completedAt any
	var byUser, byEmail any
	if req.Completed {
		now := a.nowUTC()
		status.CompletedAt = &now
		status.CompletedByUserID = req.UserID
		status.CompletedByEmail = req.Email
		completedAt = store.FormatTime(now)
		byUser = nullable(req.UserID)
		byEmail = nullable(req.Email)
	}

	const q = `
INSERT INTO onboarding_status (status_key, completed, completed_at, completed_by_user_id, completed_by_email)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (status_key) DO UPDATE SET
    completed = excluded.completed,
    completed_at = excluded.completed_at,
    completed_by_user_id = excluded.completed_by_user_id,
    completed_by_email = excluded.completed_by_email;
`
	if _, err := a.store.DB().ExecContext(ctx, q, req.Key, boolToInt(req.Completed), completedAt, byUser, byEmail); err != nil {
		return nil, fmt.Errorf("set onboarding status: %w", err)
	}
	return status, nil
}

func (a *Actor) handleListOnboarding(ctx context.Context, call router.Call) (any, error) {
	const q = `SELECT status_key, completed, completed_at, completed_by_user_id, completed_by_email FROM onboarding_status ORDER BY status_key ASC;`
	rows, err := a.store.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list onboarding: %w", err)
	}
	defer rows.Close()

	statuses := []OnboardingStatus{}
	for rows.Next() {
		status, err := scanOnboardingStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate onboarding: %w", err)
	}
	return statuses, nil
}

func (a *Actor) loadOnboardingStatus(ctx context.Context, key string) (OnboardingStatus, error) {
	const q = `SELECT status_key, completed, completed_at, completed_by_user_id, completed_by_email FROM onboarding_status WHERE status_key = ? LIMIT 1;`
	row := a.store.DB().QueryRowContext(ctx, q, key)
	status, err := scanOnboardingStatus(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return OnboardingStatus{}, router.ErrNotFound
		}
		return OnboardingStatus{}, err
	}
	return status, nil
}

func scanOnboardingStatus(row rowScanner) (OnboardingStatus, error) {
	var status OnboardingStatus
	var completed int
	var completedAt, byUser, byEmail sql.NullString
	if err := row.Scan(&status.Key, &completed, &completedAt, &byUser, &byEmail); err != nil {
		if err == sql.ErrNoRows {
			return OnboardingStatus{}, err
		}
		return OnboardingStatus{}, fmt.Errorf("scan onboarding status: %w", err)
	}
	status.Completed = completed != 0
	if completedAt.Valid && completedAt.String != "" {
		t := store.ParseTime(completedAt.String)
		status.CompletedAt = &t
	}
	status.CompletedByUserID = byUser.String
	status.CompletedByEmail = byEmail.String
	return status, nil
}

// -- Catalog config --

type saveCatalogConfigRequest struct {
	CatalogType string `json:"catalog_type"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
}

func (a *Actor) handleGetCatalogConfig(ctx context.Context, call router.Call) (any, error) {
	cfg, err := a.loadCatalogConfig(ctx)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// handleSaveCatalogConfig distinguishes the first save from later
// overwrites so callers can advance onboarding progress on the first one.
func (a *Actor) handleSaveCatalogConfig(ctx context.Context, call router.Call) (any, error) {
	var req saveCatalogConfigRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.CatalogType == "" {
		return nil, &router.ValidationError{Message: "catalog_type is required"}
	}

	_, err := a.loadCatalogConfig(ctx)
	firstTime := err == router.ErrNotFound
	if err != nil && err != router.ErrNotFound {
		return nil, err
	}

	cfg := CatalogConfig{
		CatalogType:   req.CatalogType,
		SavedByUserID: req.UserID,
		SavedByEmail:  req.Email,
		SavedAt:       a.nowUTC(),
	}
	const q = `
INSERT INTO catalog_config (id, catalog_type, saved_by_user_id, saved_by_email, saved_at)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    catalog_type = excluded.catalog_type,
    saved_by_user_id = excluded.saved_by_user_id,
    saved_by_email = excluded.saved_by_email,
    saved_at = excluded.saved_at;
`
	if _, err := a.store.DB().ExecContext(ctx, q, cfg.CatalogType, cfg.SavedByUserID, cfg.SavedByEmail, store.FormatTime(cfg.SavedAt)); err != nil {
		return nil, fmt.Errorf("save catalog config: %w", err)
	}

	return map[string]any{
		"config":          cfg,
		"first_time_save": firstTime,
	}, nil
}

func (a *Actor) loadCatalogConfig(ctx context.Context) (CatalogConfig, error) {
	const q = `SELECT catalog_type, saved_by_user_id, saved_by_email, saved_at FROM catalog_config WHERE id = 1 LIMIT 1;`
	var cfg CatalogConfig
	var saved string
	err := a.store.DB().QueryRowContext(ctx, q).Scan(&cfg.CatalogType, &cfg.SavedByUserID, &cfg.SavedByEmail, &saved)
	if err != nil {
		if err == sql.ErrNoRows {
			return CatalogConfig{}, router.ErrNotFound
		}
		return CatalogConfig{}, fmt.Errorf("load catalog config: %w", err)
	}
	cfg.SavedAt = store.ParseTime(saved)
	return cfg, nil
}

// -- Integration steps --

type integrationStepRequest struct {
	StepID      string `json:"step_id"`
	SubstepID   string `json:"substep_id"`
	Status      string `json:"status"`
	CompletedBy string `json:"completed_by"`
	Source      string `json:"source"`
}

func (a *Actor) handleListIntegrationSteps(ctx context.Context, call router.Call) (any, error) {
	const q = `
SELECT id, step_id, substep_id, status, completed_at, completed_by, source, updated_at
FROM integration_steps
ORDER BY step_id ASC, substep_id ASC;
`
	rows, err := a.store.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list integration steps: %w", err)
	}
	defer rows.Close()

	steps := []IntegrationStep{}
	for rows.Next() {
		var s IntegrationStep
		var completedAt, completedBy sql.NullString
		var updated string
		if err := rows.Scan(&s.ID, &s.StepID, &s.SubstepID, &s.Status, &completedAt, &completedBy, &s.Source, &updated); err != nil {
			return nil, fmt.Errorf("scan integration step: %w", err)
		}
		if completedAt.Valid && completedAt.String != "" {
			t := store.ParseTime(completedAt.String)
			s.CompletedAt = &t
		}
		s.CompletedBy = completedBy.String
		s.UpdatedAt = store.ParseTime(updated)
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate integration steps: %w", err)
	}
	return steps, nil
}

func (a *Actor) handleUpsertIntegrationStep(ctx context.Context, call router.Call) (any, error) {
	var req integrationStepRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}
	if req.StepID == "" {
		return nil, &router.ValidationError{Message: "step_id is required"}
	}
	if !validStepStatus(req.Status) {
		return nil, &router.ValidationError{Message: fmt.Sprintf("invalid status %q", req.Status)}
	}

	var step IntegrationStep
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		var upsertErr error
		step, upsertErr = a.upsertStepTx(ctx, tx, req)
		return upsertErr
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

type bulkStepsRequest struct {
	Items  []integrationStepRequest `json:"items"`
	Source string                   `json:"source"`
}

// handleBulkIntegrationSteps applies the batch in a single transaction.
// Items with an invalid status are skipped and excluded from the applied
// count; they do not abort the rest of the batch.
func (a *Actor) handleBulkIntegrationSteps(ctx context.Context, call router.Call) (any, error) {
	var req bulkStepsRequest
	if err := a.bind(call, &req); err != nil {
		return nil, err
	}

	applied, skipped := 0, 0
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range req.Items {
			if item.Source == "" {
				item.Source = req.Source
			}
			if item.StepID == "" || !validStepStatus(item.Status) {
				skipped++
				continue
			}
			if _, err := a.upsertStepTx(ctx, tx, item); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"applied": applied, "skipped": skipped}, nil
}

// upsertStepTx stamps completion metadata when a step becomes completed and
// clears it when the step moves away from completed.
func (a *Actor) upsertStepTx(ctx context.Context, tx *sql.Tx, req integrationStepRequest) (IntegrationStep, error) {
	now := a.nowUTC()
	step := IntegrationStep{
		ID:        uuid.NewString(),
		StepID:    req.StepID,
		SubstepID: req.SubstepID,
		Status:    req.Status,
		Source:    req.Source,
		UpdatedAt: now,
	}
	var completedAt, completedBy any
	if req.Status == StepStatusCompleted {
		step.CompletedAt = &now
		step.CompletedBy = req.CompletedBy
		completedAt = store.FormatTime(now)
		completedBy = nullable(req.CompletedBy)
	}

	// RETURNING reports the persisted id: the fresh one on insert, the
	// original one when the conflict update keeps the existing row.
	const q = `
INSERT INTO integration_steps (id, step_id, substep_id, status, completed_at, completed_by, source, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (step_id, substep_id) DO UPDATE SET
    status = excluded.status,
    completed_at = excluded.completed_at,
    completed_by = excluded.completed_by,
    source = excluded.source,
    updated_at = excluded.updated_at
RETURNING id;
`
	err := tx.QueryRowContext(ctx, q,
		step.ID, step.StepID, step.SubstepID, step.Status,
		completedAt, completedBy, step.Source, store.FormatTime(step.UpdatedAt),
	).Scan(&step.ID)
	if err != nil {
		return IntegrationStep{}, fmt.Errorf("upsert integration step: %w", err)
	}
	return step, nil
}
