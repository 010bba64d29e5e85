package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mailtriage/mailtriage/consts"
)

// Rule is a user-authored automation rule (name, free-form instructions,
// and a list of actions applied when the rule matches). Stored as JSONB so
// action shapes can evolve without schema churn.
type Rule struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"userId"`
	Name         string          `json:"name"`
	Instructions string          `json:"instructions"`
	Actions      json.RawMessage `json:"actions"`
	Automate     bool            `json:"automate"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (db *Database) CreateRule(ctx context.Context, rule *Rule) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if len(rule.Actions) == 0 {
		rule.Actions = json.RawMessage("[]")
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO rules (id, user_id, name, instructions, actions, automate)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, rule.ID, rule.UserID, rule.Name, rule.Instructions, rule.Actions, rule.Automate).
		Scan(&rule.CreatedAt, &rule.UpdatedAt)
	return mapError(err)
}

func (db *Database) GetRule(ctx context.Context, userID string, id uuid.UUID) (*Rule, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var r Rule
	err := db.Pool.QueryRow(ctx, `
		SELECT id, user_id, name, instructions, actions, automate, created_at, updated_at
		FROM rules
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&r.ID, &r.UserID, &r.Name, &r.Instructions, &r.Actions, &r.Automate, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(mapError(err), consts.ErrDBNotFound) {
			return nil, consts.ErrRuleNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (db *Database) UpdateRule(ctx context.Context, rule *Rule) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE rules
		SET name = $3, instructions = $4, actions = $5, automate = $6, updated_at = now()
		WHERE id = $1 AND user_id = $2
	`, rule.ID, rule.UserID, rule.Name, rule.Instructions, rule.Actions, rule.Automate)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrRuleNotFound
	}
	return nil
}

func (db *Database) DeleteRule(ctx context.Context, userID string, id uuid.UUID) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM rules
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrRuleNotFound
	}
	return nil
}

func (db *Database) ListRules(ctx context.Context, userID string) ([]Rule, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, name, instructions, actions, automate, created_at, updated_at
		FROM rules
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &r.Instructions, &r.Actions, &r.Automate, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
