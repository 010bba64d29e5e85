package db

import (
	"context"
	"time"
)

// ConsumeClassifierQuota atomically increments a user's classification count
// for the given day if it is still below the limit. Returns false without
// consuming anything once the limit is reached, so an over-quota check never
// burns a classifier call.
func (db *Database) ConsumeClassifierQuota(ctx context.Context, userID string, day time.Time, limit int) (bool, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO classifier_usage (user_id, day, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, day) DO UPDATE
		SET count = classifier_usage.count + 1
		WHERE classifier_usage.count < $3
	`, userID, day.UTC().Truncate(24*time.Hour), limit)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClassifierUsage returns the number of classifications consumed on a day.
func (db *Database) ClassifierUsage(ctx context.Context, userID string, day time.Time) (int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var count int
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT count FROM classifier_usage WHERE user_id = $1 AND day = $2), 0)
	`, userID, day.UTC().Truncate(24*time.Hour)).Scan(&count)
	return count, mapError(err)
}
