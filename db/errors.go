package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mailtriage/mailtriage/consts"
)

// mapError translates pgx errors into the package's sentinel errors so that
// callers can use errors.Is without importing pgx.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return consts.ErrDBNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return consts.ErrDBUniqueViolation
	}
	return err
}
