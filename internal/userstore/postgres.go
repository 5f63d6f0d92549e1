package userstore

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/blitzgrid/blitz/errs"
	"github.com/blitzgrid/blitz/internal/schema"
)

// PostgresStore persists users in the users table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore backed by the provided pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const userColumns = `
    id,
    email,
    role,
    api_token,
    api_key,
    api_secret,
    testnet,
    venue,
    symbol,
    side,
    leverage,
    legs,
    take_profit_pct::text,
    active,
    created_at,
    updated_at`

const (
	userByTokenSQL = `
SELECT` + userColumns + `
FROM users
WHERE api_token = $1;
`

	userByIDSQL = `
SELECT` + userColumns + `
FROM users
WHERE id = $1;
`

	usersActiveSQL = `
SELECT` + userColumns + `
FROM users
WHERE active = TRUE
ORDER BY id;
`

	userSetActiveSQL = `
UPDATE users
SET active = $2,
    updated_at = NOW()
WHERE id = $1;
`

	userUpsertSQL = `
INSERT INTO users (
    email,
    role,
    api_token,
    api_key,
    api_secret,
    testnet,
    venue,
    symbol,
    side,
    leverage,
    legs,
    take_profit_pct,
    active
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11::jsonb, '[]'::jsonb), $12::numeric, $13)
ON CONFLICT (email) DO UPDATE SET
    role = EXCLUDED.role,
    api_token = EXCLUDED.api_token,
    api_key = EXCLUDED.api_key,
    api_secret = EXCLUDED.api_secret,
    testnet = EXCLUDED.testnet,
    venue = EXCLUDED.venue,
    symbol = EXCLUDED.symbol,
    side = EXCLUDED.side,
    leverage = EXCLUDED.leverage,
    legs = EXCLUDED.legs,
    take_profit_pct = EXCLUDED.take_profit_pct,
    active = EXCLUDED.active,
    updated_at = NOW()
RETURNING` + userColumns + `;
`
)

type legRecord struct {
	PricePct string `json:"price_pct"`
	Quantity string `json:"quantity"`
}

func encodeLegs(legs []schema.LadderLeg) ([]byte, error) {
	records := make([]legRecord, 0, len(legs))
	for _, leg := range legs {
		records = append(records, legRecord{
			PricePct: leg.PricePct.String(),
			Quantity: leg.Quantity.String(),
		})
	}
	return json.Marshal(records)
}

func decodeLegs(raw []byte) ([]schema.LadderLeg, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []legRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	legs := make([]schema.LadderLeg, 0, len(records))
	for _, r := range records {
		pricePct, err := decimal.NewFromString(r.PricePct)
		if err != nil {
			return nil, fmt.Errorf("leg price_pct %q: %w", r.PricePct, err)
		}
		quantity, err := decimal.NewFromString(r.Quantity)
		if err != nil {
			return nil, fmt.Errorf("leg quantity %q: %w", r.Quantity, err)
		}
		legs = append(legs, schema.LadderLeg{PricePct: pricePct, Quantity: quantity})
	}
	return legs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u             User
		role          string
		venue         string
		side          string
		legsJSON      []byte
		takeProfitPct string
	)
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&role,
		&u.APIToken,
		&u.Credentials.APIKey,
		&u.Credentials.APISecret,
		&u.Credentials.Testnet,
		&venue,
		&u.Settings.Symbol,
		&side,
		&u.Settings.Leverage,
		&legsJSON,
		&takeProfitPct,
		&u.Active,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return User{}, err
	}

	u.Role = schema.RoleFromString(role)
	u.Settings.Venue = schema.VenueFromString(venue)
	u.Settings.Side = schema.OrderSide(side)

	legs, err := decodeLegs(legsJSON)
	if err != nil {
		return User{}, fmt.Errorf("user store: decode legs: %w", err)
	}
	u.Settings.Legs = legs

	tp, err := decimal.NewFromString(takeProfitPct)
	if err != nil {
		return User{}, fmt.Errorf("user store: take_profit_pct %q: %w", takeProfitPct, err)
	}
	u.Settings.TakeProfitPct = tp
	return u, nil
}

func (s *PostgresStore) GetByToken(ctx context.Context, token string) (User, error) {
	if s.pool == nil {
		return User{}, fmt.Errorf("user store: nil pool")
	}
	u, err := scanUser(s.pool.QueryRow(ctx, userByTokenSQL, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, errs.New(errs.CodeAuth, errs.WithMessage("unknown api token"))
	}
	if err != nil {
		return User{}, fmt.Errorf("user store: get by token: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id int64) (User, error) {
	if s.pool == nil {
		return User{}, fmt.Errorf("user store: nil pool")
	}
	u, err := scanUser(s.pool.QueryRow(ctx, userByIDSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, errs.New(errs.CodeNotFound, errs.WithMessage("user not found"))
	}
	if err != nil {
		return User{}, fmt.Errorf("user store: get by id: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]User, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("user store: nil pool")
	}
	rows, err := s.pool.Query(ctx, usersActiveSQL)
	if err != nil {
		return nil, fmt.Errorf("user store: list active: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("user store: scan active: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user store: iterate active: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id int64, active bool) error {
	if s.pool == nil {
		return fmt.Errorf("user store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, userSetActiveSQL, id, active)
	if err != nil {
		return fmt.Errorf("user store: set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.CodeNotFound, errs.WithMessage("user not found"))
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, user User) (User, error) {
	if s.pool == nil {
		return User{}, fmt.Errorf("user store: nil pool")
	}
	legs, err := encodeLegs(user.Settings.Legs)
	if err != nil {
		return User{}, fmt.Errorf("user store: encode legs: %w", err)
	}
	row := s.pool.QueryRow(ctx, userUpsertSQL,
		user.Email,
		string(user.Role),
		user.APIToken,
		user.Credentials.APIKey,
		user.Credentials.APISecret,
		user.Credentials.Testnet,
		string(user.Settings.Venue),
		user.Settings.Symbol,
		string(user.Settings.Side),
		user.Settings.Leverage,
		legs,
		user.Settings.TakeProfitPct.String(),
		user.Active,
	)
	stored, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("user store: upsert: %w", err)
	}
	return stored, nil
}

var _ Store = (*PostgresStore)(nil)
