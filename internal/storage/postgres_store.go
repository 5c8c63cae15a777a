package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, o *models.Order) error {
	timeline, _ := json.Marshal(o.Timeline)
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders(
		id, status, driver_id, client_token, payment_method, amount_cents, currency,
		payment_intent, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		driver_confirmed, client_confirmed, finalized_at, cancelled_by, cancel_reason,
		created_at, updated_at, timeline)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		o.ID, o.Status, o.DriverID, o.ClientToken, o.PaymentMethod, o.AmountCents, o.Currency,
		o.PaymentIntent, o.Pickup.Lat, o.Pickup.Lng, o.Dropoff.Lat, o.Dropoff.Lng,
		o.DriverConfirmed, o.ClientConfirmed, o.FinalizedAt, string(o.CancelledBy), o.CancelReason,
		o.CreatedAt, o.UpdatedAt, timeline)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Order, error) {
	return p.scanOrder(p.db.QueryRowContext(ctx, selectOrder+` WHERE id=$1`, id))
}

// Update persists a non-transition mutation (confirmation flags, payment
// method, finalization). It runs under a row lock and refuses to overwrite a
// row whose status has moved or whose payment already finalized, so two
// instances racing on the same order resolve to one winner instead of a blind
// last-write overwrite.
func (p *PostgresStore) Update(ctx context.Context, o *models.Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := p.scanOrder(tx.QueryRowContext(ctx, selectOrder+` WHERE id=$1 FOR UPDATE`, o.ID))
	if err != nil {
		return err
	}
	if cur.Status != o.Status || cur.FinalizedAt != nil {
		return ErrConflict
	}
	timeline, _ := json.Marshal(o.Timeline)
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET
		status=$2, driver_id=$3, payment_method=$4, amount_cents=$5,
		payment_intent=$6, driver_confirmed=$7, client_confirmed=$8, finalized_at=$9,
		cancelled_by=$10, cancel_reason=$11, updated_at=$12, timeline=$13
		WHERE id=$1`,
		o.ID, o.Status, o.DriverID, o.PaymentMethod, o.AmountCents,
		o.PaymentIntent, o.DriverConfirmed, o.ClientConfirmed, o.FinalizedAt,
		string(o.CancelledBy), o.CancelReason, time.Now(), timeline); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateStatus performs the transition inside a transaction with a row lock so
// the read-validate-write is atomic even across server instances.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, apply func(*models.Order)) (*models.Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	o, err := p.scanOrder(tx.QueryRowContext(ctx, selectOrder+` WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if o.Status != from {
		return nil, ErrConflict
	}
	now := time.Now()
	o.Status = to
	o.UpdatedAt = now
	o.Timeline = append(o.Timeline, models.StatusChange{Status: to, At: now})
	if apply != nil {
		apply(o)
	}
	timeline, _ := json.Marshal(o.Timeline)
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET
		status=$2, driver_id=$3, payment_method=$4, amount_cents=$5,
		payment_intent=$6, driver_confirmed=$7, client_confirmed=$8, finalized_at=$9,
		cancelled_by=$10, cancel_reason=$11, updated_at=$12, timeline=$13
		WHERE id=$1`,
		o.ID, o.Status, o.DriverID, o.PaymentMethod, o.AmountCents,
		o.PaymentIntent, o.DriverConfirmed, o.ClientConfirmed, o.FinalizedAt,
		string(o.CancelledBy), o.CancelReason, now, timeline); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

const selectOrder = `SELECT id, status, driver_id, client_token, payment_method, amount_cents,
	currency, payment_intent, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	driver_confirmed, client_confirmed, finalized_at, cancelled_by, cancel_reason,
	created_at, updated_at, timeline FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var cancelledBy string
	var finalized sql.NullTime
	var timeline []byte
	err := row.Scan(&o.ID, &o.Status, &o.DriverID, &o.ClientToken, &o.PaymentMethod, &o.AmountCents,
		&o.Currency, &o.PaymentIntent, &o.Pickup.Lat, &o.Pickup.Lng, &o.Dropoff.Lat, &o.Dropoff.Lng,
		&o.DriverConfirmed, &o.ClientConfirmed, &finalized, &cancelledBy, &o.CancelReason,
		&o.CreatedAt, &o.UpdatedAt, &timeline)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.CancelledBy = models.Role(cancelledBy)
	if finalized.Valid {
		o.FinalizedAt = &finalized.Time
	}
	if len(timeline) > 0 {
		_ = json.Unmarshal(timeline, &o.Timeline)
	}
	return &o, nil
}
