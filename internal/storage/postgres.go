package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/booth-dispatch/internal/models"
)

// Postgres backs the stores with guarded UPDATE statements. A guard is the
// WHERE clause of a single statement, so predicate and patch apply atomically;
// RowsAffected()==0 is the guard-miss verdict.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Requests() RequestStore { return &pgRequests{db: p.db} }
func (p *Postgres) Riders() RiderStore     { return &pgRiders{db: p.db} }
func (p *Postgres) Booths() BoothStore     { return &pgBooths{db: p.db} }
func (p *Postgres) Logs() LogStore         { return &pgLogs{db: p.db} }

type pgRequests struct{ db *sql.DB }

func (s *pgRequests) Create(ctx context.Context, r *models.RideRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ride_requests(
			request_id, booth_id, destination_id,
			source_lat, source_lon, dest_lat, dest_lon,
			status, created_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.RequestID, r.BoothID, r.DestinationID,
		r.Source.Lat, r.Source.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.Status), r.CreatedAt)
	return err
}

const requestColumns = `
	request_id, booth_id, destination_id,
	source_lat, source_lon, dest_lat, dest_lon,
	status, assigned_rider, current_offer_rider, offer_expires_at,
	created_at, accepted_at, picked_up_at, completed_at, cancelled_at`

func (s *pgRequests) Get(ctx context.Context, requestID string) (*models.RideRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM ride_requests WHERE request_id=$1`, requestID)
	r, err := scanRequest(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadAttempts(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *pgRequests) BeginOffer(ctx context.Context, requestID, riderID string, expiresAt time.Time) (*models.RideRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ride_requests
		SET status='offering', current_offer_rider=$2, offer_expires_at=$3
		WHERE request_id=$1 AND status='pending'`,
		requestID, riderID, expiresAt)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, guardOrNotFound(ctx, s.db, requestID)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO offer_attempts(request_id, rider_id, offered_at)
		VALUES($1,$2,$3)`, requestID, riderID, time.Now()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, requestID)
}

func (s *pgRequests) AcceptOffer(ctx context.Context, requestID, riderID string, now time.Time) (*models.RideRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ride_requests
		SET status='accepted', assigned_rider=$2, accepted_at=$3,
		    current_offer_rider=NULL, offer_expires_at=NULL
		WHERE request_id=$1 AND status='offering'
		  AND current_offer_rider=$2 AND offer_expires_at > $3`,
		requestID, riderID, now)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, guardOrNotFound(ctx, s.db, requestID)
	}
	if err := closeOpenAttempt(ctx, tx, requestID, riderID, models.ResponseAccepted); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, requestID)
}

func (s *pgRequests) ReleaseOffer(ctx context.Context, requestID, riderID, response string) (*models.RideRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ride_requests
		SET status='pending', current_offer_rider=NULL, offer_expires_at=NULL
		WHERE request_id=$1 AND status='offering' AND current_offer_rider=$2`,
		requestID, riderID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, guardOrNotFound(ctx, s.db, requestID)
	}
	if err := closeOpenAttempt(ctx, tx, requestID, riderID, response); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, requestID)
}

func (s *pgRequests) Cancel(ctx context.Context, requestID string) (*models.RideRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ride_requests
		SET status='cancelled', cancelled_at=$2,
		    current_offer_rider=NULL, offer_expires_at=NULL
		WHERE request_id=$1 AND status IN ('pending','offering')`,
		requestID, time.Now())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, guardOrNotFound(ctx, s.db, requestID)
	}
	// leave no attempt open on a terminal request
	if _, err := tx.ExecContext(ctx, `
		UPDATE offer_attempts SET response='expired', responded_at=$2
		WHERE request_id=$1 AND response IS NULL`, requestID, time.Now()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, requestID)
}

func (s *pgRequests) MarkPickedUp(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ride_requests SET status='picked_up', picked_up_at=$3
		WHERE request_id=$1 AND status='accepted' AND assigned_rider=$2`,
		requestID, riderID, time.Now())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, guardOrNotFound(ctx, s.db, requestID)
	}
	return s.Get(ctx, requestID)
}

func (s *pgRequests) MarkCompleted(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ride_requests SET status='completed', completed_at=$3
		WHERE request_id=$1 AND status='picked_up' AND assigned_rider=$2`,
		requestID, riderID, time.Now())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, guardOrNotFound(ctx, s.db, requestID)
	}
	return s.Get(ctx, requestID)
}

func (s *pgRequests) ExpiredOffers(ctx context.Context, now time.Time) ([]*models.RideRequest, error) {
	return s.list(ctx, `
		SELECT `+requestColumns+` FROM ride_requests
		WHERE status='offering' AND offer_expires_at <= $1`, now)
}

func (s *pgRequests) StaleRequests(ctx context.Context, cutoff time.Time) ([]*models.RideRequest, error) {
	return s.list(ctx, `
		SELECT `+requestColumns+` FROM ride_requests
		WHERE status IN ('pending','offering') AND created_at <= $1`, cutoff)
}

func (s *pgRequests) LatestForBooth(ctx context.Context, boothID string) (*models.RideRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM ride_requests
		WHERE booth_id=$1 ORDER BY created_at DESC LIMIT 1`, boothID)
	return scanRequest(row)
}

func (s *pgRequests) list(ctx context.Context, query string, args ...any) ([]*models.RideRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func closeOpenAttempt(ctx context.Context, ex execer, requestID, riderID, response string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE offer_attempts SET response=$3, responded_at=$4
		WHERE request_id=$1 AND rider_id=$2 AND response IS NULL`,
		requestID, riderID, response, time.Now())
	return err
}

func (s *pgRequests) loadAttempts(ctx context.Context, r *models.RideRequest) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rider_id, offered_at, response, responded_at
		FROM offer_attempts WHERE request_id=$1 ORDER BY offered_at, id`, r.RequestID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a models.OfferAttempt
		var resp sql.NullString
		var respondedAt sql.NullTime
		if err := rows.Scan(&a.RiderID, &a.OfferedAt, &resp, &respondedAt); err != nil {
			return err
		}
		a.Response = resp.String
		if respondedAt.Valid {
			t := respondedAt.Time
			a.RespondedAt = &t
		}
		r.OfferAttempts = append(r.OfferAttempts, a)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var status string
	var assigned, current sql.NullString
	var offerExp, acceptedAt, pickedUpAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&r.RequestID, &r.BoothID, &r.DestinationID,
		&r.Source.Lat, &r.Source.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&status, &assigned, &current, &offerExp,
		&r.CreatedAt, &acceptedAt, &pickedUpAt, &completedAt, &cancelledAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RequestStatus(status)
	r.AssignedRider = assigned.String
	r.CurrentOfferRider = current.String
	r.OfferExpiresAt = nullTimePtr(offerExp)
	r.AcceptedAt = nullTimePtr(acceptedAt)
	r.PickedUpAt = nullTimePtr(pickedUpAt)
	r.CompletedAt = nullTimePtr(completedAt)
	r.CancelledAt = nullTimePtr(cancelledAt)
	return &r, nil
}

func guardOrNotFound(ctx context.Context, db *sql.DB, requestID string) error {
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM ride_requests WHERE request_id=$1`, requestID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrGuardFailed
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

type pgRiders struct{ db *sql.DB }

func (s *pgRiders) Get(ctx context.Context, riderID string) (*models.Rider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT rider_id, name, phone, lat, lon, status,
		       points_balance, accepted_rides, completed_rides, rejected_offers,
		       last_seen, banned
		FROM riders WHERE rider_id=$1`, riderID)
	var r models.Rider
	var status string
	err := row.Scan(&r.RiderID, &r.Name, &r.Phone, &r.Loc.Lat, &r.Loc.Lon, &status,
		&r.PointsBalance, &r.AcceptedRides, &r.CompletedRides, &r.RejectedOffers,
		&r.LastSeen, &r.Banned)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RiderStatus(status)
	return &r, nil
}

func (s *pgRiders) Put(ctx context.Context, r *models.Rider) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO riders(rider_id, name, phone, lat, lon, status,
			points_balance, accepted_rides, completed_rides, rejected_offers,
			last_seen, banned)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (rider_id) DO UPDATE SET
			name=EXCLUDED.name, phone=EXCLUDED.phone,
			lat=EXCLUDED.lat, lon=EXCLUDED.lon, status=EXCLUDED.status,
			last_seen=EXCLUDED.last_seen`,
		r.RiderID, r.Name, r.Phone, r.Loc.Lat, r.Loc.Lon, string(r.Status),
		r.PointsBalance, r.AcceptedRides, r.CompletedRides, r.RejectedOffers,
		r.LastSeen, r.Banned)
	return err
}

func (s *pgRiders) SetStatus(ctx context.Context, riderID string, status models.RiderStatus) error {
	return s.exec(ctx, `UPDATE riders SET status=$2 WHERE rider_id=$1`, riderID, string(status))
}

func (s *pgRiders) UpdateLocation(ctx context.Context, riderID string, loc models.Coord, seen time.Time) error {
	return s.exec(ctx, `UPDATE riders SET lat=$2, lon=$3, last_seen=$4 WHERE rider_id=$1`,
		riderID, loc.Lat, loc.Lon, seen)
}

func (s *pgRiders) RecordAcceptance(ctx context.Context, riderID string) error {
	return s.exec(ctx, `
		UPDATE riders SET status='onride', accepted_rides=accepted_rides+1
		WHERE rider_id=$1`, riderID)
}

func (s *pgRiders) RecordRejection(ctx context.Context, riderID string) error {
	return s.exec(ctx, `
		UPDATE riders SET rejected_offers=rejected_offers+1 WHERE rider_id=$1`, riderID)
}

func (s *pgRiders) CreditPoints(ctx context.Context, riderID string, pts float64) error {
	return s.exec(ctx, `
		UPDATE riders
		SET points_balance=points_balance+$2, completed_rides=completed_rides+1
		WHERE rider_id=$1`, riderID, pts)
}

func (s *pgRiders) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type pgBooths struct{ db *sql.DB }

func (s *pgBooths) Get(ctx context.Context, boothID string) (*models.Booth, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT booth_id, name, lat, lon, address, active
		FROM booths WHERE booth_id=$1`, boothID)
	var b models.Booth
	err := row.Scan(&b.BoothID, &b.Name, &b.Loc.Lat, &b.Loc.Lon, &b.Address, &b.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *pgBooths) Put(ctx context.Context, b *models.Booth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO booths(booth_id, name, lat, lon, address, active)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (booth_id) DO UPDATE SET
			name=EXCLUDED.name, lat=EXCLUDED.lat, lon=EXCLUDED.lon,
			address=EXCLUDED.address, active=EXCLUDED.active`,
		b.BoothID, b.Name, b.Loc.Lat, b.Loc.Lon, b.Address, b.Active)
	return err
}

type pgLogs struct{ db *sql.DB }

func (s *pgLogs) SaveLog(ctx context.Context, l *models.RideLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ride_logs(request_id, rider_id, booth_id, destination_id,
			distance_meters, points_earned, pickup_time, dropoff_time, duration_sec)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.RequestID, l.RiderID, l.BoothID, l.DestinationID,
		l.DistanceMeters, l.PointsEarned, l.PickupTime, l.DropoffTime, l.DurationSec)
	return err
}

func (s *pgLogs) CreatePendingReview(ctx context.Context, p *models.PointPendingReview) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO point_pending_reviews(request_id, rider_id,
			distance_meters, points_proposed, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		p.RequestID, p.RiderID, p.DistanceMeters, p.PointsProposed, p.Status, p.CreatedAt)
	return err
}
