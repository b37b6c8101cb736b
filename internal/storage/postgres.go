package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-sharing/internal/models"
)

// PostgresStore implements Store on lib/pq. Nested documents (preferences,
// riders, routes) are stored as JSONB; radius queries use an inline
// haversine expression, which is adequate without PostGIS at the scale one
// matching node serves.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	prefs, err := json.Marshal(r.Preferences)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO ride_requests(id, rider_id, rider_gender, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat,
			passengers, preferences, is_emergency, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderID, r.RiderGender, r.Pickup.Lon, r.Pickup.Lat, r.Dropoff.Lon, r.Dropoff.Lat,
		r.Passengers, prefs, r.IsEmergency, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, rider_gender, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat,
			passengers, preferences, is_emergency, status, created_at, updated_at
		FROM ride_requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return models.RideRequest{}, fmt.Errorf("%w: ride request %s", models.ErrNotFound, id)
	}
	return r, err
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, r *models.RideRequest) error {
	prefs, err := json.Marshal(r.Preferences)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_requests SET preferences=$1, status=$2, updated_at=$3 WHERE id=$4`,
		prefs, r.Status, time.Now(), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: ride request %s", models.ErrNotFound, r.ID)
	}
	return nil
}

// haversineSQL computes kilometers between a stored pickup and a query point.
const haversineSQL = `
	2 * 6371 * asin(sqrt(
		pow(sin(radians(pickup_lat - $2) / 2), 2) +
		cos(radians($2)) * cos(radians(pickup_lat)) *
		pow(sin(radians(pickup_lon - $1) / 2), 2)
	))`

func (p *PostgresStore) PendingNear(ctx context.Context, center models.Coord, radiusM float64, excludeID string) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, rider_id, rider_gender, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat,
			passengers, preferences, is_emergency, status, created_at, updated_at
		FROM ride_requests
		WHERE status='pending' AND id <> $4 AND `+haversineSQL+` <= $3
		ORDER BY created_at ASC`,
		center.Lon, center.Lat, radiusM/1000, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (models.RideRequest, error) {
	var r models.RideRequest
	var prefs []byte
	err := row.Scan(&r.ID, &r.RiderID, &r.RiderGender, &r.Pickup.Lon, &r.Pickup.Lat,
		&r.Dropoff.Lon, &r.Dropoff.Lat, &r.Passengers, &prefs, &r.IsEmergency,
		&r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &r.Preferences); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (p *PostgresStore) SaveMatches(ctx context.Context, requestID, requestStatus string, suggestions []models.MatchSuggestion) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM match_suggestions WHERE request_id=$1 AND status='pending'`, requestID); err != nil {
		return err
	}
	for _, s := range suggestions {
		riders, err := json.Marshal(s.PotentialRiders)
		if err != nil {
			return err
		}
		route, err := json.Marshal(s.OptimizedRoute)
		if err != nil {
			return err
		}
		prices, err := json.Marshal(s.PricePerRider)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO match_suggestions(id, request_id, driver_id, driver_fallback, score,
				potential_riders, optimized_route, status, estimated_delay, total_time, total_cost,
				price_per_rider, estimated_arrival, created_at, expires_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			s.ID, s.RequestID, s.DriverID, s.DriverFallback, s.Score,
			riders, route, s.Status, s.EstimatedDelay, s.TotalTime, s.TotalCost,
			prices, s.EstimatedArrival, s.CreatedAt, s.ExpiresAt); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE ride_requests SET status=$1, updated_at=$2 WHERE id=$3`, requestStatus, time.Now(), requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: ride request %s", models.ErrNotFound, requestID)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetSuggestion(ctx context.Context, id string) (models.MatchSuggestion, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, request_id, driver_id, driver_fallback, score, potential_riders, optimized_route,
			status, estimated_delay, total_time, total_cost, price_per_rider, estimated_arrival,
			created_at, expires_at
		FROM match_suggestions WHERE id=$1`, id)
	s, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return models.MatchSuggestion{}, fmt.Errorf("%w: suggestion %s", models.ErrNotFound, id)
	}
	return s, err
}

func scanSuggestion(row rowScanner) (models.MatchSuggestion, error) {
	var s models.MatchSuggestion
	var riders, route, prices []byte
	err := row.Scan(&s.ID, &s.RequestID, &s.DriverID, &s.DriverFallback, &s.Score,
		&riders, &route, &s.Status, &s.EstimatedDelay, &s.TotalTime, &s.TotalCost,
		&prices, &s.EstimatedArrival, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(riders, &s.PotentialRiders); err != nil {
		return s, err
	}
	if err := json.Unmarshal(route, &s.OptimizedRoute); err != nil {
		return s, err
	}
	if err := json.Unmarshal(prices, &s.PricePerRider); err != nil {
		return s, err
	}
	return s, nil
}

func (p *PostgresStore) UpdateSuggestionStatus(ctx context.Context, id, status string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE match_suggestions SET status=$1 WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: suggestion %s", models.ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) InvalidatePending(ctx context.Context, requestID string) ([]models.MatchSuggestion, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE match_suggestions SET status='expired'
		WHERE request_id=$1 AND status='pending'
		RETURNING id, request_id, driver_id, driver_fallback, score, potential_riders, optimized_route,
			status, estimated_delay, total_time, total_cost, price_per_rider, estimated_arrival,
			created_at, expires_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

func (p *PostgresStore) PendingForRider(ctx context.Context, riderID string) ([]models.MatchSuggestion, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, driver_id, driver_fallback, score, potential_riders, optimized_route,
			status, estimated_delay, total_time, total_cost, price_per_rider, estimated_arrival,
			created_at, expires_at
		FROM match_suggestions
		WHERE status='pending' AND potential_riders @> $1
		ORDER BY score DESC`,
		fmt.Sprintf(`[{"riderId":%q}]`, riderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

func (p *PostgresStore) PendingForRequest(ctx context.Context, requestID string) ([]models.MatchSuggestion, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, driver_id, driver_fallback, score, potential_riders, optimized_route,
			status, estimated_delay, total_time, total_cost, price_per_rider, estimated_arrival,
			created_at, expires_at
		FROM match_suggestions
		WHERE status='pending' AND request_id=$1
		ORDER BY score DESC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

func (p *PostgresStore) ExpireDue(ctx context.Context, now time.Time) ([]models.MatchSuggestion, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE match_suggestions SET status='expired'
		WHERE status='pending' AND expires_at < $1
		RETURNING id, request_id, driver_id, driver_fallback, score, potential_riders, optimized_route,
			status, estimated_delay, total_time, total_cost, price_per_rider, estimated_arrival,
			created_at, expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

func collectSuggestions(rows *sql.Rows) ([]models.MatchSuggestion, error) {
	var out []models.MatchSuggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	riders, err := json.Marshal(t.Riders)
	if err != nil {
		return err
	}
	route, err := json.Marshal(t.Route)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trips(id, driver_id, status, start_lon, start_lat, end_lon, end_lat,
			driver_lon, driver_lat, driver_loc_updated, riders, distance_km, duration_min,
			total_fare, route, estimated_arrival, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		t.ID, t.DriverID, t.Status, t.Start.Lon, t.Start.Lat, t.End.Lon, t.End.Lat,
		t.DriverLoc.Lon, t.DriverLoc.Lat, t.DriverLocUpdated, riders, t.DistanceKm,
		t.DurationMin, t.TotalFare, route, t.EstimatedArrival, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, driver_id, status, start_lon, start_lat, end_lon, end_lat,
			driver_lon, driver_lat, driver_loc_updated, riders, distance_km, duration_min,
			total_fare, route, estimated_arrival, created_at, updated_at
		FROM trips WHERE id=$1`, id)
	t, err := scanTrip(row)
	if err == sql.ErrNoRows {
		return models.Trip{}, fmt.Errorf("%w: trip %s", models.ErrNotFound, id)
	}
	return t, err
}

func scanTrip(row rowScanner) (models.Trip, error) {
	var t models.Trip
	var riders, route []byte
	err := row.Scan(&t.ID, &t.DriverID, &t.Status, &t.Start.Lon, &t.Start.Lat,
		&t.End.Lon, &t.End.Lat, &t.DriverLoc.Lon, &t.DriverLoc.Lat, &t.DriverLocUpdated,
		&riders, &t.DistanceKm, &t.DurationMin, &t.TotalFare, &route,
		&t.EstimatedArrival, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(riders, &t.Riders); err != nil {
		return t, err
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &t.Route); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, t *models.Trip) error {
	riders, err := json.Marshal(t.Riders)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE trips SET status=$1, driver_lon=$2, driver_lat=$3, driver_loc_updated=$4,
			riders=$5, distance_km=$6, duration_min=$7, total_fare=$8, updated_at=$9
		WHERE id=$10`,
		t.Status, t.DriverLoc.Lon, t.DriverLoc.Lat, t.DriverLocUpdated,
		riders, t.DistanceKm, t.DurationMin, t.TotalFare, time.Now(), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: trip %s", models.ErrNotFound, t.ID)
	}
	return nil
}

func (p *PostgresStore) ActiveTripForDriver(ctx context.Context, driverID string) (models.Trip, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, driver_id, status, start_lon, start_lat, end_lon, end_lat,
			driver_lon, driver_lat, driver_loc_updated, riders, distance_km, duration_min,
			total_fare, route, estimated_arrival, created_at, updated_at
		FROM trips WHERE driver_id=$1 AND status='in_progress' LIMIT 1`, driverID)
	t, err := scanTrip(row)
	if err == sql.ErrNoRows {
		return models.Trip{}, false, nil
	}
	if err != nil {
		return models.Trip{}, false, err
	}
	return t, true, nil
}
