package triplog

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/ambu-dispatch/internal/models"
)

type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(dsn string) (*PostgresLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresLog{db: db}, nil
}

func (p *PostgresLog) Record(ctx context.Context, t models.TripRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trips(ride_id, driver_id, pickup_address, pickup_lat, pickup_lon, drop_address, drop_lat, drop_lon, fare, vehicle, requested_at, completed_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.RideID, t.DriverID, t.Pickup.Address, t.Pickup.Lat, t.Pickup.Lon,
		t.Drop.Address, t.Drop.Lat, t.Drop.Lon, t.Fare, string(t.Vehicle), t.RequestedAt, t.CompletedAt)
	return err
}

func (p *PostgresLog) Recent(ctx context.Context, limit int) ([]models.TripRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT ride_id, driver_id, pickup_address, pickup_lat, pickup_lon, drop_address, drop_lat, drop_lon, fare, vehicle, requested_at, completed_at
		 FROM trips ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TripRecord
	for rows.Next() {
		var t models.TripRecord
		var vehicle string
		if err := rows.Scan(&t.RideID, &t.DriverID, &t.Pickup.Address, &t.Pickup.Lat, &t.Pickup.Lon,
			&t.Drop.Address, &t.Drop.Lat, &t.Drop.Lon, &t.Fare, &vehicle, &t.RequestedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		t.Vehicle = models.VehicleClass(vehicle)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresLog) Close() error { return p.db.Close() }
