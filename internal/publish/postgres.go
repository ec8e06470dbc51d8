package publish

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

// PostgresStore implements HistoricalStore against a pgx connection pool.
// Upserts the current-object row and appends a composite-key
// (object_id, ts, source) position row, per spec.md §6's historical-store
// contract.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore { return &PostgresStore{Pool: pool} }

const upsertObjectSQL = `
INSERT INTO tracked_objects (object_id, kind, lat, lon, sog, cog, heading, altitude, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (object_id) DO UPDATE SET
  lat = EXCLUDED.lat, lon = EXCLUDED.lon, sog = EXCLUDED.sog, cog = EXCLUDED.cog,
  heading = EXCLUDED.heading, altitude = EXCLUDED.altitude, updated_at = EXCLUDED.updated_at`

const insertPositionSQL = `
INSERT INTO object_positions (object_id, ts, source, lat, lon, sog, cog, heading, altitude)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (object_id, ts, source) DO NOTHING`

func (s *PostgresStore) UpsertPosition(ctx context.Context, rec models.FusedRecord) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertObjectSQL, rec.Key.ID, string(rec.Key.Kind), rec.Lat, rec.Lon, rec.SOG, rec.COG, rec.Heading, rec.Altitude, rec.EventTime); err != nil {
		return err
	}
	primarySource := "fused"
	if len(rec.Sources) > 0 {
		primarySource = rec.Sources[0]
	}
	if _, err := tx.Exec(ctx, insertPositionSQL, rec.Key.ID, rec.EventTime, primarySource, rec.Lat, rec.Lon, rec.SOG, rec.COG, rec.Heading, rec.Altitude); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReadHistory returns key's position rows within [from,to], ordered by
// ts ascending, satisfying the spec's ranged history read.
func (s *PostgresStore) ReadHistory(ctx context.Context, key models.EntityKey, from, to int64) ([]models.FusedRecord, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT ts, source, lat, lon, sog, cog, heading, altitude
FROM object_positions
WHERE object_id = $1 AND ts BETWEEN to_timestamp($2) AND to_timestamp($3)
ORDER BY ts ASC`, key.ID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FusedRecord
	for rows.Next() {
		var rec models.FusedRecord
		var source string
		if err := rows.Scan(&rec.EventTime, &source, &rec.Lat, &rec.Lon, &rec.SOG, &rec.COG, &rec.Heading, &rec.Altitude); err != nil {
			return nil, err
		}
		rec.Key = key
		rec.Sources = []string{source}
		out = append(out, rec)
	}
	return out, rows.Err()
}
