// Package store persists scan history in PostgreSQL with pgvector, so past
// searches can be listed and reference encodings compared across scans.
// Persistence is optional; the pipeline itself never touches the database.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"facefind/internal/face"
)

// ScanRecord is one completed detection run.
type ScanRecord struct {
	ID             int64
	VideoPath      string
	OutputPath     string
	Tolerance      float64
	FrameSkip      int
	TotalFrames    int
	DetectedFrames int
	CreatedAt      time.Time
}

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS scans (
			id BIGSERIAL PRIMARY KEY,
			video_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			reference VECTOR(%d) NOT NULL,
			tolerance DOUBLE PRECISION NOT NULL,
			frame_skip INT NOT NULL,
			total_frames INT NOT NULL,
			detected_frames INT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS scan_detections (
			id BIGSERIAL PRIMARY KEY,
			scan_id BIGINT REFERENCES scans(id) ON DELETE CASCADE,
			ts DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS scan_detections_scan_id_idx ON scan_detections (scan_id);
	`, face.EncodingDim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveScan records a completed run together with its detection timestamps.
// The record and its detections commit atomically.
func (s *Store) SaveScan(ctx context.Context, rec ScanRecord, encoding []float64, timestamps []float64) (int64, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO scans (video_path, output_path, reference, tolerance, frame_skip, total_frames, detected_frames)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7)
		RETURNING id
	`, rec.VideoPath, rec.OutputPath, vecToString(encoding), rec.Tolerance, rec.FrameSkip, rec.TotalFrames, rec.DetectedFrames).Scan(&id)
	if err != nil {
		return 0, err
	}

	for _, ts := range timestamps {
		if _, err := tx.Exec(ctx, "INSERT INTO scan_detections (scan_id, ts) VALUES ($1, $2)", id, ts); err != nil {
			return 0, err
		}
	}

	return id, tx.Commit(ctx)
}

// RecentScans returns the latest runs, newest first.
func (s *Store) RecentScans(ctx context.Context, limit int) ([]ScanRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, video_path, output_path, tolerance, frame_skip, total_frames, detected_frames, created_at
		FROM scans ORDER BY created_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ScanRecord
	for rows.Next() {
		var r ScanRecord
		if err := rows.Scan(&r.ID, &r.VideoPath, &r.OutputPath, &r.Tolerance, &r.FrameSkip,
			&r.TotalFrames, &r.DetectedFrames, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Detections returns the detection timestamps of one scan in order.
func (s *Store) Detections(ctx context.Context, scanID int64) ([]float64, error) {
	rows, err := s.conn.Query(ctx, "SELECT ts FROM scan_detections WHERE scan_id = $1 ORDER BY ts", scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var ts float64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// SimilarScans finds past scans whose reference encoding is within maxDist of
// the given one, nearest first. <-> is pgvector's Euclidean distance, the
// same metric the matcher uses.
func (s *Store) SimilarScans(ctx context.Context, encoding []float64, maxDist float64, limit int) ([]ScanRecord, error) {
	vecStr := vecToString(encoding)
	rows, err := s.conn.Query(ctx, `
		SELECT id, video_path, output_path, tolerance, frame_skip, total_frames, detected_frames, created_at
		FROM scans
		WHERE reference <-> $1::vector <= $2
		ORDER BY reference <-> $1::vector ASC
		LIMIT $3
	`, vecStr, maxDist, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ScanRecord
	for rows.Next() {
		var r ScanRecord
		if err := rows.Scan(&r.ID, &r.VideoPath, &r.OutputPath, &r.Tolerance, &r.FrameSkip,
			&r.TotalFrames, &r.DetectedFrames, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// vecToString formats a float slice into a PostgreSQL vector string "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%f", v)
	}
	b.WriteByte(']')
	return b.String()
}
