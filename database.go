package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrTransformationNotFound is returned when no row matches an id
var ErrTransformationNotFound = errors.New("transformation not found")

// TransformationStore wraps the SQLite connection holding per-release transformation lists
type TransformationStore struct {
	db *sql.DB
}

// StoredTransformation is one configured transformation of a release
type StoredTransformation struct {
	ID                 int64     `json:"id"`
	ReleaseID          string    `json:"release_id"`
	TransformationType string    `json:"transformation_type"`
	ParameterValue     *float64  `json:"parameter_value,omitempty"`
	AutoValue          *float64  `json:"auto_value,omitempty"`
	Enabled            bool      `json:"enabled"`
	OrderIndex         int       `json:"order_index"`
	CreatedAt          time.Time `json:"created_at"`
}

// ReleaseSummary lists a release and how many transformations it holds
type ReleaseSummary struct {
	ReleaseID string `json:"release_id"`
	Total     int    `json:"total"`
	Enabled   int    `json:"enabled"`
}

// Request converts a stored row into an estimation input
func (t *StoredTransformation) Request() TransformationRequest {
	enabled := t.Enabled
	return TransformationRequest{TransformationType: t.TransformationType, Enabled: &enabled}
}

// fillAutoValue sets the generated counterpart for dual-value kinds
func (t *StoredTransformation) fillAutoValue() {
	t.AutoValue = nil
	if t.ParameterValue == nil || !IsDualValueTransformation(t.TransformationType) {
		return
	}
	auto := GenerateAutoValue(t.TransformationType, *t.ParameterValue)
	t.AutoValue = &auto
}

// NewTransformationStore creates and initializes the database
func NewTransformationStore(dbPath string) (*TransformationStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite serializes writers; one connection avoids SQLITE_BUSY on concurrent requests
	db.SetMaxOpenConns(1)

	store := &TransformationStore{db: db}

	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the necessary database tables
func (s *TransformationStore) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS image_transformations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			release_id TEXT NOT NULL,
			transformation_type TEXT NOT NULL,
			parameter_value REAL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			order_index INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create image_transformations table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_transformations_release ON image_transformations(release_id, order_index)`)
	if err != nil {
		return fmt.Errorf("failed to create release index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *TransformationStore) Close() error {
	return s.db.Close()
}

// AddTransformation appends a transformation to the end of a release's list
func (s *TransformationStore) AddTransformation(releaseID, kind string, value *float64, enabled bool) (*StoredTransformation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRow(`SELECT COALESCE(MAX(order_index) + 1, 0) FROM image_transformations WHERE release_id = ?`, releaseID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to compute order index: %w", err)
	}

	result, err := tx.Exec(`
		INSERT INTO image_transformations (release_id, transformation_type, parameter_value, enabled, order_index)
		VALUES (?, ?, ?, ?, ?)
	`, releaseID, kind, value, enabled, next)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transformation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transformation: %w", err)
	}

	return s.GetTransformation(id)
}

const transformationColumns = `id, release_id, transformation_type, parameter_value, enabled, order_index, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransformation(row rowScanner) (*StoredTransformation, error) {
	t := &StoredTransformation{}
	var value sql.NullFloat64
	if err := row.Scan(&t.ID, &t.ReleaseID, &t.TransformationType, &value, &t.Enabled, &t.OrderIndex, &t.CreatedAt); err != nil {
		return nil, err
	}
	if value.Valid {
		v := value.Float64
		t.ParameterValue = &v
	}
	t.fillAutoValue()
	return t, nil
}

// GetTransformation retrieves a transformation by id
func (s *TransformationStore) GetTransformation(id int64) (*StoredTransformation, error) {
	row := s.db.QueryRow(`SELECT `+transformationColumns+` FROM image_transformations WHERE id = ?`, id)
	t, err := scanTransformation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransformationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transformation: %w", err)
	}
	return t, nil
}

// GetTransformations returns a release's transformations in order
func (s *TransformationStore) GetTransformations(releaseID string) ([]*StoredTransformation, error) {
	rows, err := s.db.Query(`
		SELECT `+transformationColumns+`
		FROM image_transformations
		WHERE release_id = ?
		ORDER BY order_index ASC, id ASC
	`, releaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transformations: %w", err)
	}
	defer rows.Close()

	transformations := []*StoredTransformation{}
	for rows.Next() {
		t, err := scanTransformation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transformation: %w", err)
		}
		transformations = append(transformations, t)
	}

	return transformations, rows.Err()
}

// SetTransformationEnabled toggles a transformation
func (s *TransformationStore) SetTransformationEnabled(id int64, enabled bool) error {
	result, err := s.db.Exec(`UPDATE image_transformations SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update transformation: %w", err)
	}
	return requireAffected(result)
}

// DeleteTransformation removes a transformation
func (s *TransformationStore) DeleteTransformation(id int64) error {
	result, err := s.db.Exec(`DELETE FROM image_transformations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transformation: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransformationNotFound
	}
	return nil
}

// ListReleases returns every release with at least one transformation
func (s *TransformationStore) ListReleases() ([]ReleaseSummary, error) {
	rows, err := s.db.Query(`
		SELECT release_id, COUNT(*), COALESCE(SUM(CASE WHEN enabled THEN 1 ELSE 0 END), 0)
		FROM image_transformations
		GROUP BY release_id
		ORDER BY release_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases: %w", err)
	}
	defer rows.Close()

	releases := []ReleaseSummary{}
	for rows.Next() {
		var r ReleaseSummary
		if err := rows.Scan(&r.ReleaseID, &r.Total, &r.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		releases = append(releases, r)
	}

	return releases, rows.Err()
}

// EstimateRelease runs the image count estimate over a release's stored list
func (s *TransformationStore) EstimateRelease(releaseID string) (ImageCountEstimate, error) {
	transformations, err := s.GetTransformations(releaseID)
	if err != nil {
		return ImageCountEstimate{}, err
	}

	requests := make([]TransformationRequest, len(transformations))
	for i, t := range transformations {
		requests[i] = t.Request()
	}
	return CalculateMaxImagesPerOriginal(requests), nil
}
