package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// DefaultDriver is the pure Go SQLite driver; "sqlite3" selects the cgo one.
const DefaultDriver = "sqlite"

// Store wraps SQLite-backed persistence for jobs, groups and frame registrations.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the default driver.
func New(path string) (*Store, error) {
	return Open(DefaultDriver, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = DefaultDriver
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between workers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS image_groups (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            group_type TEXT,
            detection_method TEXT,
            base_path TEXT,
            image_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS image_metadata (
            file_path TEXT PRIMARY KEY,
            camera_make TEXT,
            camera_model TEXT,
            focal_length REAL,
            aperture REAL,
            iso INTEGER,
            exposure_time TEXT,
            gps_lat REAL,
            gps_lon REAL,
            timestamp TEXT,
            width INTEGER,
            height INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS frame_alignments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            group_path TEXT,
            frame_index INTEGER NOT NULL,
            file_path TEXT,
            outcome TEXT NOT NULL,
            motion_model TEXT,
            correlation REAL,
            iterations INTEGER,
            converged BOOLEAN DEFAULT FALSE,
            transform_json TEXT,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_alignments_job_id ON frame_alignments(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ImageGroupRecord captures persisted grouping info.
type ImageGroupRecord struct {
	JobID           string
	GroupType       string
	DetectionMethod string
	BasePath        string
	ImageCount      int
}

// FrameAlignmentRecord captures how one frame of a stack was registered.
type FrameAlignmentRecord struct {
	JobID       string
	GroupPath   string
	FrameIndex  int
	FilePath    string
	Outcome     string
	MotionModel string
	Correlation float64
	Iterations  int
	Converged   bool
	Transform   []float64
	Error       string
}

// ImageMetadata captures basic EXIF/GPS info.
type ImageMetadata struct {
	FilePath     string
	CameraMake   string
	CameraModel  string
	FocalLength  float64
	Aperture     float64
	ISO          int
	ExposureTime string
	GPSLat       float64
	GPSLon       float64
	Timestamp    string
	Width        int
	Height       int
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job by id. It returns sql.ErrNoRows for unknown ids.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id)
	return scanJob(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var created time.Time
	var started, completed sql.NullTime
	var input, output, options, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.CreatedAt = created
	rec.InputPath, rec.OutputPath, rec.OptionsJSON = input.String, output.String, options.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordGroup persists a discovered image group.
func (s *Store) RecordGroup(rec ImageGroupRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO image_groups (job_id, group_type, detection_method, base_path, image_count) VALUES (?, ?, ?, ?, ?);`,
		rec.JobID, rec.GroupType, rec.DetectionMethod, rec.BasePath, rec.ImageCount)
	return err
}

// RecordImageMetadata stores EXIF/GPS details if available.
func (s *Store) RecordImageMetadata(meta ImageMetadata) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO image_metadata (file_path, camera_make, camera_model, focal_length, aperture, iso, exposure_time, gps_lat, gps_lon, timestamp, width, height)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		meta.FilePath, meta.CameraMake, meta.CameraModel, meta.FocalLength, meta.Aperture, meta.ISO, meta.ExposureTime, meta.GPSLat, meta.GPSLon, meta.Timestamp, meta.Width, meta.Height)
	return err
}

// RecordFrameAlignment stores the registration outcome of one frame.
func (s *Store) RecordFrameAlignment(rec FrameAlignmentRecord) error {
	if s == nil {
		return nil
	}
	transformJSON, err := json.Marshal(rec.Transform)
	if err != nil {
		return fmt.Errorf("marshal transform: %w", err)
	}
	_, err = s.DB.Exec(`INSERT INTO frame_alignments (job_id, group_path, frame_index, file_path, outcome, motion_model, correlation, iterations, converged, transform_json, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.GroupPath, rec.FrameIndex, rec.FilePath, rec.Outcome, rec.MotionModel, rec.Correlation, rec.Iterations, rec.Converged, string(transformJSON), rec.Error)
	return err
}

// FrameAlignments returns the frames recorded for a job in frame order.
func (s *Store) FrameAlignments(jobID string) ([]FrameAlignmentRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, group_path, frame_index, file_path, outcome, motion_model, correlation, iterations, converged, transform_json, error_message
        FROM frame_alignments WHERE job_id=? ORDER BY group_path, frame_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameAlignmentRecord
	for rows.Next() {
		var rec FrameAlignmentRecord
		var group, file, model, transformJSON, errorMsg sql.NullString
		if err := rows.Scan(&rec.JobID, &group, &rec.FrameIndex, &file, &rec.Outcome, &model, &rec.Correlation, &rec.Iterations, &rec.Converged, &transformJSON, &errorMsg); err != nil {
			return nil, err
		}
		rec.GroupPath, rec.FilePath, rec.MotionModel, rec.Error = group.String, file.String, model.String, errorMsg.String
		if transformJSON.Valid && transformJSON.String != "" {
			if err := json.Unmarshal([]byte(transformJSON.String), &rec.Transform); err != nil {
				return nil, fmt.Errorf("unmarshal transform: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DegradedFrames counts the frames of a job that fell back to passthrough.
func (s *Store) DegradedFrames(jobID string) (int, error) {
	if s == nil {
		return 0, errors.New("store not initialized")
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM frame_alignments WHERE job_id=? AND outcome='fallback';`, jobID).Scan(&n)
	return n, err
}
