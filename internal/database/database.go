package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mmcloughlin/geohash"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"pricemap/server/internal/models"
)

// GeohashPrecision is the number of characters stored per apartment
const GeohashPrecision = 9

// insertChunkSize keeps multi-row inserts below SQLite's variable limit
const insertChunkSize = 100

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrInvalidGeohash = errors.New("invalid geohash")
)

type Database struct {
	db  *sql.DB
	orm *gorm.DB
}

func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	return open(db)
}

// NewTestDB opens a private in-memory database with migrations applied
func NewTestDB() (*Database, error) {
	dsn := fmt.Sprintf("file:pricemap_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// every connection to a memory database would see its own empty schema
	db.SetMaxOpenConns(1)

	d, err := open(db)
	if err != nil {
		return nil, err
	}
	if err := d.RunMigrations(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func open(db *sql.DB) (*Database, error) {
	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	orm, err := gorm.Open(sqlite.New(sqlite.Config{Conn: db}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open gorm session: %w", err)
	}
	return &Database{db: db, orm: orm}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) GetDB() *sql.DB {
	return d.db
}

// ORM returns the gorm session used for transactions
func (d *Database) ORM() *gorm.DB {
	return d.orm
}

func (d *Database) RunMigrations() error {
	if err := d.orm.AutoMigrate(&models.Apartment{}, &models.EstimationRun{}, &models.Estimate{}); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}

	// Create spatial index on coordinates
	_, err := d.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_apartments_coordinates
		ON apartments(segment, latitude, longitude);
	`)
	if err != nil {
		return fmt.Errorf("failed to create coordinate index: %w", err)
	}

	_, err = d.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_estimates_run_partition
		ON estimates(run_id, "partition");
	`)
	if err != nil {
		return fmt.Errorf("failed to create estimate index: %w", err)
	}

	return nil
}

// UpsertApartments inserts or replaces a batch of apartments inside tx. The
// geohash column is derived from the coordinates.
func UpsertApartments(tx *gorm.DB, batch []*models.Apartment) error {
	if len(batch) == 0 {
		return nil
	}
	for _, a := range batch {
		a.Segment = strings.ToLower(a.Segment)
		a.Geohash = ""
		if a.HasCoordinates() {
			a.Geohash = geohash.EncodeWithPrecision(*a.Latitude, *a.Longitude, GeohashPrecision)
		}
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(batch, insertChunkSize).Error
}

// UpsertApartments stores apartments in a single transaction
func (d *Database) UpsertApartments(apartments []*models.Apartment) error {
	return d.orm.Transaction(func(tx *gorm.DB) error {
		if err := UpsertApartments(tx, apartments); err != nil {
			return fmt.Errorf("failed to upsert apartments: %w", err)
		}
		return nil
	})
}

// GetApartments returns the apartments of a segment ordered by id
func (d *Database) GetApartments(segment string) ([]models.Apartment, error) {
	var apartments []models.Apartment
	err := d.orm.
		Where("segment = ?", strings.ToLower(segment)).
		Order("id").
		Find(&apartments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query apartments: %w", err)
	}
	return apartments, nil
}

// GetApartmentsByGeohash returns the apartments inside the geohash cell and,
// when withNeighbors is set, inside the eight cells around it.
func (d *Database) GetApartmentsByGeohash(segment, cell string, withNeighbors bool) ([]models.Apartment, error) {
	cell = strings.ToLower(strings.TrimSpace(cell))
	if cell == "" {
		return nil, fmt.Errorf("%w: empty cell", ErrInvalidGeohash)
	}
	if err := geohash.Validate(cell); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeohash, err)
	}

	cells := []string{cell}
	if withNeighbors {
		cells = append(cells, geohash.Neighbors(cell)...)
	}

	conditions := make([]string, len(cells))
	args := make([]interface{}, 0, len(cells)+1)
	args = append(args, strings.ToLower(segment))
	for i, c := range cells {
		conditions[i] = "geohash LIKE ?"
		args = append(args, c+"%")
	}

	var apartments []models.Apartment
	err := d.orm.
		Where("segment = ? AND ("+strings.Join(conditions, " OR ")+")", args...).
		Order("id").
		Find(&apartments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query apartments by geohash: %w", err)
	}
	return apartments, nil
}

// GetSegmentStats counts the stored apartments of a segment. The median is
// left to the caller.
func (d *Database) GetSegmentStats(segment string) (models.SegmentStats, error) {
	query := `
        SELECT
            COUNT(*) as total_apartments,
            COALESCE(SUM(CASE WHEN latitude IS NOT NULL AND longitude IS NOT NULL THEN 1 ELSE 0 END), 0) as with_coordinates
        FROM apartments
        WHERE segment = ?
    `
	stats := models.SegmentStats{Segment: strings.ToLower(segment)}
	err := d.db.QueryRow(query, stats.Segment).Scan(
		&stats.TotalApartments,
		&stats.WithCoordinates,
	)
	return stats, err
}

// CreateRun stores a new run with a fresh id and running status
func (d *Database) CreateRun(run *models.EstimationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = models.RunStatusRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := d.orm.Create(run).Error; err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the final status and counts of a run
func (d *Database) FinishRun(run *models.EstimationRun, runErr error) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Status = models.RunStatusFinished
	if runErr != nil {
		run.Status = models.RunStatusFailed
		run.Error = runErr.Error()
	}
	if err := d.orm.Save(run).Error; err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	return nil
}

func (d *Database) GetRun(id string) (*models.EstimationRun, error) {
	var run models.EstimationRun
	err := d.orm.Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first
func (d *Database) ListRuns(limit int) ([]models.EstimationRun, error) {
	var runs []models.EstimationRun
	err := d.orm.Order("started_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return runs, nil
}

// SaveEstimates inserts or replaces a batch of estimates inside tx
func SaveEstimates(tx *gorm.DB, batch []*models.Estimate) error {
	if len(batch) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(batch, insertChunkSize).Error
}

// GetEstimates returns the estimates of a run ordered by apartment id
func (d *Database) GetEstimates(runID string) ([]models.Estimate, error) {
	var estimates []models.Estimate
	err := d.orm.Where("run_id = ?", runID).Order("apartment_id").Find(&estimates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query estimates: %w", err)
	}
	return estimates, nil
}
