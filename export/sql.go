package export

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jmoiron/sqlx"

	"github.com/hb9tf/whitespace/sdr"

	// Database drivers selectable by name.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"

	// archiveTimeFmt is appended to archived sqlite files, e.g. scans_01-05-24_12-00.
	archiveTimeFmt = "02-01-06_15-04"

	sqlReportCountInfo = 1000
)

// dialect holds the statements that differ between database engines.
type dialect struct {
	createSenders string
	createReports string
	upsertSuffix  func(cols []string) string
}

var senderColumns = []string{
	"id", "hardware_id", "options", "alive", "last_report",
	"rssi_last", "rssi_avg", "rssi_min", "rssi_max", "sample_count", "epoch",
}

const createSendersTmpl = `CREATE TABLE IF NOT EXISTS senders (
		id           VARCHAR(255) NOT NULL PRIMARY KEY,
		hardware_id  VARCHAR(32) NOT NULL,
		options      TEXT NOT NULL,
		alive        BOOLEAN NOT NULL,
		last_report  BIGINT NOT NULL,
		rssi_last    TEXT NOT NULL,
		rssi_avg     TEXT NOT NULL,
		rssi_min     TEXT NOT NULL,
		rssi_max     TEXT NOT NULL,
		sample_count BIGINT NOT NULL,
		epoch        BIGINT NOT NULL
	);`

func reportsTmpl(idColumn string) string {
	return `CREATE TABLE IF NOT EXISTS reports (
		` + idColumn + `,
		sender_id  VARCHAR(255) NOT NULL,
		epoch      BIGINT NOT NULL,
		reported   BIGINT NOT NULL,
		options    TEXT NOT NULL,
		rssi       TEXT NOT NULL
	);`
}

func onConflictUpdate(cols []string) string {
	var set []string
	for _, c := range cols[1:] {
		set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return " ON CONFLICT (id) DO UPDATE SET " + strings.Join(set, ", ")
}

func onDuplicateKeyUpdate(cols []string) string {
	var set []string
	for _, c := range cols[1:] {
		set = append(set, fmt.Sprintf("%s = VALUES(%s)", c, c))
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(set, ", ")
}

var dialects = map[string]dialect{
	DriverSQLite: {
		createSenders: createSendersTmpl,
		createReports: reportsTmpl("id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT"),
		upsertSuffix:  onConflictUpdate,
	},
	DriverMySQL: {
		createSenders: createSendersTmpl,
		createReports: reportsTmpl("id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"),
		upsertSuffix:  onDuplicateKeyUpdate,
	},
	DriverPostgres: {
		createSenders: createSendersTmpl,
		createReports: reportsTmpl("id BIGSERIAL PRIMARY KEY"),
		upsertSuffix:  onConflictUpdate,
	},
}

// senderRow is the persisted form of sdr.Record. Vectors and options are
// stored as JSON.
type senderRow struct {
	ID          string `db:"id"`
	HardwareID  string `db:"hardware_id"`
	Options     string `db:"options"`
	Alive       bool   `db:"alive"`
	LastReport  int64  `db:"last_report"`
	Last        string `db:"rssi_last"`
	Avg         string `db:"rssi_avg"`
	Min         string `db:"rssi_min"`
	Max         string `db:"rssi_max"`
	SampleCount int64  `db:"sample_count"`
	Epoch       int64  `db:"epoch"`
}

type reportRow struct {
	SenderID string `db:"sender_id"`
	Epoch    int64  `db:"epoch"`
	Reported int64  `db:"reported"`
	Options  string `db:"options"`
	RSSI     string `db:"rssi"`
}

// Report is one accepted scan as archived in the reports table.
type Report struct {
	Epoch   uint64          `json:"epoch"`
	Time    time.Time       `json:"time"`
	Options sdr.ScanOptions `json:"options"`
	RSSI    []float64       `json:"rssi"`
}

// SQL stores the current record of every sender in the senders table and
// appends every accepted report, tagged with its epoch, to the reports
// table. Earlier epochs stay in reports as the archive.
type SQL struct {
	DB *sqlx.DB

	// ArchivePath, if set, is the sqlite file renamed with a timestamp
	// suffix on Close.
	ArchivePath string

	mu      sync.Mutex
	dialect dialect
	upsert  string
	reports int
}

// OpenSQL connects to the database behind dsn using one of the Driver*
// names and creates the tables if needed.
func OpenSQL(driver, dsn string) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s DB: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach %s DB: %w", driver, err)
	}
	switch driver {
	case DriverSQLite:
		// One writer at a time, readers queue behind it.
		db.SetMaxOpenConns(1)
	default:
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
	}
	s, err := NewSQL(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an open database. Unknown driver names use the sqlite
// dialect.
func NewSQL(db *sqlx.DB) (*SQL, error) {
	d, ok := dialects[db.DriverName()]
	if !ok {
		d = dialects[DriverSQLite]
	}
	s := &SQL{
		DB:      db,
		dialect: d,
		upsert:  upsertQuery(d),
	}
	if err := s.createTablesIfNotExist(); err != nil {
		return nil, fmt.Errorf("unable to create tables: %w", err)
	}
	return s, nil
}

func upsertQuery(d dialect) string {
	named := make([]string, len(senderColumns))
	for i, c := range senderColumns {
		named[i] = ":" + c
	}
	return fmt.Sprintf("INSERT INTO senders (%s) VALUES (%s)%s",
		strings.Join(senderColumns, ", "), strings.Join(named, ", "), d.upsertSuffix(senderColumns))
}

func (s *SQL) createTablesIfNotExist() error {
	for _, stmt := range []string{s.dialect.createSenders, s.dialect.createReports} {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) GetOrCreate(id string) (sdr.Record, error) {
	var row senderRow
	err := s.DB.Get(&row, s.DB.Rebind("SELECT * FROM senders WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return sdr.Record{Sender: sdr.Sender{Addr: id}}, nil
	}
	if err != nil {
		return sdr.Record{}, err
	}
	return row.record()
}

// Put upserts the sender row and archives rec.Last as a report of the
// record's epoch, in one transaction.
func (s *SQL) Put(id string, rec sdr.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := newSenderRow(id, rec)
	if err != nil {
		return err
	}
	report := reportRow{
		SenderID: id,
		Epoch:    row.Epoch,
		Reported: row.LastReport,
		Options:  row.Options,
		RSSI:     row.Last,
	}

	tx, err := s.DB.Beginx()
	if err != nil {
		return err
	}
	if _, err := tx.NamedExec(s.upsert, row); err != nil {
		tx.Rollback()
		return fmt.Errorf("upserting sender: %w", err)
	}
	if _, err := tx.NamedExec(`INSERT INTO reports (sender_id, epoch, reported, options, rssi)
		VALUES (:sender_id, :epoch, :reported, :options, :rssi)`, report); err != nil {
		tx.Rollback()
		return fmt.Errorf("archiving report: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.reports++
	if s.reports%sqlReportCountInfo == 0 {
		glog.Infof("%d reports stored", s.reports)
	}
	return nil
}

func (s *SQL) MarkNotAlive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.DB.Exec(s.DB.Rebind("UPDATE senders SET alive = ? WHERE id = ?"), false, id)
	return err
}

func (s *SQL) Snapshot() ([]sdr.Record, error) {
	var rows []senderRow
	if err := s.DB.Select(&rows, "SELECT * FROM senders ORDER BY id"); err != nil {
		return nil, err
	}
	out := make([]sdr.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Reports returns the archived reports of id for one epoch, oldest first.
func (s *SQL) Reports(id string, epoch uint64) ([]Report, error) {
	var rows []reportRow
	q := s.DB.Rebind(`SELECT sender_id, epoch, reported, options, rssi FROM reports
		WHERE sender_id = ? AND epoch = ? ORDER BY id`)
	if err := s.DB.Select(&rows, q, id, int64(epoch)); err != nil {
		return nil, err
	}
	out := make([]Report, 0, len(rows))
	for _, row := range rows {
		r := Report{Epoch: uint64(row.Epoch), Time: time.UnixMilli(row.Reported).UTC()}
		if err := json.Unmarshal([]byte(row.Options), &r.Options); err != nil {
			return nil, fmt.Errorf("decoding options of %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(row.RSSI), &r.RSSI); err != nil {
			return nil, fmt.Errorf("decoding report of %s: %w", id, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Close closes the database and archives the sqlite file if configured.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.DB.Close(); err != nil {
		return err
	}
	if s.ArchivePath == "" {
		return nil
	}
	dst := ArchiveName(s.ArchivePath, time.Now())
	if err := os.Rename(s.ArchivePath, dst); err != nil {
		return fmt.Errorf("unable to archive %q: %w", s.ArchivePath, err)
	}
	glog.Infof("archived %s to %s", s.ArchivePath, dst)
	return nil
}

// ArchiveName returns the name a database file is archived under.
func ArchiveName(path string, t time.Time) string {
	return path + "_" + t.Format(archiveTimeFmt)
}

func newSenderRow(id string, rec sdr.Record) (senderRow, error) {
	row := senderRow{
		ID:          id,
		HardwareID:  rec.Sender.HardwareID,
		Alive:       rec.Alive,
		LastReport:  rec.LastReport.UnixMilli(),
		SampleCount: int64(rec.Count),
		Epoch:       int64(rec.Epoch),
	}
	opts, err := json.Marshal(rec.Options)
	if err != nil {
		return row, err
	}
	row.Options = string(opts)
	for _, f := range []struct {
		dst *string
		v   []float64
	}{{&row.Last, rec.Last}, {&row.Avg, rec.Avg}, {&row.Min, rec.Min}, {&row.Max, rec.Max}} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return row, err
		}
		*f.dst = string(b)
	}
	return row, nil
}

func (r senderRow) record() (sdr.Record, error) {
	rec := sdr.Record{
		Sender:     sdr.Sender{Addr: r.ID, HardwareID: r.HardwareID},
		Alive:      r.Alive,
		LastReport: time.UnixMilli(r.LastReport).UTC(),
		Count:      uint64(r.SampleCount),
		Epoch:      uint64(r.Epoch),
	}
	if err := json.Unmarshal([]byte(r.Options), &rec.Options); err != nil {
		return rec, fmt.Errorf("decoding options of %s: %w", r.ID, err)
	}
	for _, f := range []struct {
		src string
		dst *[]float64
	}{{r.Last, &rec.Last}, {r.Avg, &rec.Avg}, {r.Min, &rec.Min}, {r.Max, &rec.Max}} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return rec, fmt.Errorf("decoding vectors of %s: %w", r.ID, err)
		}
	}
	return rec, nil
}
