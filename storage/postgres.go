package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/kennyphilp/trainsai/model"
)

type PSQLStorage struct {
	db *sql.DB
}

// Creates a Postgres backed schedule store using the provided
// connection string.
//
// If clearDB is true, all store tables are dropped on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS station;
DROP TABLE IF EXISTS station_alias;
DROP TABLE IF EXISTS tiploc_mapping;
DROP TABLE IF EXISTS schedule;
DROP TABLE IF EXISTS schedule_stop;
DROP TABLE IF EXISTS connection;
DROP TABLE IF EXISTS import_record;
`)
		if err != nil {
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS station (
    tiploc TEXT NOT NULL,
    crs TEXT NOT NULL,
    name TEXT NOT NULL,
    country TEXT NOT NULL,
    region TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    has_coord BOOLEAN NOT NULL,
    active BOOLEAN NOT NULL,
    PRIMARY KEY (tiploc)
);
CREATE INDEX IF NOT EXISTS station_crs ON station (crs);
CREATE INDEX IF NOT EXISTS station_name ON station (name);

CREATE TABLE IF NOT EXISTS station_alias (
    tiploc TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    is_primary BOOLEAN NOT NULL,
    PRIMARY KEY (tiploc, name)
);
CREATE INDEX IF NOT EXISTS station_alias_name ON station_alias (name);

CREATE TABLE IF NOT EXISTS tiploc_mapping (
    source_tiploc TEXT NOT NULL,
    canonical_tiploc TEXT NOT NULL,
    data_source TEXT NOT NULL,
    reason TEXT NOT NULL,
    PRIMARY KEY (source_tiploc, data_source)
);

CREATE TABLE IF NOT EXISTS schedule (
    id BIGSERIAL PRIMARY KEY,
    train_uid TEXT NOT NULL,
    headcode TEXT NOT NULL,
    operator TEXT NOT NULL,
    service_type INTEGER NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    days_run TEXT NOT NULL,
    stp INTEGER NOT NULL,
    speed TEXT NOT NULL,
    train_class TEXT NOT NULL,
    sleepers TEXT NOT NULL,
    reservations TEXT NOT NULL,
    catering TEXT NOT NULL,
    UNIQUE (train_uid, start_date, stp)
);
CREATE INDEX IF NOT EXISTS schedule_uid_dates ON schedule (train_uid, start_date);
CREATE INDEX IF NOT EXISTS schedule_dates ON schedule (start_date, end_date);

CREATE TABLE IF NOT EXISTS schedule_stop (
    schedule_id BIGINT NOT NULL,
    seq INTEGER NOT NULL,
    tiploc TEXT NOT NULL,
    stop_type INTEGER NOT NULL,
    arrival TEXT NOT NULL,
    departure TEXT NOT NULL,
    pass_time TEXT NOT NULL,
    platform TEXT NOT NULL,
    activities TEXT NOT NULL,
    PRIMARY KEY (schedule_id, seq)
);

CREATE TABLE IF NOT EXISTS connection (
    from_tiploc TEXT NOT NULL,
    to_tiploc TEXT NOT NULL,
    mode TEXT NOT NULL,
    duration_minutes INTEGER NOT NULL,
    start_time TEXT NOT NULL,
    end_time TEXT NOT NULL,
    PRIMARY KEY (from_tiploc, to_tiploc, mode)
);

CREATE TABLE IF NOT EXISTS import_record (
    id BIGSERIAL PRIMARY KEY,
    file_type TEXT NOT NULL,
    file_path TEXT NOT NULL,
    file_hash TEXT NOT NULL,
    file_size BIGINT NOT NULL,
    sequence_number INTEGER NOT NULL,
    generated_date TEXT NOT NULL,
    record_count INTEGER NOT NULL,
    records_imported INTEGER NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    success BOOLEAN NOT NULL,
    errors TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS import_record_hash ON import_record (file_hash);
`)
	if err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &PSQLStorage{db: db}, nil
}

func psqlPutStation(e execer, station *model.Station) error {
	_, err := e.Exec(`
INSERT INTO station (tiploc, crs, name, country, region, lat, lon, has_coord, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (tiploc) DO UPDATE SET
    crs = excluded.crs,
    name = excluded.name,
    country = excluded.country,
    region = excluded.region,
    lat = excluded.lat,
    lon = excluded.lon,
    has_coord = excluded.has_coord,
    active = excluded.active`,
		station.Tiploc,
		strings.ToUpper(station.CRS),
		station.Name,
		station.Country,
		station.Region,
		station.Lat,
		station.Lon,
		station.HasCoord,
		station.Active,
	)
	if err != nil {
		return fmt.Errorf("writing station: %w", err)
	}
	return nil
}

func psqlPutAlias(e execer, alias *model.StationAlias) error {
	if alias.IsPrimary {
		_, err := e.Exec(
			`UPDATE station_alias SET is_primary = FALSE WHERE tiploc = $1`,
			alias.Tiploc,
		)
		if err != nil {
			return fmt.Errorf("demoting primary alias: %w", err)
		}
	}

	_, err := e.Exec(`
INSERT INTO station_alias (tiploc, name, type, is_primary)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tiploc, name) DO UPDATE SET
    type = excluded.type,
    is_primary = excluded.is_primary`,
		alias.Tiploc,
		alias.Name,
		string(alias.Type),
		alias.IsPrimary,
	)
	if err != nil {
		return fmt.Errorf("writing alias: %w", err)
	}
	return nil
}

func psqlPutMapping(e execer, mapping *model.TiplocMapping) error {
	_, err := e.Exec(`
INSERT INTO tiploc_mapping (source_tiploc, canonical_tiploc, data_source, reason)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_tiploc, data_source) DO UPDATE SET
    canonical_tiploc = excluded.canonical_tiploc,
    reason = excluded.reason`,
		mapping.SourceTiploc,
		mapping.CanonicalTiploc,
		mapping.DataSource,
		mapping.Reason,
	)
	if err != nil {
		return fmt.Errorf("writing tiploc mapping: %w", err)
	}
	return nil
}

func psqlPutConnection(e execer, conn *model.Connection) error {
	_, err := e.Exec(`
INSERT INTO connection (from_tiploc, to_tiploc, mode, duration_minutes, start_time, end_time)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (from_tiploc, to_tiploc, mode) DO UPDATE SET
    duration_minutes = excluded.duration_minutes,
    start_time = excluded.start_time,
    end_time = excluded.end_time`,
		conn.FromTiploc,
		conn.ToTiploc,
		string(conn.Mode),
		conn.DurationMinutes,
		conn.StartTime,
		conn.EndTime,
	)
	if err != nil {
		return fmt.Errorf("writing connection: %w", err)
	}
	return nil
}

func (s *PSQLStorage) PutStation(station *model.Station) error {
	return psqlPutStation(s.db, station)
}

func (s *PSQLStorage) PutAlias(alias *model.StationAlias) error {
	return psqlPutAlias(s.db, alias)
}

func (s *PSQLStorage) PutMapping(mapping *model.TiplocMapping) error {
	return psqlPutMapping(s.db, mapping)
}

func (s *PSQLStorage) PutConnection(conn *model.Connection) error {
	return psqlPutConnection(s.db, conn)
}

const psqlStopInsert = `
INSERT INTO schedule_stop (
    schedule_id, seq, tiploc, stop_type,
    arrival, departure, pass_time, platform, activities
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func psqlPutSchedule(tx *sql.Tx, stopStmt *sql.Stmt, schedule *model.Schedule, stops []*model.ScheduleStop) error {
	row := tx.QueryRow(
		`SELECT id FROM schedule WHERE train_uid = $1 AND start_date = $2 AND stp = $3`,
		schedule.TrainUID, schedule.StartDate, int(schedule.STP),
	)
	var oldID int64
	err := row.Scan(&oldID)
	if err == nil {
		if _, err := tx.Exec(`DELETE FROM schedule_stop WHERE schedule_id = $1`, oldID); err != nil {
			return fmt.Errorf("deleting old stops: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM schedule WHERE id = $1`, oldID); err != nil {
			return fmt.Errorf("deleting old schedule: %w", err)
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("checking for existing schedule: %w", err)
	}

	row = tx.QueryRow(`
INSERT INTO schedule (
    train_uid, headcode, operator, service_type,
    start_date, end_date, days_run, stp,
    speed, train_class, sleepers, reservations, catering
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING id`,
		schedule.TrainUID,
		schedule.Headcode,
		schedule.OperatorCode,
		int(schedule.ServiceType),
		schedule.StartDate,
		schedule.EndDate,
		schedule.DaysRun,
		int(schedule.STP),
		schedule.Speed,
		schedule.TrainClass,
		schedule.Sleepers,
		schedule.Reservations,
		schedule.Catering,
	)

	var id int64
	if err := row.Scan(&id); err != nil {
		return fmt.Errorf("writing schedule: %w", err)
	}
	schedule.ID = id

	for _, stop := range stops {
		stop.ScheduleID = id
		_, err := stopStmt.Exec(
			id,
			stop.Sequence,
			stop.Tiploc,
			int(stop.Type),
			stop.Arrival,
			stop.Departure,
			stop.PassTime,
			stop.Platform,
			stop.Activities,
		)
		if err != nil {
			return fmt.Errorf("writing stop %d: %w", stop.Sequence, err)
		}
	}

	return nil
}

func (s *PSQLStorage) PutSchedule(schedule *model.Schedule, stops []*model.ScheduleStop) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	stmt, err := tx.Prepare(psqlStopInsert)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing stop insert: %w", err)
	}

	if err := psqlPutSchedule(tx, stmt, schedule, stops); err != nil {
		stmt.Close()
		tx.Rollback()
		return err
	}

	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schedule: %w", err)
	}

	return nil
}

type psqlBatch struct {
	tx       *sql.Tx
	stopStmt *sql.Stmt
	done     bool
}

func (s *PSQLStorage) BeginBatch() (ImportBatch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning batch: %w", err)
	}

	stmt, err := tx.Prepare(psqlStopInsert)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing stop insert: %w", err)
	}

	return &psqlBatch{tx: tx, stopStmt: stmt}, nil
}

func (b *psqlBatch) PutStation(station *model.Station) error {
	return psqlPutStation(b.tx, station)
}

func (b *psqlBatch) PutAlias(alias *model.StationAlias) error {
	return psqlPutAlias(b.tx, alias)
}

func (b *psqlBatch) PutMapping(mapping *model.TiplocMapping) error {
	return psqlPutMapping(b.tx, mapping)
}

func (b *psqlBatch) PutConnection(conn *model.Connection) error {
	return psqlPutConnection(b.tx, conn)
}

func (b *psqlBatch) PutSchedule(schedule *model.Schedule, stops []*model.ScheduleStop) error {
	return psqlPutSchedule(b.tx, b.stopStmt, schedule, stops)
}

func (b *psqlBatch) Commit() error {
	if b.done {
		return nil
	}
	b.done = true
	b.stopStmt.Close()
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

func (b *psqlBatch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	b.stopStmt.Close()
	return b.tx.Rollback()
}

const psqlScheduleSelect = `
SELECT
    id, train_uid, headcode, operator, service_type,
    start_date, end_date, days_run, stp,
    speed, train_class, sleepers, reservations, catering
FROM schedule`

func (s *PSQLStorage) schedulesWhere(where string, args ...interface{}) ([]*model.Schedule, error) {
	rows, err := s.db.Query(psqlScheduleSelect+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var scheds []*model.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

func (s *PSQLStorage) ResolveSchedule(trainUID string, date string) (*model.Schedule, error) {
	candidates, err := s.schedulesWhere(
		`WHERE train_uid = $1 AND start_date <= $2 AND end_date >= $3`,
		trainUID, date, date,
	)
	if err != nil {
		return nil, err
	}

	winner, err := pickSchedule(candidates, date)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, ErrNotFound
	}
	return winner, nil
}

func (s *PSQLStorage) SchedulesActiveOn(date string) ([]*model.Schedule, error) {
	candidates, err := s.schedulesWhere(
		`WHERE start_date <= $1 AND end_date >= $2`,
		date, date,
	)
	if err != nil {
		return nil, err
	}
	return activeOn(candidates, date), nil
}

func (s *PSQLStorage) GetStops(scheduleID int64) ([]*model.ScheduleStop, error) {
	rows, err := s.db.Query(`
SELECT schedule_id, seq, tiploc, stop_type, arrival, departure, pass_time, platform, activities
FROM schedule_stop
WHERE schedule_id = $1
ORDER BY seq`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	var stops []*model.ScheduleStop
	for rows.Next() {
		var stop model.ScheduleStop
		var stopType int
		err := rows.Scan(
			&stop.ScheduleID,
			&stop.Sequence,
			&stop.Tiploc,
			&stopType,
			&stop.Arrival,
			&stop.Departure,
			&stop.PassTime,
			&stop.Platform,
			&stop.Activities,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stop.Type = model.StopType(stopType)
		stops = append(stops, &stop)
	}
	return stops, rows.Err()
}

const psqlStationSelect = `
SELECT tiploc, crs, name, country, region, lat, lon, has_coord, active
FROM station`

func (s *PSQLStorage) stationWhere(where string, args ...interface{}) (*model.Station, error) {
	row := s.db.QueryRow(psqlStationSelect+" "+where, args...)

	var station model.Station
	err := row.Scan(
		&station.Tiploc,
		&station.CRS,
		&station.Name,
		&station.Country,
		&station.Region,
		&station.Lat,
		&station.Lon,
		&station.HasCoord,
		&station.Active,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning station: %w", err)
	}
	return &station, nil
}

func (s *PSQLStorage) CanonicalTiploc(source string) (string, error) {
	row := s.db.QueryRow(
		`SELECT canonical_tiploc FROM tiploc_mapping WHERE source_tiploc = $1 LIMIT 1`,
		source,
	)
	var canonical string
	err := row.Scan(&canonical)
	if err == sql.ErrNoRows {
		return source, nil
	}
	if err != nil {
		return "", fmt.Errorf("querying tiploc mapping: %w", err)
	}
	return canonical, nil
}

func (s *PSQLStorage) LookupStation(key string) (*model.Station, error) {
	canonical, err := s.CanonicalTiploc(strings.ToUpper(strings.TrimSpace(key)))
	if err != nil {
		return nil, err
	}

	station, err := s.stationWhere(`WHERE tiploc = $1 AND active LIMIT 1`, canonical)
	if err == nil {
		return station, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	station, err = s.stationWhere(`WHERE crs = $1 AND active LIMIT 1`, canonical)
	if err == nil {
		return station, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	station, err = s.stationWhere(
		`WHERE lower(name) = lower($1) AND active LIMIT 1`,
		strings.TrimSpace(key),
	)
	if err == nil {
		return station, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	return s.stationWhere(`
WHERE tiploc IN (
    SELECT tiploc FROM station_alias WHERE lower(name) = lower($1)
    ORDER BY is_primary DESC LIMIT 1
) AND active LIMIT 1`,
		strings.TrimSpace(key),
	)
}

func (s *PSQLStorage) AllStations() ([]*model.Station, error) {
	rows, err := s.db.Query(psqlStationSelect + " ORDER BY tiploc")
	if err != nil {
		return nil, fmt.Errorf("querying stations: %w", err)
	}
	defer rows.Close()

	var stations []*model.Station
	for rows.Next() {
		var station model.Station
		err := rows.Scan(
			&station.Tiploc,
			&station.CRS,
			&station.Name,
			&station.Country,
			&station.Region,
			&station.Lat,
			&station.Lon,
			&station.HasCoord,
			&station.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning station: %w", err)
		}
		stations = append(stations, &station)
	}
	return stations, rows.Err()
}

func (s *PSQLStorage) AllAliases() ([]*model.StationAlias, error) {
	rows, err := s.db.Query(`
SELECT tiploc, name, type, is_primary
FROM station_alias
ORDER BY tiploc, name`)
	if err != nil {
		return nil, fmt.Errorf("querying aliases: %w", err)
	}
	defer rows.Close()

	var aliases []*model.StationAlias
	for rows.Next() {
		var alias model.StationAlias
		var aliasType string
		err := rows.Scan(&alias.Tiploc, &alias.Name, &aliasType, &alias.IsPrimary)
		if err != nil {
			return nil, fmt.Errorf("scanning alias: %w", err)
		}
		alias.Type = model.AliasType(aliasType)
		aliases = append(aliases, &alias)
	}
	return aliases, rows.Err()
}

func (s *PSQLStorage) Connections(from, to string) ([]*model.Connection, error) {
	rows, err := s.db.Query(`
SELECT from_tiploc, to_tiploc, mode, duration_minutes, start_time, end_time
FROM connection
WHERE (from_tiploc = $1 AND to_tiploc = $2) OR (from_tiploc = $3 AND to_tiploc = $4)
ORDER BY mode`,
		from, to, to, from)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var conns []*model.Connection
	for rows.Next() {
		var conn model.Connection
		var mode string
		err := rows.Scan(
			&conn.FromTiploc,
			&conn.ToTiploc,
			&mode,
			&conn.DurationMinutes,
			&conn.StartTime,
			&conn.EndTime,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		conn.Mode = model.ConnectionMode(mode)
		conns = append(conns, &conn)
	}
	return conns, rows.Err()
}

func (s *PSQLStorage) Statistics() (*model.StoreStatistics, error) {
	stats := &model.StoreStatistics{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM schedule`, &stats.Schedules},
		{`SELECT COUNT(*) FROM schedule_stop`, &stats.Stops},
		{`SELECT COUNT(*) FROM station`, &stats.Stations},
		{`SELECT COUNT(*) FROM station_alias`, &stats.Aliases},
		{`SELECT COUNT(*) FROM connection`, &stats.Connections},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}

	row := s.db.QueryRow(
		`SELECT success, finished_at FROM import_record ORDER BY id DESC LIMIT 1`,
	)
	err := row.Scan(&stats.LastImportOK, &stats.LastImportAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying last import: %w", err)
	}

	row = s.db.QueryRow(`SELECT pg_database_size(current_database())`)
	if err := row.Scan(&stats.DatabaseSizeByte); err != nil {
		return nil, fmt.Errorf("querying database size: %w", err)
	}

	return stats, nil
}

func (s *PSQLStorage) BeginImport(fileType string, fileHash string) (ImportDecision, error) {
	row := s.db.QueryRow(`
SELECT success FROM import_record
WHERE file_hash = $1 AND file_type = $2
ORDER BY id DESC LIMIT 1`,
		fileHash, fileType)

	var success bool
	err := row.Scan(&success)
	if err == sql.ErrNoRows {
		return ImportAccept, nil
	}
	if err != nil {
		return ImportAccept, fmt.Errorf("querying import record: %w", err)
	}
	if success {
		return ImportDuplicate, nil
	}
	return ImportReplace, nil
}

func (s *PSQLStorage) RecordImport(record *model.ImportRecord) error {
	row := s.db.QueryRow(`
INSERT INTO import_record (
    file_type, file_path, file_hash, file_size,
    sequence_number, generated_date,
    record_count, records_imported,
    started_at, finished_at, success, errors
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id`,
		record.FileType,
		record.FilePath,
		record.FileHash,
		record.FileSize,
		record.SequenceNumber,
		record.GeneratedDate,
		record.RecordCount,
		record.RecordsImported,
		record.StartedAt,
		record.FinishedAt,
		record.Success,
		record.Errors,
	)

	if err := row.Scan(&record.ID); err != nil {
		return fmt.Errorf("writing import record: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ImportHistory() ([]*model.ImportRecord, error) {
	rows, err := s.db.Query(`
SELECT
    id, file_type, file_path, file_hash, file_size,
    sequence_number, generated_date,
    record_count, records_imported,
    started_at, finished_at, success, errors
FROM import_record
ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying import history: %w", err)
	}
	defer rows.Close()

	var records []*model.ImportRecord
	for rows.Next() {
		var rec model.ImportRecord
		err := rows.Scan(
			&rec.ID,
			&rec.FileType,
			&rec.FilePath,
			&rec.FileHash,
			&rec.FileSize,
			&rec.SequenceNumber,
			&rec.GeneratedDate,
			&rec.RecordCount,
			&rec.RecordsImported,
			&rec.StartedAt,
			&rec.FinishedAt,
			&rec.Success,
			&rec.Errors,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning import record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *PSQLStorage) PurgeSchedulesBefore(date string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning purge: %w", err)
	}

	_, err = tx.Exec(`
DELETE FROM schedule_stop
WHERE schedule_id IN (SELECT id FROM schedule WHERE end_date < $1)`, date)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("purging stops: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM schedule WHERE end_date < $1`, date)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("purging schedules: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("purge count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", err)
	}
	return n, nil
}

func (s *PSQLStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}
