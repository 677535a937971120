package storage

import (
	"errors"
	"sort"

	"github.com/kennyphilp/trainsai/model"
)

var (
	// Returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")

	// Returned when several schedules of equal STP precedence claim
	// the same train_uid and date. The store refuses to guess.
	ErrAmbiguous = errors.New("ambiguous schedule")
)

// Outcome of BeginImport for a given file hash.
type ImportDecision int

const (
	// No prior import of this content. Proceed.
	ImportAccept ImportDecision = iota

	// A successful import of this content exists. Skip.
	ImportDuplicate

	// A prior import of this content failed. Proceed, replacing
	// the failed record.
	ImportReplace
)

func (d ImportDecision) String() string {
	switch d {
	case ImportDuplicate:
		return "duplicate"
	case ImportReplace:
		return "replace"
	default:
		return "accept"
	}
}

type Storage interface {
	// Single-record writes, used outside bulk imports.
	PutStation(station *model.Station) error
	PutAlias(alias *model.StationAlias) error
	PutMapping(mapping *model.TiplocMapping) error
	PutConnection(conn *model.Connection) error

	// Writes a schedule and its stops atomically. A schedule with
	// the same (train_uid, start_date, stp_indicator) is replaced
	// along with its stops.
	PutSchedule(schedule *model.Schedule, stops []*model.ScheduleStop) error

	// Begins a bulk import. All Put calls on the batch share one
	// transaction; Rollback discards everything since the batch
	// began.
	BeginBatch() (ImportBatch, error)

	// Resolves a train_uid on a service date (YYYYMMDD) to the
	// winning schedule under STP precedence. Returns ErrNotFound
	// when nothing matches or when a cancellation schedule
	// suppresses the date, and ErrAmbiguous on a precedence tie.
	ResolveSchedule(trainUID string, date string) (*model.Schedule, error)

	// All stops for a schedule, ordered by sequence.
	GetStops(scheduleID int64) ([]*model.ScheduleStop, error)

	// Exact-match lookup over tiploc, CRS, name or alias. The key
	// is canonicalized through the tiploc mappings first.
	LookupStation(key string) (*model.Station, error)

	// Full station and alias sets, for the resolver's ranking.
	AllStations() ([]*model.Station, error)
	AllAliases() ([]*model.StationAlias, error)

	// Maps a source tiploc to its canonical form. Returns the
	// input unchanged when no mapping exists.
	CanonicalTiploc(source string) (string, error)

	// Fixed links between two stations, either direction.
	Connections(from, to string) ([]*model.Connection, error)

	// Schedules active on the given date (YYYYMMDD), with STP
	// shadowing applied per train_uid.
	SchedulesActiveOn(date string) ([]*model.Schedule, error)

	Statistics() (*model.StoreStatistics, error)

	// Content-hash dedup for imports.
	BeginImport(fileType string, fileHash string) (ImportDecision, error)
	RecordImport(record *model.ImportRecord) error
	ImportHistory() ([]*model.ImportRecord, error)

	// Deletes schedules whose end_date precedes the given date
	// (YYYYMMDD). Returns the number removed.
	PurgeSchedulesBefore(date string) (int64, error)

	Close() error
}

// Transactional bulk writer for one import. Schedules tend to come in
// files of tens of thousands, so the batch keeps prepared statements
// open for its lifetime.
type ImportBatch interface {
	PutStation(station *model.Station) error
	PutAlias(alias *model.StationAlias) error
	PutMapping(mapping *model.TiplocMapping) error
	PutConnection(conn *model.Connection) error
	PutSchedule(schedule *model.Schedule, stops []*model.ScheduleStop) error
	Commit() error
	Rollback() error
}

var stpRank = map[model.STPIndicator]int{
	model.STPPermanent: 0,
	model.STPNew:       1,
	model.STPOverlay:   2,
	model.STPCancelled: 3,
}

// Picks the winning schedule among candidates sharing a train_uid, for
// one service date. Candidates not active on the date are ignored.
// Returns (nil, nil) when the winner is a cancellation or nothing is
// active, and ErrAmbiguous on a same-precedence tie.
func pickSchedule(candidates []*model.Schedule, date string) (*model.Schedule, error) {
	var winner *model.Schedule
	tied := false
	for _, s := range candidates {
		if !s.ActiveOn(date) {
			continue
		}
		if winner == nil || stpRank[s.STP] > stpRank[winner.STP] {
			winner = s
			tied = false
		} else if stpRank[s.STP] == stpRank[winner.STP] {
			tied = true
		}
	}
	if winner == nil || winner.STP == model.STPCancelled {
		return nil, nil
	}
	if tied {
		return nil, ErrAmbiguous
	}
	return winner, nil
}

// Applies per-uid STP shadowing to a date-range candidate set and
// returns the schedules effectively running on the date, sorted by
// train_uid for stable output.
func activeOn(candidates []*model.Schedule, date string) []*model.Schedule {
	byUID := map[string][]*model.Schedule{}
	for _, s := range candidates {
		byUID[s.TrainUID] = append(byUID[s.TrainUID], s)
	}

	var active []*model.Schedule
	for _, group := range byUID {
		winner, err := pickSchedule(group, date)
		if err != nil || winner == nil {
			continue
		}
		active = append(active, winner)
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].TrainUID < active[j].TrainUID
	})

	return active
}
