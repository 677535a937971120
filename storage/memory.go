package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/kennyphilp/trainsai/model"
)

// In-memory store for tests and experimentation. Mirrors the SQL
// backends' semantics, including batch rollback, by staging batch
// writes until Commit.
type MemoryStorage struct {
	mu sync.RWMutex

	stations    map[string]*model.Station
	aliases     map[string][]*model.StationAlias
	mappings    map[string]string
	connections []*model.Connection
	schedules   map[int64]*model.Schedule
	stops       map[int64][]*model.ScheduleStop
	imports     []*model.ImportRecord

	nextScheduleID int64
	nextImportID   int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		stations:       map[string]*model.Station{},
		aliases:        map[string][]*model.StationAlias{},
		mappings:       map[string]string{},
		schedules:      map[int64]*model.Schedule{},
		stops:          map[int64][]*model.ScheduleStop{},
		nextScheduleID: 1,
		nextImportID:   1,
	}
}

func (m *MemoryStorage) putStationLocked(station *model.Station) {
	cp := *station
	cp.CRS = strings.ToUpper(cp.CRS)
	m.stations[cp.Tiploc] = &cp
}

func (m *MemoryStorage) putAliasLocked(alias *model.StationAlias) {
	cp := *alias
	if cp.IsPrimary {
		for _, a := range m.aliases[cp.Tiploc] {
			a.IsPrimary = false
		}
	}
	for i, a := range m.aliases[cp.Tiploc] {
		if a.Name == cp.Name {
			m.aliases[cp.Tiploc][i] = &cp
			return
		}
	}
	m.aliases[cp.Tiploc] = append(m.aliases[cp.Tiploc], &cp)
}

func (m *MemoryStorage) putMappingLocked(mapping *model.TiplocMapping) {
	m.mappings[mapping.SourceTiploc] = mapping.CanonicalTiploc
}

func (m *MemoryStorage) putConnectionLocked(conn *model.Connection) {
	cp := *conn
	for i, c := range m.connections {
		if c.FromTiploc == cp.FromTiploc && c.ToTiploc == cp.ToTiploc && c.Mode == cp.Mode {
			m.connections[i] = &cp
			return
		}
	}
	m.connections = append(m.connections, &cp)
}

func (m *MemoryStorage) putScheduleLocked(schedule *model.Schedule, stops []*model.ScheduleStop) {
	for id, s := range m.schedules {
		if s.TrainUID == schedule.TrainUID &&
			s.StartDate == schedule.StartDate &&
			s.STP == schedule.STP {
			delete(m.schedules, id)
			delete(m.stops, id)
		}
	}

	cp := *schedule
	cp.ID = m.nextScheduleID
	m.nextScheduleID++
	schedule.ID = cp.ID
	m.schedules[cp.ID] = &cp

	owned := make([]*model.ScheduleStop, 0, len(stops))
	for _, stop := range stops {
		sc := *stop
		sc.ScheduleID = cp.ID
		stop.ScheduleID = cp.ID
		owned = append(owned, &sc)
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].Sequence < owned[j].Sequence
	})
	m.stops[cp.ID] = owned
}

func (m *MemoryStorage) PutStation(station *model.Station) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putStationLocked(station)
	return nil
}

func (m *MemoryStorage) PutAlias(alias *model.StationAlias) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAliasLocked(alias)
	return nil
}

func (m *MemoryStorage) PutMapping(mapping *model.TiplocMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putMappingLocked(mapping)
	return nil
}

func (m *MemoryStorage) PutConnection(conn *model.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putConnectionLocked(conn)
	return nil
}

func (m *MemoryStorage) PutSchedule(schedule *model.Schedule, stops []*model.ScheduleStop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putScheduleLocked(schedule, stops)
	return nil
}

type memoryBatchOp func(m *MemoryStorage)

type memoryBatch struct {
	store *MemoryStorage
	ops   []memoryBatchOp
	done  bool
}

func (m *MemoryStorage) BeginBatch() (ImportBatch, error) {
	return &memoryBatch{store: m}, nil
}

func (b *memoryBatch) PutStation(station *model.Station) error {
	cp := *station
	b.ops = append(b.ops, func(m *MemoryStorage) { m.putStationLocked(&cp) })
	return nil
}

func (b *memoryBatch) PutAlias(alias *model.StationAlias) error {
	cp := *alias
	b.ops = append(b.ops, func(m *MemoryStorage) { m.putAliasLocked(&cp) })
	return nil
}

func (b *memoryBatch) PutMapping(mapping *model.TiplocMapping) error {
	cp := *mapping
	b.ops = append(b.ops, func(m *MemoryStorage) { m.putMappingLocked(&cp) })
	return nil
}

func (b *memoryBatch) PutConnection(conn *model.Connection) error {
	cp := *conn
	b.ops = append(b.ops, func(m *MemoryStorage) { m.putConnectionLocked(&cp) })
	return nil
}

func (b *memoryBatch) PutSchedule(schedule *model.Schedule, stops []*model.ScheduleStop) error {
	sc := *schedule
	owned := make([]*model.ScheduleStop, 0, len(stops))
	for _, stop := range stops {
		cp := *stop
		owned = append(owned, &cp)
	}
	b.ops = append(b.ops, func(m *MemoryStorage) { m.putScheduleLocked(&sc, owned) })
	return nil
}

func (b *memoryBatch) Commit() error {
	if b.done {
		return nil
	}
	b.done = true

	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		op(b.store)
	}
	b.ops = nil
	return nil
}

func (b *memoryBatch) Rollback() error {
	b.done = true
	b.ops = nil
	return nil
}

func (m *MemoryStorage) ResolveSchedule(trainUID string, date string) (*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*model.Schedule
	for _, s := range m.schedules {
		if s.TrainUID == trainUID {
			candidates = append(candidates, s)
		}
	}

	winner, err := pickSchedule(candidates, date)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, ErrNotFound
	}
	cp := *winner
	return &cp, nil
}

func (m *MemoryStorage) SchedulesActiveOn(date string) ([]*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*model.Schedule
	for _, s := range m.schedules {
		candidates = append(candidates, s)
	}

	active := activeOn(candidates, date)
	out := make([]*model.Schedule, 0, len(active))
	for _, s := range active {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStorage) GetStops(scheduleID int64) ([]*model.ScheduleStop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stops := m.stops[scheduleID]
	out := make([]*model.ScheduleStop, 0, len(stops))
	for _, stop := range stops {
		cp := *stop
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStorage) CanonicalTiploc(source string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if canonical, ok := m.mappings[source]; ok {
		return canonical, nil
	}
	return source, nil
}

func (m *MemoryStorage) LookupStation(key string) (*model.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	upper := strings.ToUpper(strings.TrimSpace(key))
	canonical := upper
	if mapped, ok := m.mappings[upper]; ok {
		canonical = mapped
	}

	if s, ok := m.stations[canonical]; ok && s.Active {
		cp := *s
		return &cp, nil
	}

	for _, s := range m.stations {
		if s.Active && s.CRS != "" && s.CRS == canonical {
			cp := *s
			return &cp, nil
		}
	}

	name := strings.TrimSpace(key)
	for _, s := range m.stations {
		if s.Active && strings.EqualFold(s.Name, name) {
			cp := *s
			return &cp, nil
		}
	}

	// Prefer primary aliases when several match.
	var hit *model.Station
	for tiploc, aliases := range m.aliases {
		for _, a := range aliases {
			if !strings.EqualFold(a.Name, name) {
				continue
			}
			s, ok := m.stations[tiploc]
			if !ok || !s.Active {
				continue
			}
			if hit == nil || a.IsPrimary {
				hit = s
			}
		}
	}
	if hit != nil {
		cp := *hit
		return &cp, nil
	}

	return nil, ErrNotFound
}

func (m *MemoryStorage) AllStations() ([]*model.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Station, 0, len(m.stations))
	for _, s := range m.stations {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tiploc < out[j].Tiploc })
	return out, nil
}

func (m *MemoryStorage) AllAliases() ([]*model.StationAlias, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.StationAlias
	for _, aliases := range m.aliases {
		for _, a := range aliases {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tiploc != out[j].Tiploc {
			return out[i].Tiploc < out[j].Tiploc
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStorage) Connections(from, to string) ([]*model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Connection
	for _, c := range m.connections {
		if (c.FromTiploc == from && c.ToTiploc == to) ||
			(c.FromTiploc == to && c.ToTiploc == from) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mode < out[j].Mode })
	return out, nil
}

func (m *MemoryStorage) Statistics() (*model.StoreStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &model.StoreStatistics{
		Schedules:   int64(len(m.schedules)),
		Stations:    int64(len(m.stations)),
		Connections: int64(len(m.connections)),
	}
	for _, stops := range m.stops {
		stats.Stops += int64(len(stops))
	}
	for _, aliases := range m.aliases {
		stats.Aliases += int64(len(aliases))
	}
	if len(m.imports) > 0 {
		last := m.imports[len(m.imports)-1]
		stats.LastImportOK = last.Success
		stats.LastImportAt = last.FinishedAt
	}
	return stats, nil
}

func (m *MemoryStorage) BeginImport(fileType string, fileHash string) (ImportDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.imports) - 1; i >= 0; i-- {
		rec := m.imports[i]
		if rec.FileHash == fileHash && rec.FileType == fileType {
			if rec.Success {
				return ImportDuplicate, nil
			}
			return ImportReplace, nil
		}
	}
	return ImportAccept, nil
}

func (m *MemoryStorage) RecordImport(record *model.ImportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *record
	cp.ID = m.nextImportID
	m.nextImportID++
	record.ID = cp.ID
	m.imports = append(m.imports, &cp)
	return nil
}

func (m *MemoryStorage) ImportHistory() ([]*model.ImportRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.ImportRecord, 0, len(m.imports))
	for i := len(m.imports) - 1; i >= 0; i-- {
		cp := *m.imports[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStorage) PurgeSchedulesBefore(date string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.schedules {
		if s.EndDate < date {
			delete(m.schedules, id)
			delete(m.stops, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
