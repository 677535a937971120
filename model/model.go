package model

import (
	"strconv"
	"time"
)

// Holds all external facing types and constants.

type ServiceType int

const (
	ServiceTypePassenger ServiceType = iota
	ServiceTypeFreight
	ServiceTypeOther
)

func (t ServiceType) String() string {
	switch t {
	case ServiceTypePassenger:
		return "passenger"
	case ServiceTypeFreight:
		return "freight"
	default:
		return "other"
	}
}

// STP (short term planning) indicator. Precedence when several
// schedules share a train_uid and date: Cancelled > Overlay > New >
// Permanent.
type STPIndicator int

const (
	STPPermanent STPIndicator = iota
	STPNew
	STPOverlay
	STPCancelled
)

func (s STPIndicator) String() string {
	switch s {
	case STPCancelled:
		return "cancelled"
	case STPOverlay:
		return "overlay"
	case STPNew:
		return "new"
	default:
		return "permanent"
	}
}

type StopType int

const (
	StopTypeOrigin StopType = iota
	StopTypeIntermediate
	StopTypeTerminus
	StopTypePass
)

func (s StopType) String() string {
	switch s {
	case StopTypeOrigin:
		return "origin"
	case StopTypeIntermediate:
		return "intermediate"
	case StopTypeTerminus:
		return "terminus"
	default:
		return "pass"
	}
}

type AliasType string

const (
	AliasCommon     AliasType = "common"
	AliasOfficial   AliasType = "official"
	AliasHistorical AliasType = "historical"
	AliasColloquial AliasType = "colloquial"
)

type ConnectionMode string

const (
	ConnectionWalk        ConnectionMode = "walk"
	ConnectionInterchange ConnectionMode = "interchange"
)

type Station struct {
	Tiploc   string
	CRS      string
	Name     string
	Country  string
	Region   string
	Lat      float64
	Lon      float64
	HasCoord bool
	Active   bool
}

type StationAlias struct {
	Tiploc    string
	Name      string
	Type      AliasType
	IsPrimary bool
}

// Normalizes malformed or legacy timing point codes on ingest.
type TiplocMapping struct {
	SourceTiploc    string
	CanonicalTiploc string
	DataSource      string
	Reason          string
}

// Dates are "YYYYMMDD". DaysRun is a 7-character mask of '0'/'1'
// characters, Monday first.
type Schedule struct {
	ID           int64
	TrainUID     string
	Headcode     string
	OperatorCode string
	ServiceType  ServiceType
	StartDate    string
	EndDate      string
	DaysRun      string
	STP          STPIndicator
	Speed        string
	TrainClass   string
	Sleepers     string
	Reservations string
	Catering     string
}

// Reports whether the schedule runs on the given date, honouring the
// date range and the days-run mask. STP shadowing between schedules is
// the store's concern, not this method's.
func (s *Schedule) ActiveOn(date string) bool {
	if len(s.DaysRun) != 7 {
		return false
	}
	if date < s.StartDate || date > s.EndDate {
		return false
	}
	t, err := time.Parse("20060102", date)
	if err != nil {
		return false
	}
	// time.Weekday has Sunday=0, the mask has Monday first.
	day := (int(t.Weekday()) + 6) % 7
	return s.DaysRun[day] == '1'
}

// Times are "HH:MM", 24 hour. An arrival earlier than the previous
// departure means the service crosses midnight.
type ScheduleStop struct {
	ScheduleID int64
	Sequence   int
	Tiploc     string
	Type       StopType
	Arrival    string
	Departure  string
	PassTime   string
	Platform   string
	Activities string
}

func parseHHMM(s string) (time.Duration, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h, err := strconv.Atoi(s[0:2])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(s[3:5])
	if err != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, true
}

func (st *ScheduleStop) ArrivalTime() (time.Duration, bool) {
	return parseHHMM(st.Arrival)
}

func (st *ScheduleStop) DepartureTime() (time.Duration, bool) {
	return parseHHMM(st.Departure)
}

// Fixed link between two stations, from the ALF reference data.
type Connection struct {
	FromTiploc      string
	ToTiploc        string
	Mode            ConnectionMode
	DurationMinutes int
	StartTime       string
	EndTime         string
}

// One endpoint of a cancelled service, projected from its schedule.
type Endpoint struct {
	Tiploc             string `json:"tiploc"`
	StationName        string `json:"station_name,omitempty"`
	ScheduledDeparture string `json:"scheduled_departure,omitempty"`
	ScheduledArrival   string `json:"scheduled_arrival,omitempty"`
	Platform           string `json:"platform,omitempty"`
}

type CallingPoint struct {
	Tiploc      string `json:"tiploc"`
	StationName string `json:"station_name,omitempty"`
	Arrival     string `json:"arrival,omitempty"`
	Departure   string `json:"departure,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// A cancellation observed on the push port feed. Schedule derived
// fields are value copies taken at enrichment time and are only set
// when Enriched is true.
type ActiveCancellation struct {
	RID              string         `json:"rid"`
	TrainServiceCode string         `json:"train_service_code,omitempty"`
	ReasonCode       string         `json:"reason_code,omitempty"`
	ReasonText       string         `json:"reason_text,omitempty"`
	ObservedAt       time.Time      `json:"observed_at"`
	Enriched         bool           `json:"darwin_enriched"`
	TrainUID         string         `json:"train_uid,omitempty"`
	Headcode         string         `json:"headcode,omitempty"`
	OperatorCode     string         `json:"operator_code,omitempty"`
	ServiceDate      string         `json:"service_date,omitempty"`
	Origin           *Endpoint      `json:"origin,omitempty"`
	Destination      *Endpoint      `json:"destination,omitempty"`
	CallingPoints    []CallingPoint `json:"calling_points,omitempty"`
}

type ImportRecord struct {
	ID              int64
	FileType        string
	FilePath        string
	FileHash        string
	FileSize        int64
	SequenceNumber  int
	GeneratedDate   string
	RecordCount     int
	RecordsImported int
	StartedAt       time.Time
	FinishedAt      time.Time
	Success         bool
	Errors          string
}

// Store wide totals surfaced on the stats endpoint and the import CLI.
type StoreStatistics struct {
	Schedules        int64
	Stops            int64
	Stations         int64
	Aliases          int64
	Connections      int64
	LastImportOK     bool
	LastImportAt     time.Time
	DatabaseSizeByte int64
}
