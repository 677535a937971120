package resolve

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/kennyphilp/trainsai/model"
	"github.com/kennyphilp/trainsai/storage"
)

const (
	DefaultLimit = 5

	scoreTiploc    = 100
	scoreCRS       = 100
	scoreName      = 95
	scoreAlias     = 90
	prefixScoreMin = 80
	prefixScoreMax = 90
	fuzzyThreshold = 70
)

// Inputs of this shape are identifier codes, not names. Fuzzy
// matching must not hijack them.
var identifierRe = regexp.MustCompile(`^[A-Z0-9]{3,7}$`)

type Match struct {
	Station *model.Station
	Score   int
}

// Resolves free-text queries and identifier codes to canonical
// stations. Holds an in-memory snapshot of the station set; call
// Refresh after imports.
type Resolver struct {
	store storage.Storage

	mu       sync.RWMutex
	stations []*model.Station
	byTiploc map[string]*model.Station
	byCRS    map[string]*model.Station
	aliases  map[string][]*model.StationAlias
}

func NewResolver(store storage.Storage) (*Resolver, error) {
	r := &Resolver{store: store}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reloads the station snapshot from the store.
func (r *Resolver) Refresh() error {
	stations, err := r.store.AllStations()
	if err != nil {
		return err
	}
	aliases, err := r.store.AllAliases()
	if err != nil {
		return err
	}

	byTiploc := make(map[string]*model.Station, len(stations))
	byCRS := make(map[string]*model.Station, len(stations))
	for _, s := range stations {
		byTiploc[s.Tiploc] = s
		if s.CRS != "" {
			if existing, ok := byCRS[s.CRS]; !ok || (!existing.Active && s.Active) {
				byCRS[s.CRS] = s
			}
		}
	}

	byStation := map[string][]*model.StationAlias{}
	for _, a := range aliases {
		byStation[a.Tiploc] = append(byStation[a.Tiploc], a)
	}

	r.mu.Lock()
	r.stations = stations
	r.byTiploc = byTiploc
	r.byCRS = byCRS
	r.aliases = byStation
	r.mu.Unlock()
	return nil
}

// Exact lookup over tiploc, CRS, name and alias, with tiploc mapping
// canonicalization. Delegates to the store, which owns the indexes.
func (r *Resolver) Lookup(key string) (*model.Station, error) {
	return r.store.LookupStation(key)
}

// Ranked search per the resolution order: exact tiploc and CRS, then
// exact name, exact alias, prefix, and finally token-set fuzzy
// matching. Identifier-shaped queries never reach the fuzzy tier.
func (r *Resolver) Search(query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if identifierRe.MatchString(trimmed) {
		return r.searchIdentifier(trimmed, limit)
	}
	return r.searchName(trimmed, limit), nil
}

func (r *Resolver) searchIdentifier(code string, limit int) ([]Match, error) {
	canonical, err := r.store.CanonicalTiploc(code)
	if err != nil {
		return nil, err
	}

	var matches []Match
	seen := map[string]bool{}

	add := func(s *model.Station, score int) {
		if s == nil || seen[s.Tiploc] {
			return
		}
		seen[s.Tiploc] = true
		matches = append(matches, Match{Station: s, Score: score})
	}

	add(r.byTiploc[code], scoreTiploc)
	add(r.byTiploc[canonical], scoreTiploc)
	add(r.byCRS[code], scoreCRS)

	r.sortMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *Resolver) searchName(query string, limit int) []Match {
	folded := foldName(query)

	best := map[string]Match{}
	consider := func(s *model.Station, score int) {
		if score < fuzzyThreshold {
			return
		}
		if prev, ok := best[s.Tiploc]; !ok || score > prev.Score {
			best[s.Tiploc] = Match{Station: s, Score: score}
		}
	}

	for _, s := range r.stations {
		consider(s, r.scoreStation(s, folded))
	}

	matches := make([]Match, 0, len(best))
	for _, m := range best {
		matches = append(matches, m)
	}

	r.sortMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func (r *Resolver) scoreStation(s *model.Station, folded string) int {
	score := 0

	name := foldName(s.Name)
	if name == folded {
		score = scoreName
	} else if strings.HasPrefix(name, folded) {
		score = max(score, prefixScore(folded, name))
	}

	// Primary aliases do not score higher; they win the tie-break in
	// sortMatches so the alias tier stays below exact names.
	for _, a := range r.aliases[s.Tiploc] {
		aliasName := foldName(a.Name)
		if aliasName == folded {
			score = max(score, scoreAlias)
		} else if strings.HasPrefix(aliasName, folded) {
			score = max(score, prefixScore(folded, aliasName))
		}
	}

	if score >= fuzzyThreshold {
		return score
	}

	// Fuzzy tier: token-set ratio over the name and all aliases.
	fz := fuzzy.TokenSetRatio(folded, name)
	for _, a := range r.aliases[s.Tiploc] {
		if ratio := fuzzy.TokenSetRatio(folded, foldName(a.Name)); ratio > fz {
			fz = ratio
		}
	}
	// Fuzzy hits never outrank the exact tiers.
	if fz > scoreAlias-1 {
		fz = scoreAlias - 1
	}
	return max(score, fz)
}

// A station and its great-circle distance from a query point.
type Nearby struct {
	Station    *model.Station
	DistanceKm float64
}

// Stations nearest to a point. Stations without coordinates or no
// longer active are skipped.
func (r *Resolver) Nearest(lat, lon float64, limit int) []Nearby {
	if limit <= 0 {
		limit = DefaultLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var nearby []Nearby
	for _, s := range r.stations {
		if !s.HasCoord || !s.Active {
			continue
		}
		nearby = append(nearby, Nearby{
			Station:    s,
			DistanceKm: storage.HaversineDistance(lat, lon, s.Lat, s.Lon),
		})
	}

	sort.Slice(nearby, func(i, j int) bool {
		if nearby[i].DistanceKm != nearby[j].DistanceKm {
			return nearby[i].DistanceKm < nearby[j].DistanceKm
		}
		return nearby[i].Station.Tiploc < nearby[j].Station.Tiploc
	})

	if len(nearby) > limit {
		nearby = nearby[:limit]
	}
	return nearby
}

// Tie-break: active stations first, then primary alias holders, then
// alphabetical name.
func (r *Resolver) sortMatches(matches []Match) {
	hasPrimary := func(s *model.Station) bool {
		for _, a := range r.aliases[s.Tiploc] {
			if a.IsPrimary {
				return true
			}
		}
		return false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Station.Active != matches[j].Station.Active {
			return matches[i].Station.Active
		}
		pi, pj := hasPrimary(matches[i].Station), hasPrimary(matches[j].Station)
		if pi != pj {
			return pi
		}
		return matches[i].Station.Name < matches[j].Station.Name
	})
}

// Scales 80..90 by how much of the candidate the prefix covers.
func prefixScore(prefix, full string) int {
	if len(full) == 0 {
		return prefixScoreMin
	}
	span := prefixScoreMax - prefixScoreMin
	return prefixScoreMin + span*len(prefix)/len(full)
}

func foldName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
