package server

import (
	"html/template"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kennyphilp/trainsai/cache"
	"github.com/kennyphilp/trainsai/enrich"
	"github.com/kennyphilp/trainsai/model"
)

const dashboardRecentLimit = 25

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"timefmt": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("15:04:05")
	},
}).Parse(dashboardHTML))

type dashboardData struct {
	Now        time.Time
	Cache      cache.Stats
	Enrichment enrich.Stats
	Recent     []*model.ActiveCancellation
	Routes     []routeEntry
}

func (s *Server) handleDashboard(c echo.Context) error {
	routes := s.cache.ByRoute()
	entries := make([]routeEntry, 0, len(routes))
	for key, stats := range routes {
		entries = append(entries, routeEntry{
			Origin:      key.Origin,
			Destination: key.Destination,
			Count:       stats.Count,
			LastSeen:    stats.LastSeen,
		})
	}
	sortRouteEntries(entries)
	if len(entries) > 10 {
		entries = entries[:10]
	}

	data := dashboardData{
		Now:        time.Now(),
		Cache:      s.cache.Stats(),
		Enrichment: s.engine.Stats(),
		Recent:     s.cache.Recent(dashboardRecentLimit, time.Time{}),
		Routes:     entries,
	}

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return dashboardTmpl.Execute(c.Response(), data)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="30">
<title>Cancellation Tracker</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2em; background: #f7f7f8; color: #222; }
h1 { font-size: 1.4em; }
h2 { font-size: 1.1em; margin-top: 1.6em; }
table { border-collapse: collapse; width: 100%; background: #fff; }
th, td { text-align: left; padding: 0.4em 0.8em; border-bottom: 1px solid #e2e2e6; font-size: 0.9em; }
th { background: #eceff1; }
.cards { display: flex; gap: 1em; flex-wrap: wrap; }
.card { background: #fff; border: 1px solid #e2e2e6; border-radius: 6px; padding: 0.8em 1.2em; min-width: 9em; }
.card .num { font-size: 1.6em; font-weight: 600; }
.card .label { font-size: 0.8em; color: #666; }
.muted { color: #999; }
.tag { display: inline-block; padding: 0 0.4em; border-radius: 3px; font-size: 0.8em; }
.tag.ok { background: #dcedc8; }
.tag.plain { background: #eee; }
footer { margin-top: 2em; font-size: 0.8em; color: #999; }
</style>
</head>
<body>
<h1>Cancellation Tracker</h1>

<div class="cards">
<div class="card"><div class="num">{{.Cache.Total}}</div><div class="label">tracked cancellations</div></div>
<div class="card"><div class="num">{{.Cache.Enriched}}</div><div class="label">enriched</div></div>
<div class="card"><div class="num">{{.Enrichment.DecodedTotal}}</div><div class="label">elements decoded</div></div>
<div class="card"><div class="num">{{.Enrichment.CancellationsTotal}}</div><div class="label">cancellations seen</div></div>
</div>

<h2>Recent cancellations</h2>
<table>
<tr><th>Observed</th><th>RID</th><th>UID</th><th>Operator</th><th>Origin</th><th>Destination</th><th>Reason</th></tr>
{{range .Recent}}
<tr>
<td>{{timefmt .ObservedAt}}</td>
<td>{{.RID}}</td>
<td>{{if .TrainUID}}{{.TrainUID}}{{else}}<span class="muted">-</span>{{end}}</td>
<td>{{if .OperatorCode}}{{.OperatorCode}}{{else}}<span class="muted">-</span>{{end}}</td>
<td>{{if .Origin}}{{if .Origin.StationName}}{{.Origin.StationName}}{{else}}{{.Origin.Tiploc}}{{end}}{{else}}<span class="muted">-</span>{{end}}</td>
<td>{{if .Destination}}{{if .Destination.StationName}}{{.Destination.StationName}}{{else}}{{.Destination.Tiploc}}{{end}}{{else}}<span class="muted">-</span>{{end}}</td>
<td>{{if .ReasonText}}{{.ReasonText}}{{else if .ReasonCode}}code {{.ReasonCode}}{{else}}<span class="muted">-</span>{{end}}</td>
</tr>
{{else}}
<tr><td colspan="7" class="muted">no cancellations observed yet</td></tr>
{{end}}
</table>

<h2>Most cancelled routes</h2>
<table>
<tr><th>Origin</th><th>Destination</th><th>Count</th><th>Last seen</th></tr>
{{range .Routes}}
<tr><td>{{.Origin}}</td><td>{{.Destination}}</td><td>{{.Count}}</td><td>{{timefmt .LastSeen}}</td></tr>
{{else}}
<tr><td colspan="4" class="muted">no enriched routes yet</td></tr>
{{end}}
</table>

<footer>rendered {{.Now.Format "2006-01-02 15:04:05 MST"}}, refreshes every 30s</footer>
</body>
</html>
`
