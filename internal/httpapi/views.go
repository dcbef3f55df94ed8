package httpapi

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"ecfr-dashboard/internal/dashboard"
	"ecfr-dashboard/internal/ecfr"
	"ecfr-dashboard/internal/logging"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	analysisWordCount = "wordCount"
	analysisChanges   = "historicalChanges"
	analysisStructure = "contentStructure"
)

type views struct {
	index  *template.Template
	titles *template.Template
}

var viewFuncs = template.FuncMap{
	"statusLabel": statusLabel,
	"statusClass": statusClass,
}

func loadViews() *views {
	page := func(name string) *template.Template {
		return template.Must(template.New("layout.html").Funcs(viewFuncs).
			ParseFS(templateFS, "templates/layout.html", "templates/"+name))
	}
	return &views{index: page("index.html"), titles: page("titles.html")}
}

// agencyRow is one line of the nested agency table.
type agencyRow struct {
	Depth       int
	Indent      int
	DisplayName string
	ShortName   string
	CFR         string
}

type changeRow struct {
	Date  string
	Count int
}

type changesView struct {
	Agency string
	Period dashboard.Period
	Rows   []changeRow
	Total  int
}

type indexPage struct {
	Nav        string
	Agency     string
	Analysis   string
	Error      string
	WordCounts *dashboard.WordCounts
	Changes    *changesView
	Structure  *dashboard.Structure
	Agencies   []agencyRow
}

type titlesPage struct {
	Nav       string
	Title     string
	StartDate string
	EndDate   string
	Error     string
	Results   *ecfr.VersionsResponse
}

func (h *handler) index(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := indexPage{
		Nav:      "agencies",
		Agency:   strings.TrimSpace(q.Get("agency")),
		Analysis: q.Get("analysis"),
	}
	status := http.StatusOK
	if err := h.analyse(r, &p); err != nil {
		e := dashboard.AsError(err)
		status, p.Error = e.Status, e.Message
		if e.Err != nil {
			logging.FromContext(r.Context()).Error("analysis failed",
				slog.String("analysis", p.Analysis), slog.Any("error", err))
		}
	}
	h.render(w, r, h.views.index, status, p)
}

func (h *handler) analyse(r *http.Request, p *indexPage) error {
	ctx := r.Context()
	switch p.Analysis {
	case "":
		return nil
	case analysisStructure:
		agencies, err := h.Service.Agencies(ctx)
		if err != nil {
			return err
		}
		p.Agencies = agencyRows(agencies)
		if p.Agency == "" {
			return nil
		}
		p.Structure, err = h.Service.ContentStructure(ctx, p.Agency)
		return err
	case analysisWordCount:
		if p.Agency == "" {
			return &dashboard.Error{Status: http.StatusBadRequest, Message: "Agency parameter is required"}
		}
		var err error
		p.WordCounts, err = h.Service.WordCounts(ctx, p.Agency)
		return err
	case analysisChanges:
		if p.Agency == "" {
			return &dashboard.Error{Status: http.StatusBadRequest, Message: "Agency parameter is required"}
		}
		res, err := h.Service.AgencyChanges(ctx, p.Agency, "", "")
		if err != nil {
			return err
		}
		p.Changes, err = newChangesView(res)
		return err
	default:
		return &dashboard.Error{Status: http.StatusBadRequest, Message: "Unknown analysis: " + p.Analysis}
	}
}

// newChangesView lists the daily counts newest first.
func newChangesView(res *dashboard.AgencyChanges) (*changesView, error) {
	var counts ecfr.DailyCounts
	if err := json.Unmarshal(res.Changes, &counts); err != nil {
		return nil, &dashboard.Error{
			Status:  http.StatusInternalServerError,
			Message: "Failed to fetch changes data",
			Err:     err,
		}
	}
	v := &changesView{Agency: res.Agency, Period: res.Period, Rows: make([]changeRow, 0, len(counts.Dates))}
	for date, n := range counts.Dates {
		v.Rows = append(v.Rows, changeRow{Date: date, Count: n})
		v.Total += n
	}
	sort.Slice(v.Rows, func(i, j int) bool { return v.Rows[i].Date > v.Rows[j].Date })
	return v, nil
}

// agencyRows flattens the tree depth-first, each child following its parent.
func agencyRows(agencies []ecfr.Agency) []agencyRow {
	var rows []agencyRow
	var walk func(list []ecfr.Agency, depth int)
	walk = func(list []ecfr.Agency, depth int) {
		for _, a := range list {
			cfr := "N/A"
			if len(a.CFRReferences) > 0 {
				cfr = formatCFR(a.CFRReferences[0])
			}
			rows = append(rows, agencyRow{
				Depth:       depth,
				Indent:      depth * 24,
				DisplayName: a.DisplayName,
				ShortName:   a.ShortName,
				CFR:         cfr,
			})
			walk(a.Children, depth+1)
		}
	}
	walk(agencies, 0)
	return rows
}

func formatCFR(ref ecfr.CFRRef) string {
	return fmt.Sprintf("%d CFR Chapter %s", ref.Title, ref.Chapter)
}

func (h *handler) titlesPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := titlesPage{
		Nav:       "titles",
		Title:     strings.TrimSpace(q.Get("title")),
		StartDate: q.Get("startDate"),
		EndDate:   q.Get("endDate"),
	}
	status := http.StatusOK
	switch {
	case !q.Has("title"):
	case p.Title == "":
		status, p.Error = http.StatusBadRequest, "Title number is required"
	default:
		res, err := h.Service.TitleVersions(r.Context(), p.Title, p.StartDate, p.EndDate)
		if err != nil {
			e := dashboard.AsError(err)
			status, p.Error = e.Status, e.Message
			if e.Err != nil {
				logging.FromContext(r.Context()).Error("title changes failed",
					slog.String("title", p.Title), slog.Any("error", err))
			}
			break
		}
		p.Results = res
	}
	h.render(w, r, h.views.titles, status, p)
}

func statusLabel(v ecfr.ContentVersion) string {
	switch {
	case v.Removed:
		return "Removed"
	case v.Substantive:
		return "Substantive Change"
	default:
		return "Editorial Change"
	}
}

func statusClass(v ecfr.ContentVersion) string {
	switch {
	case v.Removed:
		return "removed"
	case v.Substantive:
		return "substantive"
	default:
		return "editorial"
	}
}

// render executes into a buffer so a template failure still yields a clean
// 500 instead of a truncated page.
func (h *handler) render(w http.ResponseWriter, r *http.Request, t *template.Template, status int, data any) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		logging.FromContext(r.Context()).Error("render failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
