// Package dashboard implements the dashboard's read operations on top of the
// eCFR API and the locally computed word counts.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ecfr-dashboard/internal/ecfr"
	"ecfr-dashboard/internal/store"
)

const (
	msgAgenciesFailed     = "Failed to fetch agencies"
	msgTitlesFailed       = "Failed to fetch titles"
	msgInvalidTitle       = "Invalid title number"
	msgInvalidParams      = "Invalid request parameters"
	msgTitleUnavailable   = "This title is currently unavailable. Please try again later."
	msgTitleChangesFailed = "Failed to fetch title changes"
	msgChangesParams      = "Either agency or title parameter is required"
	msgChangesFailed      = "Failed to fetch changes data"
	msgAgencyRequired     = "Agency parameter is required"
	msgWordCountsFailed   = "Failed to fetch word count data"
	msgStructureFailed    = "Failed to fetch content structure"
)

// Upstream is the part of the eCFR client the dashboard reads from.
type Upstream interface {
	AgenciesJSON(ctx context.Context) (json.RawMessage, error)
	TitlesJSON(ctx context.Context) (json.RawMessage, error)
	VersionsJSON(ctx context.Context, title int, q ecfr.VersionsQuery) (json.RawMessage, error)
	DailyCountsJSON(ctx context.Context, q ecfr.CountsQuery) (json.RawMessage, error)
}

// WordCountReader reads the counts produced by the refresh pipeline.
type WordCountReader interface {
	LatestWordCounts(ctx context.Context, slug string) (map[int]store.WordCount, error)
}

type Service struct {
	up     Upstream
	counts WordCountReader
	now    func() time.Time
}

func NewService(up Upstream, counts WordCountReader) *Service {
	return &Service{up: up, counts: counts, now: time.Now}
}

// WithClock replaces the clock used for date defaulting.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ListAgencies returns the upstream agencies document unchanged.
func (s *Service) ListAgencies(ctx context.Context) (json.RawMessage, error) {
	raw, err := s.up.AgenciesJSON(ctx)
	if err != nil {
		return nil, internal(msgAgenciesFailed, err)
	}
	return raw, nil
}

// ListTitles returns the upstream titles document unchanged.
func (s *Service) ListTitles(ctx context.Context) (json.RawMessage, error) {
	raw, err := s.up.TitlesJSON(ctx)
	if err != nil {
		return nil, internal(msgTitlesFailed, err)
	}
	return raw, nil
}

// Agencies returns the decoded agency tree.
func (s *Service) Agencies(ctx context.Context) ([]ecfr.Agency, error) {
	raw, err := s.up.AgenciesJSON(ctx)
	if err != nil {
		return nil, internal(msgAgenciesFailed, err)
	}
	agencies, err := ecfr.DecodeAgencies(raw)
	if err != nil {
		return nil, internal(msgAgenciesFailed, err)
	}
	return agencies, nil
}

// ChangesQuery selects either title mode (Title set) or agency mode.
type ChangesQuery struct {
	Title     string
	Agency    string
	StartDate string
	EndDate   string
}

// Changes dispatches to TitleChanges when a title is given, otherwise to
// AgencyChanges. Blank parameters count as absent.
func (s *Service) Changes(ctx context.Context, q ChangesQuery) (any, error) {
	q.Title = strings.TrimSpace(q.Title)
	q.Agency = strings.TrimSpace(q.Agency)
	switch {
	case q.Title != "":
		return s.TitleChanges(ctx, q.Title, q.StartDate, q.EndDate)
	case q.Agency != "":
		return s.AgencyChanges(ctx, q.Agency, q.StartDate, q.EndDate)
	default:
		return nil, badRequest(msgChangesParams)
	}
}

// TitleChanges returns the upstream content versions of a title. Dates are
// forwarded only when given.
func (s *Service) TitleChanges(ctx context.Context, title, startDate, endDate string) (json.RawMessage, error) {
	n, err := ParseTitleNumber(title)
	if err != nil {
		return nil, err
	}
	raw, err := s.up.VersionsJSON(ctx, n, ecfr.VersionsQuery{IssuedOnOrAfter: startDate, IssuedOnOrBefore: endDate})
	if err != nil {
		return nil, titleError(err)
	}
	return raw, nil
}

// TitleVersions is TitleChanges decoded for rendering.
func (s *Service) TitleVersions(ctx context.Context, title, startDate, endDate string) (*ecfr.VersionsResponse, error) {
	raw, err := s.TitleChanges(ctx, title, startDate, endDate)
	if err != nil {
		return nil, err
	}
	var out ecfr.VersionsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, internal(msgTitleChangesFailed, err)
	}
	return &out, nil
}

// ParseTitleNumber accepts a positive base-10 integer.
func ParseTitleNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, badRequest(msgInvalidTitle)
	}
	return n, nil
}

func titleError(err error) *Error {
	switch {
	case ecfr.StatusOf(err) == http.StatusBadRequest:
		msg := msgInvalidParams
		var se *ecfr.StatusError
		if errors.As(err, &se) {
			if m := se.Message(); m != "" {
				msg = m
			}
		}
		return &Error{Status: http.StatusBadRequest, Message: msg, Err: err}
	case ecfr.IsUnavailable(err):
		return &Error{Status: http.StatusServiceUnavailable, Message: msgTitleUnavailable, Err: err}
	default:
		return internal(msgTitleChangesFailed, err)
	}
}

// Period is an inclusive date range in YYYY-MM-DD form.
type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// AgencyChanges is the agency-mode changes response.
type AgencyChanges struct {
	Agency  string          `json:"agency"`
	Slug    string          `json:"slug"`
	Period  Period          `json:"period"`
	Changes json.RawMessage `json:"changes"`
}

// AgencyChanges resolves the agency and returns its daily change counts over
// the requested period, defaulting to the trailing year.
func (s *Service) AgencyChanges(ctx context.Context, query, startDate, endDate string) (*AgencyChanges, error) {
	if strings.TrimSpace(query) == "" {
		return nil, badRequest(msgAgencyRequired)
	}
	agency, err := s.findAgency(ctx, query, msgChangesFailed)
	if err != nil {
		return nil, err
	}
	period := DefaultRange(s.now(), startDate, endDate)
	raw, err := s.up.DailyCountsJSON(ctx, ecfr.CountsQuery{
		AgencySlug:     agency.Slug,
		ModifiedAfter:  period.Start,
		ModifiedBefore: period.End,
	})
	if err != nil {
		return nil, internal(msgChangesFailed, err)
	}
	return &AgencyChanges{Agency: agency.Name, Slug: agency.Slug, Period: period, Changes: raw}, nil
}

// DefaultRange fills in a missing end with today and a missing start with
// today one year ago, both in UTC.
func DefaultRange(now time.Time, startDate, endDate string) Period {
	today := now.UTC()
	p := Period{Start: startDate, End: endDate}
	if p.End == "" {
		p.End = today.Format(time.DateOnly)
	}
	if p.Start == "" {
		p.Start = today.AddDate(-1, 0, 0).Format(time.DateOnly)
	}
	return p
}

// TitleCount is one title's share of an agency's word count.
type TitleCount struct {
	Title     int    `json:"title"`
	Name      string `json:"name"`
	WordCount int    `json:"wordCount"`
	Computed  bool   `json:"computed"`
	AsOf      string `json:"asOf,omitempty"`
}

// WordCounts is the word count response for one agency.
type WordCounts struct {
	Agency         string       `json:"agency"`
	Slug           string       `json:"slug"`
	TotalWordCount int          `json:"totalWordCount"`
	TitleCounts    []TitleCount `json:"titleCounts"`
}

// WordCounts lists the titles the agency references with their stored
// counts. Titles not yet counted by a refresh report zero and
// computed=false.
func (s *Service) WordCounts(ctx context.Context, query string) (*WordCounts, error) {
	if strings.TrimSpace(query) == "" {
		return nil, badRequest(msgAgencyRequired)
	}
	agency, err := s.findAgency(ctx, query, msgWordCountsFailed)
	if err != nil {
		return nil, err
	}
	titles, err := s.titles(ctx, msgWordCountsFailed)
	if err != nil {
		return nil, err
	}
	stored, err := s.counts.LatestWordCounts(ctx, agency.Slug)
	if err != nil {
		return nil, internal(msgWordCountsFailed, err)
	}

	out := &WordCounts{Agency: agency.Name, Slug: agency.Slug, TitleCounts: []TitleCount{}}
	for _, t := range ecfr.TitlesForAgency(agency, titles) {
		tc := TitleCount{Title: t.Number, Name: t.Name}
		if c, ok := stored[t.Number]; ok {
			tc.WordCount = c.Words
			tc.Computed = true
			tc.AsOf = c.Date
			out.TotalWordCount += c.Words
		}
		out.TitleCounts = append(out.TitleCounts, tc)
	}
	return out, nil
}

// StructureTitle is a referenced title with the chapters the agency owns.
type StructureTitle struct {
	Number       int      `json:"number"`
	Name         string   `json:"name"`
	UpToDateAsOf string   `json:"up_to_date_as_of"`
	Chapters     []string `json:"chapters"`
}

type AgencyRef struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Structure is the content structure response for one agency.
type Structure struct {
	Agency   string           `json:"agency"`
	Slug     string           `json:"slug"`
	Titles   []StructureTitle `json:"titles"`
	Children []AgencyRef      `json:"children"`
}

// ContentStructure returns the titles and chapters an agency is responsible
// for, and its direct sub-agencies.
func (s *Service) ContentStructure(ctx context.Context, query string) (*Structure, error) {
	if strings.TrimSpace(query) == "" {
		return nil, badRequest(msgAgencyRequired)
	}
	agency, err := s.findAgency(ctx, query, msgStructureFailed)
	if err != nil {
		return nil, err
	}
	titles, err := s.titles(ctx, msgStructureFailed)
	if err != nil {
		return nil, err
	}

	out := &Structure{Agency: agency.Name, Slug: agency.Slug, Titles: []StructureTitle{}, Children: []AgencyRef{}}
	for _, t := range ecfr.TitlesForAgency(agency, titles) {
		chapters, _ := ecfr.ChaptersForTitle(agency, t.Number)
		out.Titles = append(out.Titles, StructureTitle{
			Number:       t.Number,
			Name:         t.Name,
			UpToDateAsOf: t.UpToDateAsOf,
			Chapters:     chapters,
		})
	}
	for _, c := range agency.Children {
		out.Children = append(out.Children, AgencyRef{Name: c.Name, Slug: c.Slug})
	}
	return out, nil
}

func (s *Service) findAgency(ctx context.Context, query, failMsg string) (ecfr.Agency, error) {
	raw, err := s.up.AgenciesJSON(ctx)
	if err != nil {
		return ecfr.Agency{}, internal(failMsg, err)
	}
	agencies, err := ecfr.DecodeAgencies(raw)
	if err != nil {
		return ecfr.Agency{}, internal(failMsg, err)
	}
	agency, ok := ecfr.FindAgency(agencies, query)
	if !ok {
		return ecfr.Agency{}, notFound(fmt.Sprintf("Agency not found: %s", query))
	}
	return agency, nil
}

func (s *Service) titles(ctx context.Context, failMsg string) ([]ecfr.Title, error) {
	raw, err := s.up.TitlesJSON(ctx)
	if err != nil {
		return nil, internal(failMsg, err)
	}
	titles, err := ecfr.DecodeTitles(raw)
	if err != nil {
		return nil, internal(failMsg, err)
	}
	return titles, nil
}
