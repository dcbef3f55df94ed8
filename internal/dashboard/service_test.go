package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecfr-dashboard/internal/ecfr"
	"ecfr-dashboard/internal/store"
)

const agenciesDoc = `{"agencies":[
  {"name":"Department of Agriculture","short_name":"USDA","display_name":"Agriculture Department","slug":"agriculture-department",
   "cfr_references":[{"title":2,"chapter":"IV"},{"title":7,"chapter":"I"},{"title":7,"chapter":"II"}],
   "children":[{"name":"Forest Service","slug":"forest-service","cfr_references":[{"title":36,"chapter":"II"}],"children":[]}]},
  {"name":"Department of Energy","slug":"energy-department","cfr_references":[{"title":10}],"children":[]}
]}`

const titlesDoc = `{"titles":[
  {"number":2,"name":"Grants and Agreements","up_to_date_as_of":"2025-01-02","reserved":false},
  {"number":7,"name":"Agriculture","up_to_date_as_of":"2025-01-03","reserved":false},
  {"number":10,"name":"Energy","up_to_date_as_of":"2025-01-03","reserved":false}
]}`

type fakeUpstream struct {
	agenciesErr error
	titlesErr   error
	versionsErr error
	countsErr   error

	versionsTitle int
	versionsQuery ecfr.VersionsQuery
	countsQuery   ecfr.CountsQuery
}

func (f *fakeUpstream) AgenciesJSON(context.Context) (json.RawMessage, error) {
	if f.agenciesErr != nil {
		return nil, f.agenciesErr
	}
	return json.RawMessage(agenciesDoc), nil
}

func (f *fakeUpstream) TitlesJSON(context.Context) (json.RawMessage, error) {
	if f.titlesErr != nil {
		return nil, f.titlesErr
	}
	return json.RawMessage(titlesDoc), nil
}

func (f *fakeUpstream) VersionsJSON(_ context.Context, title int, q ecfr.VersionsQuery) (json.RawMessage, error) {
	f.versionsTitle, f.versionsQuery = title, q
	if f.versionsErr != nil {
		return nil, f.versionsErr
	}
	return json.RawMessage(`{"content_versions":[{"date":"2024-03-01","identifier":"1.1","substantive":true}],"meta":{"title":"7","result_count":1}}`), nil
}

func (f *fakeUpstream) DailyCountsJSON(_ context.Context, q ecfr.CountsQuery) (json.RawMessage, error) {
	f.countsQuery = q
	if f.countsErr != nil {
		return nil, f.countsErr
	}
	return json.RawMessage(`{"dates":{"2024-06-01":4}}`), nil
}

type fakeCounts struct {
	counts map[string]map[int]store.WordCount
	err    error
}

func (f fakeCounts) LatestWordCounts(_ context.Context, slug string) (map[int]store.WordCount, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.counts[slug], nil
}

var fixedNow = time.Date(2025, 3, 15, 18, 30, 0, 0, time.UTC)

func newService(up *fakeUpstream, counts WordCountReader) *Service {
	if counts == nil {
		counts = fakeCounts{}
	}
	return NewService(up, counts).WithClock(func() time.Time { return fixedNow })
}

func requireStatus(t *testing.T, err error, status int, msg string) {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "want *Error, got %T", err)
	assert.Equal(t, status, e.Status)
	assert.Equal(t, msg, e.Message)
}

func statusErr(code int, body string) error {
	return &ecfr.StatusError{Op: "versions", StatusCode: code, Body: []byte(body)}
}

func TestListAgencies(t *testing.T) {
	svc := newService(&fakeUpstream{}, nil)
	raw, err := svc.ListAgencies(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, agenciesDoc, string(raw))

	svc = newService(&fakeUpstream{agenciesErr: errors.New("boom")}, nil)
	_, err = svc.ListAgencies(context.Background())
	requireStatus(t, err, http.StatusInternalServerError, "Failed to fetch agencies")
}

func TestChangesRequiresAParameter(t *testing.T) {
	tests := []struct {
		name string
		q    ChangesQuery
	}{
		{"none", ChangesQuery{StartDate: "2024-01-01"}},
		{"blank agency", ChangesQuery{Agency: " "}},
		{"blank title", ChangesQuery{Title: "\t"}},
		{"both blank", ChangesQuery{Title: " ", Agency: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newService(&fakeUpstream{}, nil).Changes(context.Background(), tt.q)
			requireStatus(t, err, http.StatusBadRequest, "Either agency or title parameter is required")
		})
	}
}

func TestChangesTrimsParameters(t *testing.T) {
	up := &fakeUpstream{}
	svc := newService(up, nil)

	_, err := svc.Changes(context.Background(), ChangesQuery{Title: " 7 "})
	require.NoError(t, err)
	assert.Equal(t, 7, up.versionsTitle)

	out, err := svc.Changes(context.Background(), ChangesQuery{Title: " ", Agency: " Forest-Service "})
	require.NoError(t, err)
	assert.Equal(t, "forest-service", out.(*AgencyChanges).Slug)
}

func TestTitleChanges(t *testing.T) {
	up := &fakeUpstream{}
	svc := newService(up, nil)

	out, err := svc.Changes(context.Background(), ChangesQuery{Title: "7", Agency: "ignored", StartDate: "2024-01-01"})
	require.NoError(t, err)
	raw, ok := out.(json.RawMessage)
	require.True(t, ok, "title mode returns the upstream body")
	assert.Contains(t, string(raw), `"result_count":1`)
	assert.Equal(t, 7, up.versionsTitle)
	assert.Equal(t, ecfr.VersionsQuery{IssuedOnOrAfter: "2024-01-01"}, up.versionsQuery, "no date defaulting in title mode")
}

func TestTitleChangesErrors(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		err    error
		status int
		msg    string
	}{
		{"not a number", "abc", nil, 400, "Invalid title number"},
		{"zero", "0", nil, 400, "Invalid title number"},
		{"negative", "-3", nil, 400, "Invalid title number"},
		{"upstream 400 with message", "7", statusErr(400, `{"error":"Invalid date format"}`), 400, "Invalid date format"},
		{"upstream 400 without message", "7", statusErr(400, `not json`), 400, "Invalid request parameters"},
		{"upstream 503", "7", statusErr(503, ``), 503, "This title is currently unavailable. Please try again later."},
		{"circuit open", "7", gobreaker.ErrOpenState, 503, "This title is currently unavailable. Please try again later."},
		{"upstream 404", "7", statusErr(404, `{"error":"not found"}`), 500, "Failed to fetch title changes"},
		{"transport", "7", errors.New("connection reset"), 500, "Failed to fetch title changes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(&fakeUpstream{versionsErr: tt.err}, nil)
			_, err := svc.TitleChanges(context.Background(), tt.title, "", "")
			requireStatus(t, err, tt.status, tt.msg)
		})
	}
}

func TestAgencyChanges(t *testing.T) {
	up := &fakeUpstream{}
	svc := newService(up, nil)

	out, err := svc.AgencyChanges(context.Background(), "forest", "", "")
	require.NoError(t, err)
	assert.Equal(t, "Forest Service", out.Agency)
	assert.Equal(t, "forest-service", out.Slug)
	assert.Equal(t, Period{Start: "2024-03-15", End: "2025-03-15"}, out.Period)
	assert.JSONEq(t, `{"dates":{"2024-06-01":4}}`, string(out.Changes))
	assert.Equal(t, ecfr.CountsQuery{AgencySlug: "forest-service", ModifiedAfter: "2024-03-15", ModifiedBefore: "2025-03-15"}, up.countsQuery)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"agency":"Forest Service","slug":"forest-service","period":{"start":"2024-03-15","end":"2025-03-15"},"changes":{"dates":{"2024-06-01":4}}}`, string(b))
}

func TestAgencyChangesErrors(t *testing.T) {
	_, err := newService(&fakeUpstream{}, nil).AgencyChanges(context.Background(), " ", "", "")
	requireStatus(t, err, 400, "Agency parameter is required")

	_, err = newService(&fakeUpstream{}, nil).AgencyChanges(context.Background(), "treasury", "", "")
	requireStatus(t, err, 404, "Agency not found: treasury")

	_, err = newService(&fakeUpstream{agenciesErr: errors.New("x")}, nil).AgencyChanges(context.Background(), "energy", "", "")
	requireStatus(t, err, 500, "Failed to fetch changes data")

	_, err = newService(&fakeUpstream{countsErr: statusErr(502, "")}, nil).AgencyChanges(context.Background(), "energy", "", "")
	requireStatus(t, err, 500, "Failed to fetch changes data")
}

func TestDefaultRange(t *testing.T) {
	p := DefaultRange(fixedNow, "", "")
	assert.Equal(t, Period{Start: "2024-03-15", End: "2025-03-15"}, p)

	// Leap day rolls forward when the previous year has none.
	p = DefaultRange(time.Date(2024, 2, 29, 1, 0, 0, 0, time.UTC), "", "")
	assert.Equal(t, Period{Start: "2023-03-01", End: "2024-02-29"}, p)

	// Supplied values are kept as is.
	p = DefaultRange(fixedNow, "2020-01-01", "2020-06-30")
	assert.Equal(t, Period{Start: "2020-01-01", End: "2020-06-30"}, p)

	// Today is taken in UTC.
	east := time.FixedZone("UTC+10", 10*3600)
	p = DefaultRange(time.Date(2025, 3, 16, 5, 0, 0, 0, east), "", "")
	assert.Equal(t, "2025-03-15", p.End)
}

func TestWordCounts(t *testing.T) {
	counts := fakeCounts{counts: map[string]map[int]store.WordCount{
		"agriculture-department": {
			7: {Title: 7, Date: "2025-01-03", Words: 1200},
		},
	}}
	out, err := newService(&fakeUpstream{}, counts).WordCounts(context.Background(), "agriculture")
	require.NoError(t, err)

	want := &WordCounts{
		Agency:         "Department of Agriculture",
		Slug:           "agriculture-department",
		TotalWordCount: 1200,
		TitleCounts: []TitleCount{
			{Title: 2, Name: "Grants and Agreements"},
			{Title: 7, Name: "Agriculture", WordCount: 1200, Computed: true, AsOf: "2025-01-03"},
		},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("word counts mismatch (-want +got):\n%s", diff)
	}
}

func TestWordCountsErrors(t *testing.T) {
	ctx := context.Background()

	_, err := newService(&fakeUpstream{}, nil).WordCounts(ctx, "")
	requireStatus(t, err, 400, "Agency parameter is required")

	_, err = newService(&fakeUpstream{}, nil).WordCounts(ctx, "nobody")
	requireStatus(t, err, 404, "Agency not found: nobody")

	_, err = newService(&fakeUpstream{titlesErr: errors.New("x")}, nil).WordCounts(ctx, "energy")
	requireStatus(t, err, 500, "Failed to fetch word count data")

	_, err = newService(&fakeUpstream{}, fakeCounts{err: errors.New("db")}).WordCounts(ctx, "energy")
	requireStatus(t, err, 500, "Failed to fetch word count data")
}

func TestContentStructure(t *testing.T) {
	out, err := newService(&fakeUpstream{}, nil).ContentStructure(context.Background(), "agriculture-department")
	require.NoError(t, err)

	want := &Structure{
		Agency: "Department of Agriculture",
		Slug:   "agriculture-department",
		Titles: []StructureTitle{
			{Number: 2, Name: "Grants and Agreements", UpToDateAsOf: "2025-01-02", Chapters: []string{"IV"}},
			{Number: 7, Name: "Agriculture", UpToDateAsOf: "2025-01-03", Chapters: []string{"I", "II"}},
		},
		Children: []AgencyRef{{Name: "Forest Service", Slug: "forest-service"}},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("structure mismatch (-want +got):\n%s", diff)
	}

	_, err = newService(&fakeUpstream{}, nil).ContentStructure(context.Background(), "")
	requireStatus(t, err, 400, "Agency parameter is required")

	_, err = newService(&fakeUpstream{agenciesErr: errors.New("x")}, nil).ContentStructure(context.Background(), "energy")
	requireStatus(t, err, 500, "Failed to fetch content structure")
}

func TestAsError(t *testing.T) {
	e := AsError(errors.New("raw"))
	assert.Equal(t, 500, e.Status)
	assert.Equal(t, "Internal Server Error", e.Message)

	wrapped := AsError(errors.Join(errors.New("ctx"), badRequest("nope")))
	assert.Equal(t, 400, wrapped.Status)
}
