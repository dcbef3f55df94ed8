package ecfr

import (
	"bytes"
	"encoding/json"
)

type Title struct {
	Number          int    `json:"number"`
	Name            string `json:"name"`
	LatestAmendedOn string `json:"latest_amended_on,omitempty"`
	LatestIssueDate string `json:"latest_issue_date,omitempty"`
	UpToDateAsOf    string `json:"up_to_date_as_of"`
	Reserved        bool   `json:"reserved"`
}

type Agency struct {
	Name          string   `json:"name"`
	ShortName     string   `json:"short_name"`
	DisplayName   string   `json:"display_name"`
	SortableName  string   `json:"sortable_name"`
	Slug          string   `json:"slug"`
	Children      []Agency `json:"children"`
	CFRReferences []CFRRef `json:"cfr_references"`
}

type CFRRef struct {
	Title      int    `json:"title"`
	Chapter    string `json:"chapter,omitempty"` // e.g. "I"
	Subtitle   string `json:"subtitle,omitempty"`
	Subchapter string `json:"subchapter,omitempty"`
	Part       string `json:"part,omitempty"`
}

// ContentVersion is one entry of the versioner's content_versions list.
type ContentVersion struct {
	Date          string `json:"date"`
	AmendmentDate string `json:"amendment_date"`
	IssueDate     string `json:"issue_date"`
	Identifier    string `json:"identifier"`
	Name          string `json:"name"`
	Part          Text   `json:"part"`
	Substantive   bool   `json:"substantive"`
	Removed       bool   `json:"removed"`
	Subpart       Text   `json:"subpart"`
	Title         Text   `json:"title"`
	Type          string `json:"type"`
}

type VersionsResponse struct {
	ContentVersions []ContentVersion `json:"content_versions"`
	Meta            VersionsMeta     `json:"meta"`
}

type VersionsMeta struct {
	Title               Text            `json:"title"`
	ResultCount         Text            `json:"result_count"`
	IssueDate           *IssueDateRange `json:"issue_date,omitempty"`
	LatestAmendmentDate string          `json:"latest_amendment_date"`
	LatestIssueDate     string          `json:"latest_issue_date"`
}

type IssueDateRange struct {
	Lte string `json:"lte,omitempty"`
	Gte string `json:"gte,omitempty"`
	On  string `json:"on,omitempty"`
}

// DailyCounts is the search service's per-day change count payload.
type DailyCounts struct {
	Dates map[string]int `json:"dates"`
}

// Text decodes a JSON string or number into its textual form; the eCFR
// API is not consistent about which one it sends for identifiers.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*t = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		*t = Text(b)
	}
	return nil
}
