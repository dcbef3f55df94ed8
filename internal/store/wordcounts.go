package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// WordCount is the number of words an agency is responsible for in one
// title as of issue date Date.
type WordCount struct {
	AgencySlug string
	Title      int
	Date       string
	Words      int
	Checksum   string
}

// AgencyTotal is an agency's word count over all referenced titles.
type AgencyTotal struct {
	AgencySlug string
	Name       string
	Date       string
	Words      int
	Checksum   string
}

// PutWordCounts replaces the counts for the given (agency, title, date)
// keys and the matching agency totals in a single transaction.
func (s *Store) PutWordCounts(ctx context.Context, counts []WordCount, totals []AgencyTotal) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	wc, err := tx.PrepareContext(ctx, `
INSERT INTO word_counts(agency_slug, title_number, issue_date, words, checksum, created_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(agency_slug, title_number, issue_date) DO UPDATE SET words=excluded.words, checksum=excluded.checksum, created_at=excluded.created_at
`)
	if err != nil {
		return err
	}
	defer wc.Close()
	for _, c := range counts {
		if _, err := wc.ExecContext(ctx, c.AgencySlug, c.Title, c.Date, c.Words, c.Checksum, now); err != nil {
			return err
		}
	}

	tot, err := tx.PrepareContext(ctx, `
INSERT INTO agency_totals(agency_slug, issue_date, words, checksum, created_at)
VALUES(?,?,?,?,?)
ON CONFLICT(agency_slug, issue_date) DO UPDATE SET words=excluded.words, checksum=excluded.checksum, created_at=excluded.created_at
`)
	if err != nil {
		return err
	}
	defer tot.Close()
	for _, t := range totals {
		if _, err := tot.ExecContext(ctx, t.AgencySlug, t.Date, t.Words, t.Checksum, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestWordCounts returns the newest stored count per title for an agency,
// keyed by title number.
func (s *Store) LatestWordCounts(ctx context.Context, slug string) (map[int]WordCount, error) {
	q := `
SELECT w.title_number, w.issue_date, w.words, w.checksum
FROM word_counts w
WHERE w.agency_slug = ?
  AND w.issue_date = (SELECT MAX(issue_date) FROM word_counts w2 WHERE w2.agency_slug = w.agency_slug AND w2.title_number = w.title_number)
`
	rows, err := s.db.QueryContext(ctx, q, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]WordCount{}
	for rows.Next() {
		c := WordCount{AgencySlug: slug}
		if err := rows.Scan(&c.Title, &c.Date, &c.Words, &c.Checksum); err != nil {
			return nil, err
		}
		out[c.Title] = c
	}
	return out, rows.Err()
}

// PreviousAgencyTotal returns the newest total for slug dated before date.
func (s *Store) PreviousAgencyTotal(ctx context.Context, slug, date string) (AgencyTotal, error) {
	t := AgencyTotal{AgencySlug: slug}
	err := s.db.QueryRowContext(ctx, `
SELECT issue_date, words, checksum FROM agency_totals
WHERE agency_slug = ? AND issue_date < ?
ORDER BY issue_date DESC LIMIT 1
`, slug, date).Scan(&t.Date, &t.Words, &t.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return AgencyTotal{}, ErrNotFound
	}
	return t, err
}

// TotalsSince returns every agency total dated on or after since, ordered
// by agency and then date.
func (s *Store) TotalsSince(ctx context.Context, since string) ([]AgencyTotal, error) {
	q := `
SELECT t.agency_slug, a.name, t.issue_date, t.words, t.checksum
FROM agency_totals t
JOIN agencies a ON a.slug = t.agency_slug
WHERE t.issue_date >= ?
ORDER BY t.agency_slug, t.issue_date
`
	rows, err := s.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgencyTotal
	for rows.Next() {
		var t AgencyTotal
		if err := rows.Scan(&t.AgencySlug, &t.Name, &t.Date, &t.Words, &t.Checksum); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
