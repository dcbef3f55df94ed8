// Package wordcount downloads CFR titles, attributes their words to the
// agencies that reference them, and reports growth over time.
package wordcount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"ecfr-dashboard/internal/ecfr"
	"ecfr-dashboard/internal/store"
)

type titleKey struct {
	Title int
	Date  string
}

// Computation is the result of attributing title words to agencies.
type Computation struct {
	Counts []store.WordCount
	Totals []store.AgencyTotal
}

// Compute parses the snapshot of every referenced, non-reserved title at its
// up_to_date_as_of date and rolls chapter counts up to each agency. Titles
// without a snapshot are skipped. Agencies that end up with no counted title
// are omitted.
func Compute(ctx context.Context, st *store.Store, agencies []ecfr.Agency, titles []ecfr.Title, workers int, logger *slog.Logger) (Computation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dates := make(map[int]string, len(titles))
	for _, t := range titles {
		if !t.Reserved && t.UpToDateAsOf != "" {
			dates[t.Number] = t.UpToDateAsOf
		}
	}

	referenced := referencedTitles(agencies, dates)

	var mu sync.Mutex
	parsed := map[titleKey]map[string]ecfr.ChapterStat{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clampWorkers(workers))
	for _, k := range referenced {
		k := k
		g.Go(func() error {
			stats, err := parseSnapshot(gctx, st, k)
			if errors.Is(err, store.ErrNotFound) {
				logger.Warn("no snapshot for title", slog.Int("title", k.Title), slog.String("date", k.Date))
				return nil
			}
			if err != nil {
				return fmt.Errorf("parse title %d (%s): %w", k.Title, k.Date, err)
			}
			mu.Lock()
			parsed[k] = stats
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Computation{}, err
	}

	var out Computation
	for _, a := range agencies {
		var perTitle []store.WordCount
		for _, num := range titleOrder(a) {
			date, ok := dates[num]
			if !ok {
				continue
			}
			stats, ok := parsed[titleKey{num, date}]
			if !ok {
				continue
			}
			chapters, _ := ecfr.ChaptersForTitle(a, num)
			words, sum := attribute(stats, chapters)
			perTitle = append(perTitle, store.WordCount{
				AgencySlug: a.Slug,
				Title:      num,
				Date:       date,
				Words:      words,
				Checksum:   sum,
			})
		}
		if len(perTitle) == 0 {
			continue
		}
		out.Counts = append(out.Counts, perTitle...)
		out.Totals = append(out.Totals, agencyTotal(a, perTitle))
	}
	return out, nil
}

func parseSnapshot(ctx context.Context, st *store.Store, k titleKey) (map[string]ecfr.ChapterStat, error) {
	rc, err := st.OpenSnapshot(ctx, k.Title, k.Date)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ecfr.CountChapters(rc)
}

// attribute returns the words and checksum of the named chapters, or of the
// whole title when chapters is empty.
func attribute(stats map[string]ecfr.ChapterStat, chapters []string) (int, string) {
	if len(chapters) == 0 {
		all := make([]string, 0, len(stats))
		for ch := range stats {
			all = append(all, ch)
		}
		sort.Strings(all)
		return ecfr.TotalWords(stats), chapterChecksum(stats, all)
	}
	words := 0
	for _, ch := range chapters {
		words += stats[ch].Words
	}
	return words, chapterChecksum(stats, chapters)
}

func chapterChecksum(stats map[string]ecfr.ChapterStat, chapters []string) string {
	sums := make([]string, 0, len(chapters))
	for _, ch := range chapters {
		sums = append(sums, ch+":"+stats[ch].Checksum)
	}
	return ecfr.ChecksumHex(strings.Join(sums, "\n"))
}

// agencyTotal dates the total at the newest referenced title date.
func agencyTotal(a ecfr.Agency, counts []store.WordCount) store.AgencyTotal {
	t := store.AgencyTotal{AgencySlug: a.Slug, Name: a.Name}
	sums := make([]string, 0, len(counts))
	for _, c := range counts {
		t.Words += c.Words
		if c.Date > t.Date {
			t.Date = c.Date
		}
		sums = append(sums, fmt.Sprintf("%d:%s", c.Title, c.Checksum))
	}
	t.Checksum = ecfr.ChecksumHex(strings.Join(sums, "\n"))
	return t
}

// titleOrder lists the distinct titles an agency references, in reference
// order.
func titleOrder(a ecfr.Agency) []int {
	seen := map[int]bool{}
	var out []int
	for _, r := range a.CFRReferences {
		if !seen[r.Title] {
			seen[r.Title] = true
			out = append(out, r.Title)
		}
	}
	return out
}

// referencedTitles returns the (title, date) pairs referenced by any agency,
// restricted to titles present in dates, ordered by title number.
func referencedTitles(agencies []ecfr.Agency, dates map[int]string) []titleKey {
	seen := map[int]bool{}
	var out []titleKey
	for _, a := range agencies {
		for _, r := range a.CFRReferences {
			date, ok := dates[r.Title]
			if !ok || seen[r.Title] {
				continue
			}
			seen[r.Title] = true
			out = append(out, titleKey{Title: r.Title, Date: date})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

func clampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}
