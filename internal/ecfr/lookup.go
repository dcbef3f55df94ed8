package ecfr

import "strings"

// FindAgency returns the first agency whose slug equals query or whose name
// contains it, ignoring case. Top-level agencies are tried before any child,
// children are then searched depth-first in feed order.
func FindAgency(agencies []Agency, query string) (Agency, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Agency{}, false
	}
	for _, a := range agencies {
		if matches(a, q) {
			return a, true
		}
	}
	var found Agency
	var ok bool
	var walk func([]Agency) bool
	walk = func(list []Agency) bool {
		for _, a := range list {
			if matches(a, q) {
				found, ok = a, true
				return true
			}
			if walk(a.Children) {
				return true
			}
		}
		return false
	}
	for _, a := range agencies {
		if walk(a.Children) {
			break
		}
	}
	return found, ok
}

func matches(a Agency, q string) bool {
	return strings.ToLower(a.Slug) == q || strings.Contains(strings.ToLower(a.Name), q)
}

// Flatten returns every agency in the tree, parents before their children.
func Flatten(agencies []Agency) []Agency {
	var out []Agency
	var walk func([]Agency)
	walk = func(list []Agency) {
		for _, a := range list {
			out = append(out, a)
			walk(a.Children)
		}
	}
	walk(agencies)
	return out
}

// TitlesForAgency returns the titles referenced by the agency's CFR
// references, in the order they appear in titles.
func TitlesForAgency(a Agency, titles []Title) []Title {
	refs := make(map[int]bool, len(a.CFRReferences))
	for _, r := range a.CFRReferences {
		refs[r.Title] = true
	}
	var out []Title
	for _, t := range titles {
		if refs[t.Number] {
			out = append(out, t)
		}
	}
	return out
}

// ChaptersForTitle lists the distinct chapters the agency references in
// title, in reference order. An empty result with ok=true means the agency
// references the title without naming a chapter.
func ChaptersForTitle(a Agency, title int) (chapters []string, ok bool) {
	seen := map[string]bool{}
	chapters = []string{}
	for _, r := range a.CFRReferences {
		if r.Title != title {
			continue
		}
		ok = true
		ch := normalizeChapter(r.Chapter)
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		chapters = append(chapters, ch)
	}
	return chapters, ok
}
