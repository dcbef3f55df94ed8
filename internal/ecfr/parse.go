package ecfr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"hash"
	"io"
	"strings"
	"unicode"
)

// WholeTitle is the chapter key for text that sits outside any chapter.
const WholeTitle = ""

// ChapterStat is the word count and content fingerprint of one chapter.
type ChapterStat struct {
	Words    int
	Checksum string
}

type chapterAgg struct {
	words int
	sum   hash.Hash
}

// CountChapters streams a CFR title XML document and returns per-chapter
// statistics keyed by the chapter's N attribute (e.g. "I"). CFR XML marks
// chapters as DIVn elements with TYPE="CHAPTER"; text outside any chapter is
// keyed by WholeTitle.
func CountChapters(r io.Reader) (map[string]ChapterStat, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	aggs := map[string]*chapterAgg{}
	get := func(ch string) *chapterAgg {
		if a, ok := aggs[ch]; ok {
			return a
		}
		a := &chapterAgg{sum: sha256.New()}
		aggs[ch] = a
		return a
	}

	// stack[i] is the chapter in effect inside the i-th open element.
	stack := []string{WholeTitle}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			ch := stack[len(stack)-1]
			if isChapterDiv(t) {
				if n := normalizeChapter(attr(t.Attr, "N")); n != "" {
					ch = n
				}
			}
			stack = append(stack, ch)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			s := normalizeText(string(t))
			if s == "" {
				continue
			}
			a := get(stack[len(stack)-1])
			a.words += WordCount(s)
			_, _ = io.WriteString(a.sum, s)
			_, _ = io.WriteString(a.sum, " ")
		}
	}

	out := make(map[string]ChapterStat, len(aggs))
	for ch, a := range aggs {
		out[ch] = ChapterStat{Words: a.words, Checksum: hex.EncodeToString(a.sum.Sum(nil))}
	}
	return out, nil
}

// TotalWords sums the words of every chapter, including WholeTitle.
func TotalWords(stats map[string]ChapterStat) int {
	n := 0
	for _, s := range stats {
		n += s.Words
	}
	return n
}

// WordCount counts word-like tokens in a string.
func WordCount(s string) int {
	inWord := false
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if !inWord {
				n++
				inWord = true
			}
		} else {
			inWord = false
		}
	}
	return n
}

// ChecksumHex returns a SHA-256 checksum as hex.
func ChecksumHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func isChapterDiv(t xml.StartElement) bool {
	name := strings.ToUpper(t.Name.Local)
	if len(name) != 4 || !strings.HasPrefix(name, "DIV") || name[3] < '1' || name[3] > '9' {
		return false
	}
	return strings.EqualFold(attr(t.Attr, "TYPE"), "CHAPTER")
}

func normalizeChapter(n string) string {
	return strings.ToUpper(strings.TrimSpace(n))
}

// normalizeText trims and collapses whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// attr retrieves an XML attribute by case-insensitive name.
func attr(attrs []xml.Attr, key string) string {
	for _, a := range attrs {
		if strings.EqualFold(a.Name.Local, key) {
			return a.Value
		}
	}
	return ""
}
