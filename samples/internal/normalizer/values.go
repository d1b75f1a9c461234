package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Geopoint is a WGS84 coordinate.
type Geopoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

var (
	nonSlugChars       = regexp.MustCompile(`[^a-z0-9]+`)
	affiliationSplitRe = regexp.MustCompile(`[\s,;]+`)
	titleCaser         = cases.Title(language.Und)
)

// dateLayouts are tried in order after any "Z" is removed.
var dateLayouts = []string{
	"2006-1-2",
	"2006-1-2T15:04:05",
	"2006-1-2T15:04:05.999999999",
	"2006/1/2",
	time.RFC3339,
}

var quotePairs = [][2]string{
	{`"`, `"`},
	{`'`, `'`},
	{"“", "”"},
	{"‘", "’"},
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// CleanString trims v and strips one pair of matching enclosing quotes.
// It reports false when nothing is left.
func CleanString(v any) (string, bool) {
	if IsEmpty(v) {
		return "", false
	}
	text := strings.TrimSpace(stringify(v))
	for _, pair := range quotePairs {
		if len(text) >= len(pair[0])+len(pair[1]) && strings.HasPrefix(text, pair[0]) && strings.HasSuffix(text, pair[1]) {
			text = strings.TrimSpace(text[len(pair[0]) : len(text)-len(pair[1])])
			break
		}
	}
	return text, text != ""
}

// ParseDate parses v as a calendar date and returns it at midnight UTC.
func ParseDate(v any) (time.Time, bool) {
	if IsEmpty(v) {
		return time.Time{}, false
	}
	raw := strings.ReplaceAll(strings.TrimSpace(stringify(v)), "Z", "")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	var f float64
	var err error
	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseGeopoint reads a [lat, lon, ...] list or a "lat lon ..." / "lat, lon"
// string. Extra elements such as altitude and accuracy are ignored.
func ParseGeopoint(v any) (Geopoint, bool) {
	var first, second any
	switch t := v.(type) {
	case []any:
		if len(t) < 2 {
			return Geopoint{}, false
		}
		first, second = t[0], t[1]
	case string:
		parts := strings.Fields(strings.ReplaceAll(t, ",", " "))
		if len(parts) < 2 {
			return Geopoint{}, false
		}
		first, second = parts[0], parts[1]
	default:
		return Geopoint{}, false
	}

	lat, ok := toFloat(first)
	if !ok {
		return Geopoint{}, false
	}
	lon, ok := toFloat(second)
	if !ok {
		return Geopoint{}, false
	}
	return Geopoint{Lat: lat, Lon: lon}, true
}

// Slugify folds diacritics, lower-cases, and collapses every run of
// characters outside [a-z0-9] into a single underscore.
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(folded)), "_")
	return strings.Trim(slug, "_")
}

// Humanize turns a slug into a display label: "worm_lab" becomes "Worm Lab".
func Humanize(s string) string {
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return titleCaser.String(strings.TrimSpace(s))
}

// ParseAffiliations splits a raw affiliation value into ordered, unique slugs.
// Lists are taken element-wise; strings are split on whitespace, commas and
// semicolons.
func ParseAffiliations(v any) []string {
	if IsEmpty(v) {
		return nil
	}

	var items []string
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if text := strings.TrimSpace(stringify(item)); text != "" && item != nil {
				items = append(items, text)
			}
		}
	} else {
		for _, item := range affiliationSplitRe.Split(stringify(v), -1) {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
	}

	var slugs []string
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		slug := Slugify(item)
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		slugs = append(slugs, slug)
	}
	return slugs
}
