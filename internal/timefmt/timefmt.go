// Package timefmt renders entry timestamps for prompts and listings.
package timefmt

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
)

var supported = []language.Tag{
	language.English, // first entry is the matcher's fallback
	language.German,
	language.French,
	language.Spanish,
	language.Russian,
	language.Japanese,
}

var matcher = language.NewMatcher(supported)

var layouts = map[language.Base]string{
	mustBase(language.English):  "Jan 2, 2006 15:04",
	mustBase(language.German):   "02.01.2006 15:04",
	mustBase(language.French):   "02/01/2006 15:04",
	mustBase(language.Spanish):  "02/01/2006 15:04",
	mustBase(language.Russian):  "02.01.2006 15:04",
	mustBase(language.Japanese): "2006/01/02 15:04",
}

func mustBase(t language.Tag) language.Base {
	b, _ := t.Base()
	return b
}

// Locale resolves a BCP 47 string such as "de-AT" to the closest supported
// tag. Empty or malformed input yields English.
func Locale(s string) language.Tag {
	s = strings.TrimSpace(s)
	if s == "" {
		return language.English
	}
	tag, err := language.Parse(s)
	if err != nil {
		return language.English
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return language.English
	}
	return supported[idx]
}

// Absolute formats t in local time using the locale's date layout.
func Absolute(t time.Time, locale string) string {
	layout, ok := layouts[mustBase(Locale(locale))]
	if !ok {
		layout = layouts[mustBase(language.English)]
	}
	return t.Local().Format(layout)
}

// Relative formats t against now ("3 hours ago"). Phrases are English for
// every locale; go-humanize has no translations.
func Relative(t, now time.Time) string {
	if d := now.Sub(t); d >= 0 && d < time.Second {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// Millis converts epoch milliseconds to a time.Time.
func Millis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Options picks between Relative and Absolute.
type Options struct {
	Relative bool
	Locale   string
	Now      time.Time // zero means time.Now()
}

// Format renders an epoch-millisecond timestamp.
func Format(ms int64, opts Options) string {
	t := Millis(ms)
	if !opts.Relative {
		return Absolute(t, opts.Locale)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	return Relative(t, now)
}
