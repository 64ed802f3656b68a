package collector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ernie/deadside-tracker/internal/domain"
)

// DeathLogTimeLayout is the timestamp layout of death-log rows and file names
const DeathLogTimeLayout = "2006.01.02-15.04.05"

// DefaultLongshotDistance is the distance above which a kill is a longshot
const DefaultLongshotDistance = 300

// environmentalKiller is the killer name the game writes when nothing killed the victim
const environmentalKiller = "**"

// suicideCauses are weapons that mean the victim died by their own hand or body
var suicideCauses = map[string]bool{
	"falling":               true,
	"bleeding":              true,
	"drowning":              true,
	"starvation":            true,
	"suicide":               true,
	"suicide_by_relocation": true,
}

// MalformedLineError is returned for death-log rows that cannot be used.
// Ingestion counts and skips them.
type MalformedLineError struct {
	Line   int64
	Reason string
	Text   string
}

func (e *MalformedLineError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed line %d: %s", e.Line, e.Reason)
	}
	return "malformed line: " + e.Reason
}

// ParseDeathLine parses and classifies one death-log row:
//
//	timestamp;killerName;killerId;victimName;victimId;weapon;distance[;killerPlatform;victimPlatform]
func ParseDeathLine(line string) (domain.DeathEvent, error) {
	return parseDeathLine(line, DefaultLongshotDistance)
}

func parseDeathLine(line string, longshot float64) (domain.DeathEvent, error) {
	var ev domain.DeathEvent
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ";")
	if len(fields) < 7 {
		return ev, &MalformedLineError{Reason: fmt.Sprintf("%d fields, want at least 7", len(fields)), Text: line}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	ts, err := parseDeathTimestamp(fields[0])
	if err != nil {
		return ev, &MalformedLineError{Reason: "bad timestamp " + strconv.Quote(fields[0]), Text: line}
	}

	ev = domain.DeathEvent{
		Timestamp:  ts,
		KillerName: fields[1],
		KillerID:   fields[2],
		VictimName: fields[3],
		VictimID:   fields[4],
		Weapon:     fields[5],
	}
	// An unparseable distance is recorded as zero rather than dropping the row.
	if d, err := strconv.ParseFloat(fields[6], 64); err == nil && d >= 0 {
		ev.Distance = d
	}
	if len(fields) > 7 {
		ev.KillerPlatform = fields[7]
	}
	if len(fields) > 8 {
		ev.VictimPlatform = fields[8]
	}

	if ev.VictimID == "" {
		ev.VictimID = ev.VictimName
	}
	if ev.VictimID == "" {
		return ev, &MalformedLineError{Reason: "no victim", Text: line}
	}
	if ev.KillerID == "" {
		ev.KillerID = ev.KillerName
	}

	ev.Classification = Classify(ev)
	ev.Longshot = ev.Classification == domain.DeathKill && ev.Distance > longshot
	return ev, nil
}

func parseDeathTimestamp(s string) (time.Time, error) {
	// Some builds append milliseconds (":123"); the second is enough here.
	if len(s) > len(DeathLogTimeLayout) {
		s = s[:len(DeathLogTimeLayout)]
	}
	return time.ParseInLocation(DeathLogTimeLayout, s, time.UTC)
}

// Classify decides whether a death was a kill, a suicide or environmental.
func Classify(ev domain.DeathEvent) string {
	if ev.KillerName == "" || ev.KillerName == environmentalKiller {
		return domain.DeathEnvironmental
	}
	if ev.KillerID == ev.VictimID || strings.EqualFold(ev.KillerName, ev.VictimName) {
		return domain.DeathSuicide
	}
	if suicideCauses[strings.ToLower(ev.Weapon)] {
		return domain.DeathSuicide
	}
	return domain.DeathKill
}

// splitLines splits file contents into lines. When complete is false a
// trailing line without a newline is left out because the game may still be
// writing it.
func splitLines(data []byte, complete bool) []string {
	text := string(data)
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	last := len(lines) - 1
	if lines[last] == "" || !complete {
		lines = lines[:last]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
