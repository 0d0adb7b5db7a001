// Package atc extracts structured flight information from raw transcript
// text with pattern matching. Radio transcripts are noisy, so every field is
// best-effort; downstream consumers treat absent fields as "not mentioned".
package atc

import (
	"regexp"
	"strconv"
	"strings"
)

// Position is a distance-and-direction phrase ("five miles southeast").
type Position struct {
	Distance  int    `json:"distance"`
	Direction string `json:"direction"`
}

// FlightInfo is everything recognizably aviation-shaped in one transcript.
type FlightInfo struct {
	Callsigns   []string   `json:"callsigns,omitempty"`
	Altitudes   []int      `json:"altitudes,omitempty"`
	Headings    []int      `json:"headings,omitempty"`
	Positions   []Position `json:"positions,omitempty"`
	Squawks     []string   `json:"squawks,omitempty"`
	Frequencies []string   `json:"frequencies,omitempty"`
}

// All patterns run against the uppercased transcript.
var (
	callsignPattern    = regexp.MustCompile(`\b([A-Z]{3}[A-Z]?\d{1,4}[A-Z]?)\b`)
	altitudePattern    = regexp.MustCompile(`\b(\d{1,3}(?:,\d{3})?)\s*(?:FEET|FT)\b`)
	flightLevelPattern = regexp.MustCompile(`\b(?:FLIGHT LEVEL|FL|ALTITUDE)\s*(\d{2,3})\b`)
	headingPattern     = regexp.MustCompile(`\b(?:HEADING|TURN)\s*(\d{3})\b`)
	positionPattern    = regexp.MustCompile(`\b(\d{1,2})\s*(?:MILES?|NM)\s*([A-Z]+)\b`)
	squawkPattern      = regexp.MustCompile(`\b(?:SQUAWK|TRANSPONDER)\s*(\d{4})\b`)
	frequencyPattern   = regexp.MustCompile(`\b(\d{3}\.\d{1,3})\b`)
)

// Extract parses a transcript into FlightInfo. It never fails; unparseable
// text yields an empty result.
func Extract(transcript string) FlightInfo {
	upper := strings.ToUpper(transcript)
	var info FlightInfo

	seen := make(map[string]struct{})
	for _, m := range callsignPattern.FindAllStringSubmatch(upper, -1) {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		info.Callsigns = append(info.Callsigns, m[1])
	}

	for _, m := range altitudePattern.FindAllStringSubmatch(upper, -1) {
		if alt, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			info.Altitudes = append(info.Altitudes, alt)
		}
	}
	// Flight levels are hundreds of feet.
	for _, m := range flightLevelPattern.FindAllStringSubmatch(upper, -1) {
		if fl, err := strconv.Atoi(m[1]); err == nil {
			info.Altitudes = append(info.Altitudes, fl*100)
		}
	}

	for _, m := range headingPattern.FindAllStringSubmatch(upper, -1) {
		if hdg, err := strconv.Atoi(m[1]); err == nil && hdg <= 360 {
			info.Headings = append(info.Headings, hdg)
		}
	}

	for _, m := range positionPattern.FindAllStringSubmatch(upper, -1) {
		if dist, err := strconv.Atoi(m[1]); err == nil {
			info.Positions = append(info.Positions, Position{Distance: dist, Direction: m[2]})
		}
	}

	for _, m := range squawkPattern.FindAllStringSubmatch(upper, -1) {
		info.Squawks = append(info.Squawks, m[1])
	}

	for _, m := range frequencyPattern.FindAllStringSubmatch(upper, -1) {
		info.Frequencies = append(info.Frequencies, m[1])
	}

	return info
}

// Empty reports whether nothing was extracted.
func (f FlightInfo) Empty() bool {
	return len(f.Callsigns) == 0 && len(f.Altitudes) == 0 && len(f.Headings) == 0 &&
		len(f.Positions) == 0 && len(f.Squawks) == 0 && len(f.Frequencies) == 0
}
