// Package parser extracts race results and laps from origin HTML pages.
package parser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
)

// Race is one heat or main within an event page.
type Race struct {
	Name    string
	Entries []ingest.Entry
	Laps    []ingest.Lap
}

// EventPage is everything extracted from a single event results page.
type EventPage struct {
	Name          string
	SourceEventID string
	StartedAt     time.Time
	Races         []Race
}

// ParseEventPage parses an origin event page. Lap tables are only consumed
// when withLaps is set; results tables are always required. Structural
// surprises surface as typed page_format_error failures.
func ParseEventPage(html []byte, withLaps bool) (*EventPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, ingest.WrapError(ingest.CodePageFormat, err, "parse event page html")
	}

	page := &EventPage{
		Name:          strings.TrimSpace(doc.Find("h1.event-title").First().Text()),
		SourceEventID: doc.Find("[data-event-id]").First().AttrOr("data-event-id", ""),
	}
	if page.Name == "" {
		return nil, ingest.NewError(ingest.CodePageFormat, "event page has no title")
	}
	if raw := doc.Find("time.event-date").First().AttrOr("datetime", ""); raw != "" {
		if ts, terr := time.Parse(time.RFC3339, raw); terr == nil {
			page.StartedAt = ts.UTC()
		}
	}

	var parseErr error
	doc.Find("section.race").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		race, rerr := parseRace(sel, withLaps)
		if rerr != nil {
			parseErr = rerr
			return false
		}
		page.Races = append(page.Races, race)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(page.Races) == 0 {
		return nil, ingest.NewError(ingest.CodePageFormat, "event page has no race sections")
	}
	return page, nil
}

func parseRace(sel *goquery.Selection, withLaps bool) (Race, error) {
	race := Race{
		Name: strings.TrimSpace(sel.Find("h2.race-name").First().Text()),
	}
	if race.Name == "" {
		return Race{}, ingest.NewError(ingest.CodePageFormat, "race section has no name")
	}

	rows := sel.Find("table.results tbody tr")
	if rows.Length() == 0 {
		return Race{}, ingest.NewError(ingest.CodePageFormat, "race %q has no results table", race.Name)
	}

	var rowErr error
	rows.EachWithBreak(func(i int, row *goquery.Selection) bool {
		entry, err := parseEntry(row, race.Name)
		if err != nil {
			rowErr = fmt.Errorf("race %q row %d: %w", race.Name, i+1, err)
			return false
		}
		race.Entries = append(race.Entries, entry)
		return true
	})
	if rowErr != nil {
		return Race{}, ingest.WrapError(ingest.CodePageFormat, rowErr, "malformed results row")
	}

	if withLaps {
		laps, err := parseLaps(sel, race.Name)
		if err != nil {
			return Race{}, err
		}
		race.Laps = laps
	}
	return race, nil
}

func parseEntry(row *goquery.Selection, raceName string) (ingest.Entry, error) {
	position, err := strconv.Atoi(cellText(row, "td.pos"))
	if err != nil {
		return ingest.Entry{}, fmt.Errorf("position: %w", err)
	}
	driver := cellText(row, "td.driver")
	if driver == "" {
		return ingest.Entry{}, fmt.Errorf("missing driver name")
	}
	lapsDone, err := strconv.Atoi(cellText(row, "td.laps"))
	if err != nil {
		return ingest.Entry{}, fmt.Errorf("lap count: %w", err)
	}

	entry := ingest.Entry{
		RaceName:   raceName,
		Position:   position,
		CarNumber:  cellText(row, "td.car"),
		DriverName: driver,
		LapsDone:   lapsDone,
	}
	// Total and best times are absent for DNS/DNF rows.
	if raw := cellText(row, "td.total"); raw != "" && raw != "--" {
		total, terr := ParseRaceTime(raw)
		if terr != nil {
			return ingest.Entry{}, fmt.Errorf("total time: %w", terr)
		}
		entry.TotalTime = total
	}
	if raw := cellText(row, "td.best"); raw != "" && raw != "--" {
		best, berr := ParseRaceTime(raw)
		if berr != nil {
			return ingest.Entry{}, fmt.Errorf("best lap: %w", berr)
		}
		entry.BestLap = best
	}
	return entry, nil
}

func parseLaps(sel *goquery.Selection, raceName string) ([]ingest.Lap, error) {
	var (
		laps   []ingest.Lap
		rowErr error
	)
	sel.Find("table.laps").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		driver := strings.TrimSpace(table.AttrOr("data-driver", ""))
		if driver == "" {
			rowErr = ingest.NewError(ingest.CodePageFormat, "race %q lap table missing driver attribute", raceName)
			return false
		}
		table.Find("tbody tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
			number, err := strconv.Atoi(cellText(row, "td.lap"))
			if err != nil {
				rowErr = ingest.WrapError(ingest.CodePageFormat, err, "race %q driver %s lap %d number", raceName, driver, i+1)
				return false
			}
			lapTime, err := ParseRaceTime(cellText(row, "td.time"))
			if err != nil {
				rowErr = ingest.WrapError(ingest.CodePageFormat, err, "race %q driver %s lap %d time", raceName, driver, number)
				return false
			}
			lap := ingest.Lap{
				RaceName:   raceName,
				DriverName: driver,
				Number:     number,
				Time:       lapTime,
			}
			if raw := cellText(row, "td.pos"); raw != "" {
				if pos, perr := strconv.Atoi(raw); perr == nil {
					lap.Position = pos
				}
			}
			laps = append(laps, lap)
			return true
		})
		return rowErr == nil
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return laps, nil
}

// ParseRaceTime parses "M:SS.mmm" or "SS.mmm" style timing strings.
func ParseRaceTime(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty time")
	}
	var minutes int
	secPart := raw
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		m, err := strconv.Atoi(raw[:idx])
		if err != nil {
			return 0, fmt.Errorf("minutes in %q: %w", raw, err)
		}
		minutes = m
		secPart = raw[idx+1:]
	}
	seconds, err := strconv.ParseFloat(secPart, 64)
	if err != nil {
		return 0, fmt.Errorf("seconds in %q: %w", raw, err)
	}
	return time.Duration(minutes)*time.Minute + time.Duration(seconds*float64(time.Second)), nil
}

func cellText(row *goquery.Selection, selector string) string {
	return strings.TrimSpace(row.Find(selector).First().Text())
}
