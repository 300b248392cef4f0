package schedule

import (
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Document is the versioned schedule configuration for one chat, as authored
// by the user in YAML. The raw text is persisted alongside the parsed form so
// GetConfig round-trips exactly what was saved.
type Document struct {
	Version   int                   `yaml:"version" json:"version"`
	Timezone  string                `yaml:"timezone" json:"timezone"`
	Schedules map[string]Definition `yaml:"schedules" json:"schedules"`
}

// Definition is one schedule entry in the document.
type Definition struct {
	Description string `yaml:"description" json:"description"`
	Cron        string `yaml:"cron" json:"cron"`
	Prompt      string `yaml:"prompt" json:"prompt"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
}

// ParseDocument parses and validates a raw YAML document. Every cron
// expression is parsed up front and the timezone resolved, so an invalid
// document is rejected as a whole before anything is persisted.
func ParseDocument(raw string) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("schedule: parse config: %w", err)
	}
	if doc.Timezone == "" {
		doc.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(doc.Timezone); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidCron, doc.Timezone)
	}
	for id, def := range doc.Schedules {
		if id == "" {
			return nil, fmt.Errorf("%w: empty schedule id", ErrInvalidCron)
		}
		if _, err := parseCron(def.Cron); err != nil {
			return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidCron, id, err)
		}
	}
	return &doc, nil
}

// ScheduleIDs returns the document's schedule ids in stable order.
func (d *Document) ScheduleIDs() []string {
	ids := make([]string, 0, len(d.Schedules))
	for id := range d.Schedules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// cronParser accepts the standard 5-field syntax (minute, hour, day-of-month,
// month, day-of-week).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// parsedCrons caches parsed expressions; a parsed cron schedule is
// timezone-independent (it follows the location of the time it is asked
// about), so the expression alone is the cache key.
var parsedCrons, _ = lru.New[string, cron.Schedule](256)

func parseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	if cached, ok := parsedCrons.Get(expr); ok {
		return cached, nil
	}
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	parsedCrons.Add(expr, parsed)
	return parsed, nil
}

// NextRun computes the earliest instant strictly after now that satisfies
// expr interpreted as wall-clock time in tz. Evaluating in the schedule's
// timezone keeps local fire times stable across DST transitions, and
// computing from "now" rather than the previous next-run skips missed
// intervals instead of bursting them.
func NextRun(expr, tz string, now time.Time) (time.Time, error) {
	parsed, err := parseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(now.In(loc)).UTC(), nil
}
