// Package schedule implements the ScheduleOracle: YAML-configured retry
// windows per day-of-week, with campaign rules fully replacing global rules
// rather than merging with them.
package schedule

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// TimeSlot is one start/end window on a given day, with its own retry tuning.
type TimeSlot struct {
	StartTime             string `yaml:"start_time"`
	EndTime               string `yaml:"end_time"`
	MaxAttempts           int    `yaml:"max_attempts"`
	RetryIntervalMinutes  int    `yaml:"retry_interval_minutes"`
}

// DayRule groups the time slots active on a set of weekdays under a name.
type DayRule struct {
	Name      string     `yaml:"name"`
	Days      []string   `yaml:"days"`
	TimeSlots []TimeSlot `yaml:"time_slots"`
}

// CampaignRules holds the rule set owned by a single campaign; when present
// it fully replaces the global rule set for that campaign, it does not merge
// with it.
type CampaignRules struct {
	CampaignID uuid.UUID `yaml:"campaign_id"`
	Rules      []DayRule `yaml:"rules"`
}

// Defaults are applied when no rule/time-slot windows match at all.
type Defaults struct {
	MaxAttempts          int `yaml:"max_attempts"`
	RetryIntervalMinutes int `yaml:"retry_interval_minutes"`
	ConcurrentCallLimit  int `yaml:"concurrent_call_limit"`
}

// SchedulerTuning controls the RetryTicker's batch size and fan-out.
type SchedulerTuning struct {
	BatchSize           int `yaml:"batch_size"`
	MaxConcurrentRetries int `yaml:"max_concurrent_retries"`
}

// Document is the parsed shape of the retry-schedule YAML file.
type Document struct {
	Defaults      Defaults        `yaml:"defaults"`
	Scheduler     SchedulerTuning `yaml:"scheduler"`
	GlobalRules   []DayRule       `yaml:"global_rules"`
	CampaignRules []CampaignRules `yaml:"campaign_rules"`
}

// flatRule is a resolved (day, window) pair, the unit InWindow and NextRetry
// reason over.
type flatRule struct {
	name                 string
	day                  time.Weekday
	startHour, startMin  int
	endHour, endMin      int
	maxAttempts          int
	retryIntervalMinutes int
}

// RuleSet is the immutable, resolved form of a Document, swapped in whole by
// Oracle.Reload so readers never observe a half-updated configuration.
type RuleSet struct {
	defaults Defaults
	tuning   SchedulerTuning
	global   []flatRule
	byCampaign map[uuid.UUID][]flatRule
}

// Oracle answers "is this call eligible to run right now" and "when next"
// questions, backed by a hot-reloadable RuleSet.
type Oracle struct {
	path string
	rs   atomic.Pointer[RuleSet]
}

func NewOracle(path string) (*Oracle, error) {
	o := &Oracle{path: path}
	if err := o.Reload(); err != nil {
		return nil, err
	}
	return o, nil
}

// Reload re-reads the YAML file from disk and atomically swaps the active
// RuleSet. Intended to be called on a fixed interval (e.g. hourly) by the
// owning process.
func (o *Oracle) Reload() error {
	raw, err := os.ReadFile(o.path)
	if err != nil {
		return fmt.Errorf("schedule: read %s: %w", o.path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("schedule: parse %s: %w", o.path, err)
	}
	rs, err := flatten(doc)
	if err != nil {
		return fmt.Errorf("schedule: flatten %s: %w", o.path, err)
	}
	o.rs.Store(rs)
	return nil
}

func flatten(doc Document) (*RuleSet, error) {
	rs := &RuleSet{
		defaults:   doc.Defaults,
		tuning:     doc.Scheduler,
		byCampaign: make(map[uuid.UUID][]flatRule),
	}
	if rs.defaults.MaxAttempts == 0 {
		rs.defaults.MaxAttempts = 3
	}
	if rs.defaults.RetryIntervalMinutes == 0 {
		rs.defaults.RetryIntervalMinutes = 60
	}

	var err error
	rs.global, err = flattenDayRules(doc.GlobalRules)
	if err != nil {
		return nil, err
	}
	for _, cr := range doc.CampaignRules {
		flat, err := flattenDayRules(cr.Rules)
		if err != nil {
			return nil, fmt.Errorf("campaign %s: %w", cr.CampaignID, err)
		}
		rs.byCampaign[cr.CampaignID] = flat
	}
	return rs, nil
}

func flattenDayRules(rules []DayRule) ([]flatRule, error) {
	var out []flatRule
	for _, r := range rules {
		for _, dayName := range r.Days {
			day, err := parseWeekday(dayName)
			if err != nil {
				return nil, err
			}
			for _, slot := range r.TimeSlots {
				sh, sm, err := parseClock(slot.StartTime)
				if err != nil {
					return nil, fmt.Errorf("rule %q: %w", r.Name, err)
				}
				eh, em, err := parseClock(slot.EndTime)
				if err != nil {
					return nil, fmt.Errorf("rule %q: %w", r.Name, err)
				}
				out = append(out, flatRule{
					name:                 r.Name,
					day:                  day,
					startHour:            sh,
					startMin:             sm,
					endHour:              eh,
					endMin:               em,
					maxAttempts:          slot.MaxAttempts,
					retryIntervalMinutes: slot.RetryIntervalMinutes,
				})
			}
		}
	}
	return out, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(s) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed hour in %q: %w", s, err)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed minute in %q: %w", s, err)
	}
	return hour, minute, nil
}

// rulesFor returns the campaign's own rules if it has any registered,
// otherwise the global rule set. Campaign rules replace, never merge.
func (rs *RuleSet) rulesFor(campaignID uuid.UUID) []flatRule {
	if rules, ok := rs.byCampaign[campaignID]; ok {
		return rules
	}
	return rs.global
}

// Window describes the matched rule when InWindow succeeds.
type Window struct {
	Name                 string
	MaxAttempts          int
	RetryIntervalMinutes int
}

// InWindow reports whether now falls inside one of campaignID's retry
// windows, and if so, which rule matched.
func (o *Oracle) InWindow(campaignID uuid.UUID, now time.Time) (bool, Window) {
	rs := o.rs.Load()
	minutesNow := now.Hour()*60 + now.Minute()
	for _, r := range rs.rulesFor(campaignID) {
		if r.day != now.Weekday() {
			continue
		}
		start := r.startHour*60 + r.startMin
		end := r.endHour*60 + r.endMin
		if minutesNow >= start && minutesNow <= end {
			return true, Window{Name: r.name, MaxAttempts: r.maxAttempts, RetryIntervalMinutes: r.retryIntervalMinutes}
		}
	}
	return false, Window{}
}

// NextRetry finds the next eligible retry instant for campaignID. If now
// already sits inside one of today's windows and now+interval does not run
// past that window's end, the next retry is just now+interval; otherwise it
// scans up to 7 days forward for the next window's start. If no window is
// configured at all it falls back to now + the configured default retry
// interval.
func (o *Oracle) NextRetry(campaignID uuid.UUID, now time.Time) (time.Time, Window) {
	rs := o.rs.Load()
	rules := rs.rulesFor(campaignID)

	if next, window, ok := nextRetryWithinToday(rules, now); ok {
		return next, window
	}

	for daysAhead := 0; daysAhead < 7; daysAhead++ {
		checkDate := now.AddDate(0, 0, daysAhead)
		for _, r := range rules {
			if r.day != checkDate.Weekday() {
				continue
			}
			candidate := time.Date(checkDate.Year(), checkDate.Month(), checkDate.Day(),
				r.startHour, r.startMin, 0, 0, checkDate.Location())
			if daysAhead == 0 && !candidate.After(now) {
				continue
			}
			return candidate, Window{Name: r.name, MaxAttempts: r.maxAttempts, RetryIntervalMinutes: r.retryIntervalMinutes}
		}
	}

	return now.Add(time.Duration(rs.defaults.RetryIntervalMinutes) * time.Minute), Window{}
}

// nextRetryWithinToday checks whether now falls inside one of today's
// windows and, if so, whether advancing by that window's retry interval
// still lands at or before the window's end. A call losing the admission
// race at 10:00 inside a 09:00-18:00 window should retry again in minutes,
// not jump to tomorrow's window start.
func nextRetryWithinToday(rules []flatRule, now time.Time) (time.Time, Window, bool) {
	minutesNow := now.Hour()*60 + now.Minute()
	for _, r := range rules {
		if r.day != now.Weekday() {
			continue
		}
		start := r.startHour*60 + r.startMin
		end := r.endHour*60 + r.endMin
		if minutesNow < start || minutesNow > end {
			continue
		}
		endOfSlot := time.Date(now.Year(), now.Month(), now.Day(), r.endHour, r.endMin, 0, 0, now.Location())
		candidate := now.Add(time.Duration(r.retryIntervalMinutes) * time.Minute)
		if !candidate.After(endOfSlot) {
			return candidate, Window{Name: r.name, MaxAttempts: r.maxAttempts, RetryIntervalMinutes: r.retryIntervalMinutes}, true
		}
	}
	return time.Time{}, Window{}, false
}

// BatchSize and MaxConcurrentRetries expose the scheduler tuning knobs to
// the RetryTicker.
func (o *Oracle) BatchSize() int {
	if v := o.rs.Load().tuning.BatchSize; v > 0 {
		return v
	}
	return 100
}

func (o *Oracle) MaxConcurrentRetries() int {
	if v := o.rs.Load().tuning.MaxConcurrentRetries; v > 0 {
		return v
	}
	return 50
}

// DefaultMaxAttempts is used when no rule in the active window sets one.
func (o *Oracle) DefaultMaxAttempts() int {
	return o.rs.Load().defaults.MaxAttempts
}
