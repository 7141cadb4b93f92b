package main

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	requestEventName   = "tasks.request.completed"
	requestEventDomain = "tasks-api"

	attrStatusCode    = "http.status_code"
	attrOperation     = "tasks.operation"
	attrTasksReturned = "tasks.tasks_returned"
	attrErrorStage    = "tasks.error_stage"
)

// durationAttrs maps summary keys to the millisecond attributes of a request.
var durationAttrs = map[string]string{
	"total":   "tasks.total_ms",
	"auth":    "tasks.auth_ms",
	"service": "tasks.service_ms",
	"encode":  "tasks.encode_ms",
}

var recordAPI = sonic.Config{UseNumber: true}.Froze()

type logRecord struct {
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

type stats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

func (s *stats) add(v float64) {
	if s.Count == 0 {
		s.Min = math.MaxFloat64
	}
	s.Count++
	s.Sum += v
	s.Min = math.Min(s.Min, v)
	s.Max = math.Max(s.Max, v)
}

func (s *stats) summary() statsSummary {
	if s == nil || s.Count == 0 {
		return statsSummary{}
	}
	return statsSummary{Count: s.Count, Min: s.Min, Max: s.Max, Avg: s.Sum / float64(s.Count)}
}

type statsSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

type collector struct {
	eventName   string
	eventDomain string

	total      int
	skipped    int
	severities map[string]int
	statuses   map[int]int
	operations map[string]int
	stages     map[string]int
	durations  map[string]*stats
	returned   stats
}

type summaryOutput struct {
	EventName      string                  `json:"event_name"`
	EventDomain    string                  `json:"event_domain"`
	TotalEvents    int                     `json:"total_events"`
	SeverityCounts map[string]int          `json:"severity_counts"`
	StatusCounts   map[string]int          `json:"status_counts"`
	Operations     map[string]int          `json:"operations"`
	DurationMs     map[string]statsSummary `json:"duration_ms"`
	TasksReturned  statsSummary            `json:"tasks_returned"`
	ErrorStages    map[string]int          `json:"error_stages,omitempty"`
	SkippedLines   int                     `json:"skipped_lines"`
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		severities:  map[string]int{},
		statuses:    map[int]int{},
		operations:  map[string]int{},
		stages:      map[string]int{},
		durations:   map[string]*stats{},
	}
}

// ingest accepts one log line. Container runtimes often prefix lines with
// "name | ", which is stripped.
func (c *collector) ingest(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if pipe := strings.Index(line, "|"); pipe >= 0 && !strings.HasPrefix(line, "{") {
		line = strings.TrimSpace(line[pipe+1:])
	}
	var rec logRecord
	if err := recordAPI.UnmarshalFromString(line, &rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventName != c.eventName || (c.eventDomain != "" && rec.EventDomain != c.eventDomain) {
		return
	}
	c.add(rec)
}

func (c *collector) add(rec logRecord) {
	c.total++
	severity := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	c.severities[severity]++

	attrs := rec.Attributes
	if status, ok := asInt(attrs[attrStatusCode]); ok {
		c.statuses[status]++
	}
	if op, ok := attrs[attrOperation].(string); ok && op != "" {
		c.operations[op]++
	}
	if stage, ok := attrs[attrErrorStage].(string); ok && stage != "" {
		c.stages[stage]++
	}
	if n, ok := asFloat(attrs[attrTasksReturned]); ok {
		c.returned.add(n)
	}
	for key, attr := range durationAttrs {
		v, ok := asFloat(attrs[attr])
		if !ok {
			continue
		}
		s, ok := c.durations[key]
		if !ok {
			s = &stats{}
			c.durations[key] = s
		}
		s.add(v)
	}
}

func (c *collector) summary() summaryOutput {
	out := summaryOutput{
		EventName:      c.eventName,
		EventDomain:    c.eventDomain,
		TotalEvents:    c.total,
		SeverityCounts: c.severities,
		StatusCounts:   make(map[string]int, len(c.statuses)),
		Operations:     c.operations,
		DurationMs:     make(map[string]statsSummary, len(c.durations)),
		TasksReturned:  c.returned.summary(),
		SkippedLines:   c.skipped,
	}
	for status, n := range c.statuses {
		out.StatusCounts[strconv.Itoa(status)] = n
	}
	for key, s := range c.durations {
		out.DurationMs[key] = s.summary()
	}
	if len(c.stages) > 0 {
		out.ErrorStages = c.stages
	}
	return out
}

// ShortString renders a single line for CI logs.
func (s summaryOutput) ShortString() string {
	total := s.DurationMs["total"]
	parts := []string{
		"event=" + s.EventName,
		"total=" + strconv.Itoa(s.TotalEvents),
		"warn=" + strconv.Itoa(s.SeverityCounts["WARN"]),
		"error=" + strconv.Itoa(s.SeverityCounts["ERROR"]),
		"avg_total_ms=" + strconv.FormatFloat(total.Avg, 'f', 2, 64),
		"max_total_ms=" + strconv.FormatFloat(total.Max, 'f', 2, 64),
	}
	ops := make([]string, 0, len(s.Operations))
	for op := range s.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		parts = append(parts, op+"="+strconv.Itoa(s.Operations[op]))
	}
	return strings.Join(parts, " ")
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(v)
		return i, err == nil
	default:
		return 0, false
	}
}
