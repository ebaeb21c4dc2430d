package travel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/agent/toolconv"
	"github.com/kohtravel/agentd/internal/tools/external"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	calendarProductID = "-//KohTravel//agentd//EN"
	eventsToolName    = "get_calendar_events"
)

// CalendarEvent is one event in the collaborator's get_calendar_events
// metadata.
type CalendarEvent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Start       string `json:"start_datetime"`
	End         string `json:"end_datetime"`
	EventType   string `json:"event_type"`
	Status      string `json:"status"`
	AllDay      bool   `json:"all_day"`
}

type exportParams struct {
	StartDate string `json:"start_date,omitempty" jsonschema:"description=Earliest event start date (YYYY-MM-DD)"`
	EndDate   string `json:"end_date,omitempty" jsonschema:"description=Latest event start date (YYYY-MM-DD)"`
	EventType string `json:"event_type,omitempty" jsonschema:"description=Only export events of this type (e.g. flight or hotel)"`
	Name      string `json:"calendar_name,omitempty" jsonschema:"description=Calendar display name"`
}

// ExportCalendarTool exports the user's calendar events as an iCalendar
// document. Cancelled events are left out and suggested events are marked
// tentative.
type ExportCalendarTool struct {
	invoker Invoker
	now     func() time.Time
}

// NewExportCalendarTool creates the export_calendar tool.
func NewExportCalendarTool(invoker Invoker) *ExportCalendarTool {
	return &ExportCalendarTool{invoker: invoker, now: time.Now}
}

func (t *ExportCalendarTool) Name() string { return "export_calendar" }

func (t *ExportCalendarTool) Description() string {
	return "Export the user's travel calendar events as an iCalendar (.ics) document that can be imported into any calendar app."
}

func (t *ExportCalendarTool) Schema() json.RawMessage {
	return toolconv.ReflectSchema(&exportParams{})
}

func (t *ExportCalendarTool) Execute(ctx context.Context, params json.RawMessage, bundle agent.ContextBundle) (*agent.ToolOutput, error) {
	var input exportParams
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}

	query := map[string]any{"limit": 100}
	if input.StartDate != "" {
		query["start_date"] = input.StartDate
	}
	if input.EndDate != "" {
		query["end_date"] = input.EndDate
	}
	if input.EventType != "" {
		query["event_type"] = input.EventType
	}
	raw, _ := json.Marshal(query)

	resp, err := t.invoker.Invoke(ctx, eventsToolName, bundle.UserID, raw)
	if err != nil {
		return nil, external.InvokeError(t.Name(), err)
	}
	if !resp.Success {
		if resp.Error != "" {
			return nil, agent.ToolFailure("%s", resp.Error)
		}
		return nil, agent.ToolFailure("calendar events are unavailable")
	}

	events, err := decodeEvents(resp.Metadata)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	if tz := bundle.String("timezone"); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	name := input.Name
	if name == "" {
		name = "KohTravel trips"
	}
	doc, exported := BuildCalendar(name, events, loc, t.now())

	return &agent.ToolOutput{
		Content: map[string]any{
			"filename":    "kohtravel.ics",
			"event_count": exported,
			"ics":         doc,
		},
		Metadata: map[string]any{"skipped": len(events) - exported},
	}, nil
}

func decodeEvents(metadata map[string]any) ([]CalendarEvent, error) {
	rawEvents, ok := metadata["events"]
	if !ok || rawEvents == nil {
		return nil, nil
	}
	data, err := json.Marshal(rawEvents)
	if err != nil {
		return nil, fmt.Errorf("encode calendar events: %w", err)
	}
	var events []CalendarEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, agent.NewToolError(agent.KindToolExecutionFailed, "", err).
			WithMessage("collaborator returned malformed calendar events")
	}
	return events, nil
}

// BuildCalendar renders events as an iCalendar document. Naive timestamps
// are read in loc. It returns the document and the number of events written;
// cancelled events and events without a parseable start are skipped.
func BuildCalendar(name string, events []CalendarEvent, loc *time.Location, now time.Time) (string, int) {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(calendarProductID)
	cal.SetName(name)
	cal.SetXWRCalName(name)
	if loc != nil && loc != time.UTC {
		cal.SetTzid(loc.String())
	}

	titler := cases.Title(language.English)
	written := 0
	for _, ev := range events {
		if strings.EqualFold(ev.Status, "cancelled") {
			continue
		}
		start, ok := parseEventTime(ev.Start, loc)
		if !ok {
			continue
		}

		uid := ev.ID
		if uid == "" {
			uid = fmt.Sprintf("%d", start.Unix())
		}
		event := cal.AddEvent(uid + "@kohtravel")
		event.SetDtStampTime(now.UTC())
		event.SetSummary(ev.Title)
		if ev.Description != "" {
			event.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			event.SetLocation(ev.Location)
		}
		if ev.EventType != "" {
			event.AddProperty(ics.ComponentPropertyCategories, titler.String(strings.ReplaceAll(ev.EventType, "_", " ")))
		}
		if strings.EqualFold(ev.Status, "suggested") {
			event.SetStatus(ics.ObjectStatusTentative)
		} else {
			event.SetStatus(ics.ObjectStatusConfirmed)
		}

		end, hasEnd := parseEventTime(ev.End, loc)
		if ev.AllDay {
			event.SetAllDayStartAt(start)
			if !hasEnd || !end.After(start) {
				end = start
			}
			event.SetAllDayEndAt(end.AddDate(0, 0, 1))
		} else {
			event.SetStartAt(start)
			if !hasEnd || !end.After(start) {
				end = start.Add(time.Hour)
			}
			event.SetEndAt(end)
		}
		written++
	}
	return cal.Serialize(), written
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseEventTime(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
