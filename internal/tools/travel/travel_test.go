package travel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/tools/external"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	users []string
	args  []map[string]any
	resp  map[string]*external.Response
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, name, userID string, params json.RawMessage) (*external.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.users = append(f.users, userID)
	var args map[string]any
	_ = json.Unmarshal(params, &args)
	f.args = append(f.args, args)
	if f.err != nil {
		return nil, f.err
	}
	if resp, ok := f.resp[name]; ok {
		return resp, nil
	}
	return &external.Response{Success: false, Error: "unknown tool " + name}, nil
}

func calendarResponse() *external.Response {
	return &external.Response{
		Success: true,
		Content: json.RawMessage(`"Found 4 calendar events"`),
		Metadata: map[string]any{
			"count": 4,
			"events": []any{
				map[string]any{
					"id": "ev1", "title": "Flight BKK to HKT", "location": "Suvarnabhumi",
					"start_datetime": "2025-03-20T08:15:00", "end_datetime": "2025-03-20T09:40:00",
					"event_type": "flight_departure", "status": "confirmed", "all_day": false,
				},
				map[string]any{
					"id": "ev2", "title": "Hotel stay", "start_datetime": "2025-03-20",
					"end_datetime": "2025-03-22", "event_type": "hotel", "status": "suggested", "all_day": true,
				},
				map[string]any{
					"id": "ev3", "title": "Cancelled tour", "start_datetime": "2025-03-21T10:00:00",
					"event_type": "activity", "status": "cancelled",
				},
				map[string]any{"id": "ev4", "title": "No date"},
			},
		},
	}
}

func TestExportCalendarTool(t *testing.T) {
	inv := &fakeInvoker{resp: map[string]*external.Response{eventsToolName: calendarResponse()}}
	tool := NewExportCalendarTool(inv)
	tool.now = func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }

	registry := agent.NewToolRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := tool.Execute(context.Background(),
		json.RawMessage(`{"start_date":"2025-03-01","event_type":"flight_departure"}`),
		agent.ContextBundle{UserID: "u1", Values: map[string]any{"timezone": "Asia/Bangkok"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if inv.calls[0] != eventsToolName || inv.users[0] != "u1" {
		t.Errorf("invoked %v for %v", inv.calls, inv.users)
	}
	if inv.args[0]["start_date"] != "2025-03-01" || inv.args[0]["event_type"] != "flight_departure" {
		t.Errorf("args = %v", inv.args[0])
	}
	if _, ok := inv.args[0]["end_date"]; ok {
		t.Errorf("empty end_date forwarded: %v", inv.args[0])
	}

	content := out.Content.(map[string]any)
	if content["event_count"] != 2 {
		t.Errorf("event_count = %v, want 2", content["event_count"])
	}
	if out.Metadata["skipped"] != 2 {
		t.Errorf("skipped = %v, want 2", out.Metadata["skipped"])
	}
	doc := content["ics"].(string)
	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"PRODID:" + calendarProductID,
		"UID:ev1@kohtravel",
		"SUMMARY:Flight BKK to HKT",
		"CATEGORIES:Flight Departure",
		// 08:15 in Bangkok is 01:15 UTC.
		"DTSTART:20250320T011500Z",
		"STATUS:TENTATIVE",
		"END:VCALENDAR",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("calendar missing %q:\n%s", want, doc)
		}
	}
	if strings.Contains(doc, "Cancelled tour") {
		t.Error("cancelled event exported")
	}
}

func TestExportCalendarTool_Failures(t *testing.T) {
	tests := []struct {
		name string
		inv  *fakeInvoker
		want string
	}{
		{
			name: "collaborator error",
			inv:  &fakeInvoker{err: errors.New("tool collaborator request failed: connection refused")},
			want: "connection refused",
		},
		{
			name: "tool failure",
			inv: &fakeInvoker{resp: map[string]*external.Response{
				eventsToolName: {Success: false, Error: "invalid_date_format"},
			}},
			want: "invalid_date_format",
		},
		{
			name: "malformed events",
			inv: &fakeInvoker{resp: map[string]*external.Response{
				eventsToolName: {Success: true, Metadata: map[string]any{"events": "nope"}},
			}},
			want: "malformed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExportCalendarTool(tt.inv).Execute(context.Background(), json.RawMessage(`{}`), agent.ContextBundle{UserID: "u"})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestBuildCalendar_Empty(t *testing.T) {
	doc, n := BuildCalendar("Trips", nil, time.UTC, time.Now())
	if n != 0 {
		t.Errorf("written = %d", n)
	}
	if !strings.Contains(doc, "BEGIN:VCALENDAR") || strings.Contains(doc, "BEGIN:VEVENT") {
		t.Errorf("doc = %s", doc)
	}
}

func TestParseEventTime(t *testing.T) {
	bkk, err := time.LoadLocation("Asia/Bangkok")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tests := []struct {
		in   string
		ok   bool
		want time.Time
	}{
		{"2025-03-20T08:15:00+00:00", true, time.Date(2025, 3, 20, 8, 15, 0, 0, time.UTC)},
		{"2025-03-20T08:15:00", true, time.Date(2025, 3, 20, 8, 15, 0, 0, bkk)},
		{"2025-03-20T08:15:00.123456", true, time.Date(2025, 3, 20, 8, 15, 0, 123456000, bkk)},
		{"2025-03-20", true, time.Date(2025, 3, 20, 0, 0, 0, 0, bkk)},
		{"", false, time.Time{}},
		{"next tuesday", false, time.Time{}},
	}
	for _, tt := range tests {
		got, ok := parseEventTime(tt.in, bkk)
		if ok != tt.ok || (ok && !got.Equal(tt.want)) {
			t.Errorf("parseEventTime(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSummaryProvider(t *testing.T) {
	inv := &fakeInvoker{resp: map[string]*external.Response{
		summaryToolName: {Success: true, Content: json.RawMessage(`"You have 7 travel documents across 3 categories."`)},
	}}
	p := NewSummaryProvider(inv, time.Minute, nil)

	values, err := p.Provide(context.Background(), agent.ContextBundle{})
	if err != nil || values != nil {
		t.Fatalf("anonymous turn = %v, %v", values, err)
	}

	for i := 0; i < 2; i++ {
		values, err = p.Provide(context.Background(), agent.ContextBundle{UserID: "u1"})
		if err != nil {
			t.Fatalf("Provide: %v", err)
		}
		if values[summaryToolName] != "You have 7 travel documents across 3 categories." {
			t.Errorf("values = %v", values)
		}
	}
	if len(inv.calls) != 1 {
		t.Errorf("calls = %d, want 1 (cached)", len(inv.calls))
	}

	failing := NewSummaryProvider(&fakeInvoker{resp: map[string]*external.Response{
		summaryToolName: {Success: false, Error: "auth_failed"},
	}}, 0, nil)
	if _, err := failing.Provide(context.Background(), agent.ContextBundle{UserID: "u2"}); err == nil {
		t.Error("expected error for failed summary")
	}
}

func TestSummaryProvider_InPrompt(t *testing.T) {
	inv := &fakeInvoker{resp: map[string]*external.Response{
		summaryToolName: {Success: true, Content: json.RawMessage(`"2 upcoming trips"`)},
	}}
	builder := agent.NewPromptBuilder([]agent.ContextProvider{NewSummaryProvider(inv, 0, nil)}, nil, nil)
	prompt := builder.Build(context.Background(), "Base.", agent.ContextBundle{UserID: "u1"})
	if !strings.Contains(prompt, "TRAVEL_SUMMARY: 2 upcoming trips") {
		t.Errorf("prompt = %q", prompt)
	}
}
