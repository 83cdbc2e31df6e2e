package plugins

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/model"
)

const defaultCalendarAPI = "https://www.googleapis.com/calendar/v3"

type CalendarConnector struct {
	baseURL string
	client  *http.Client
}

func NewCalendarConnector(cfg engine.GoogleConfig, client *http.Client) *CalendarConnector {
	base := strings.TrimRight(cfg.CalendarBaseURL, "/")
	if base == "" {
		base = defaultCalendarAPI
	}
	if client == nil {
		client = &http.Client{}
	}
	return &CalendarConnector{baseURL: base, client: client}
}

type calendarTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

// all-day events carry a bare date
func eventTime(s string) calendarTime {
	if len(s) == len("2006-01-02") {
		return calendarTime{Date: s}
	}
	return calendarTime{DateTime: s}
}

type calendarAttendee struct {
	Email string `json:"email"`
}

type calendarEvent struct {
	Summary     string             `json:"summary"`
	Description string             `json:"description,omitempty"`
	Start       calendarTime       `json:"start"`
	End         calendarTime       `json:"end"`
	Attendees   []calendarAttendee `json:"attendees,omitempty"`
}

type calendarEventResponse struct {
	ID       string `json:"id"`
	HTMLLink string `json:"htmlLink"`
}

func (c *CalendarConnector) Invoke(ctx context.Context, inv engine.Invocation) (engine.Ack, error) {
	cfg, ok := inv.Config.(model.CalendarEventConfig)
	if !ok {
		return engine.Ack{}, configError(inv)
	}
	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	event := calendarEvent{
		Summary:     cfg.Summary,
		Description: cfg.Description,
		Start:       eventTime(cfg.Start),
		End:         eventTime(cfg.End),
	}
	for _, a := range cfg.Attendees {
		if a = strings.TrimSpace(a); a != "" {
			event.Attendees = append(event.Attendees, calendarAttendee{Email: a})
		}
	}

	var res calendarEventResponse
	endpoint := c.baseURL + "/calendars/" + url.PathEscape(calendarID) + "/events"
	if err := postJSON(ctx, c.client, endpoint, inv.Credential.Token, nil, event, &res); err != nil {
		return engine.Ack{}, err
	}
	return engine.Ack{Outputs: map[string]string{"event_id": res.ID, "link": res.HTMLLink}}, nil
}
