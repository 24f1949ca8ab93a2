package messages

import (
	"bytes"
	"embed"
	"fmt"
	htmltmpl "html/template"
	"strings"
	texttmpl "text/template"
	"time"

	"github.com/jakechorley/shift-notifier/pkg/core/model"
	"github.com/jakechorley/shift-notifier/pkg/core/timezone"
	"github.com/jakechorley/shift-notifier/pkg/db"
)

//go:embed templates/*
var templatesFS embed.FS

type wording struct {
	subject  string
	headline string
	intro    string
}

var shiftWording = map[db.NotificationType]wording{
	db.TypeScheduleConfirm: {
		subject:  "Shift confirmed: %s",
		headline: "Your shift is confirmed",
		intro:    "You have been scheduled for the following shift.",
	},
	db.TypeScheduleUpdate: {
		subject:  "Shift changed: %s",
		headline: "Your shift has changed",
		intro:    "Your shift has been rescheduled. The new time is:",
	},
	db.TypeScheduleCancel: {
		subject:  "Shift canceled: %s",
		headline: "Your shift has been canceled",
		intro:    "The following shift has been canceled and you are no longer expected.",
	},
	db.TypeScheduleReminder8h: {
		subject:  "Reminder: shift in 8 hours (%s)",
		headline: "Your shift starts in 8 hours",
		intro:    "A reminder that your shift starts in 8 hours.",
	},
	db.TypeScheduleReminder15m: {
		subject:  "Reminder: shift in 15 minutes (%s)",
		headline: "Your shift starts in 15 minutes",
		intro:    "A reminder that your shift starts in 15 minutes.",
	},
}

type shiftView struct {
	Headline string
	Intro    string
	timezone.Description
}

type noticeView struct {
	Headline   string
	Paragraphs []string
}

// Renderer builds per-channel content bundles for each notification type.
// Dates and times are rendered in the translator's zone.
type Renderer struct {
	tz        *timezone.Translator
	shiftHTML *htmltmpl.Template
	ruleHTML  *htmltmpl.Template
	noticeHTM *htmltmpl.Template
	shiftText *texttmpl.Template
	ruleText  *texttmpl.Template
}

// NewRenderer parses the embedded templates
func NewRenderer(tz *timezone.Translator) (*Renderer, error) {
	parseHTML := func(body string) (*htmltmpl.Template, error) {
		return htmltmpl.ParseFS(templatesFS, "templates/base.html", "templates/"+body)
	}

	shiftHTML, err := parseHTML("shift.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse shift html template: %w", err)
	}
	ruleHTML, err := parseHTML("rule.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule html template: %w", err)
	}
	noticeHTML, err := parseHTML("notice.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse notice html template: %w", err)
	}
	shiftText, err := texttmpl.ParseFS(templatesFS, "templates/shift.txt")
	if err != nil {
		return nil, fmt.Errorf("failed to parse shift text template: %w", err)
	}
	ruleText, err := texttmpl.ParseFS(templatesFS, "templates/rule.txt")
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule text template: %w", err)
	}

	return &Renderer{
		tz:        tz,
		shiftHTML: shiftHTML,
		ruleHTML:  ruleHTML,
		noticeHTM: noticeHTML,
		shiftText: shiftText,
		ruleText:  ruleText,
	}, nil
}

// Shift renders the content for a shift occurrence notification
func (r *Renderer) Shift(t db.NotificationType, occurrenceID string, start, end time.Time) (db.Payload, error) {
	w, ok := shiftWording[t]
	if !ok {
		return db.Payload{}, fmt.Errorf("no shift wording for type %q", t)
	}

	view := shiftView{Headline: w.headline, Intro: w.intro, Description: r.tz.Describe(start, end)}

	html, err := execHTML(r.shiftHTML, view)
	if err != nil {
		return db.Payload{}, err
	}
	text, err := execText(r.shiftText, view)
	if err != nil {
		return db.Payload{}, err
	}

	when := view.DateLabel + " " + view.StartLabel
	pushBody := fmt.Sprintf("%s, %s to %s", view.DateLabel, view.StartLabel, view.EndLabel)
	if view.CrossesMidnight {
		pushBody += " (ends next day)"
	}

	return db.Payload{
		Email: &db.EmailContent{
			Subject: fmt.Sprintf(w.subject, when),
			HTML:    html,
			Text:    text,
		},
		Push: &db.PushContent{
			Title: w.headline,
			Body:  pushBody,
			Data: map[string]string{
				"occurrenceId": occurrenceID,
				"startsAt":     start.UTC().Format(time.RFC3339),
				"endsAt":       end.UTC().Format(time.RFC3339),
			},
		},
	}, nil
}

// RuleReminder renders the daily reminder for a recurring rule on a date (YYYY-MM-DD)
func (r *Renderer) RuleReminder(rule model.ShiftRule, date string) (db.Payload, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return db.Payload{}, fmt.Errorf("invalid reminder date %q: %w", date, err)
	}

	startLabel, endLabel := trimSeconds(rule.StartTime), ""
	crosses := false
	if !rule.Continuous && rule.EndTime != "" {
		endLabel = trimSeconds(rule.EndTime)
		crosses, _ = timezone.EndsNextDay(rule.StartTime, rule.EndTime)
	}

	view := shiftView{
		Headline: "Shift today",
		Intro:    "A reminder that you are on the rota today.",
		Description: timezone.Description{
			DateLabel:       day.Format("Mon 02 Jan 2006"),
			StartLabel:      startLabel,
			EndLabel:        endLabel,
			CrossesMidnight: crosses,
		},
	}

	html, err := execHTML(r.ruleHTML, view)
	if err != nil {
		return db.Payload{}, err
	}
	text, err := execText(r.ruleText, view)
	if err != nil {
		return db.Payload{}, err
	}

	pushBody := "Today from " + startLabel
	if endLabel != "" {
		pushBody += " to " + endLabel
	}

	return db.Payload{
		Email: &db.EmailContent{
			Subject: "Shift reminder: " + view.DateLabel,
			HTML:    html,
			Text:    text,
		},
		Push: &db.PushContent{
			Title: view.Headline,
			Body:  pushBody,
			Data:  map[string]string{"ruleId": rule.ID, "date": date},
		},
	}, nil
}

// Notice renders a free-form administrative notice. Blank lines in body
// separate paragraphs.
func (r *Renderer) Notice(title, body string) (db.Payload, error) {
	var paragraphs []string
	for _, p := range strings.Split(body, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	html, err := execHTML(r.noticeHTM, noticeView{Headline: title, Paragraphs: paragraphs})
	if err != nil {
		return db.Payload{}, err
	}

	return db.Payload{
		Email: &db.EmailContent{Subject: title, HTML: html, Text: strings.TrimSpace(body)},
		Push:  &db.PushContent{Title: title, Body: strings.Join(paragraphs, " ")},
	}, nil
}

func execHTML(t *htmltmpl.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base.html", data); err != nil {
		return "", fmt.Errorf("failed to render html: %w", err)
	}
	return buf.String(), nil
}

func execText(t *texttmpl.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func trimSeconds(timeOfDay string) string {
	if strings.Count(timeOfDay, ":") == 2 && strings.HasSuffix(timeOfDay, ":00") {
		return strings.TrimSuffix(timeOfDay, ":00")
	}
	return timeOfDay
}
