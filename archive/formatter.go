// Package archive renders a batch of channel messages into a single
// self-contained HTML artifact and persists it. The orchestrator hands
// the full batch over as one unit; persistence returns only after the
// artifact is durably visible.
package archive

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/chat-archiver/discordapi"
)

const timestampLayout = "2006-01-02 03:04:05 PM MST"

// Formatter renders messages into the archive HTML document. Timestamps
// are converted into Location before display.
type Formatter struct {
	Location *time.Location
}

// NewFormatter resolves a timezone name (default America/New_York).
func NewFormatter(timezone string) (*Formatter, error) {
	if timezone == "" {
		timezone = "America/New_York"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Formatter{Location: loc}, nil
}

// ArtifactName builds the flat object path for one batch, stamped with
// the local date and time of the run.
func (f *Formatter) ArtifactName(channelID string, now time.Time) string {
	local := now.In(f.Location)
	return fmt.Sprintf("Discord_Messages/unread_messages_%s_%s_%s.html",
		channelID, local.Format("2006-01-02"), local.Format("15-04-05"))
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedView struct {
	Title       string       `json:"title"`
	URL         string       `json:"url"`
	Description string       `json:"description"`
	Fields      []embedField `json:"fields"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

type messageView struct {
	ID          string
	Author      string
	Timestamp   string
	Content     string
	Attachments []discordapi.Attachment
	Embeds      []embedView
}

type pageView struct {
	ChannelName string
	ChannelID   string
	Retrieved   string
	Count       int
	Plural      string
	Messages    []messageView
}

// Format renders the batch (already in ascending ID order) plus optional
// channel metadata into the archive document.
func (f *Formatter) Format(messages []discordapi.Message, channel *discordapi.Channel, now time.Time) (string, error) {
	view := pageView{
		ChannelName: "Unknown",
		ChannelID:   "Unknown",
		Retrieved:   now.In(f.Location).Format(timestampLayout),
		Count:       len(messages),
	}
	if len(messages) != 1 {
		view.Plural = "s"
	}
	if channel != nil {
		if channel.Name != "" {
			view.ChannelName = channel.Name
		}
		view.ChannelID = channel.ID
	}
	for _, m := range messages {
		mv := messageView{
			ID:          m.ID,
			Author:      fmt.Sprintf("%s#%s", m.Author.Username, m.Author.Discriminator),
			Timestamp:   "Unknown",
			Content:     m.Content,
			Attachments: m.Attachments,
		}
		if !m.Timestamp.IsZero() {
			mv.Timestamp = m.Timestamp.In(f.Location).Format(timestampLayout)
		}
		for _, raw := range m.Embeds {
			var ev embedView
			if err := json.Unmarshal(raw, &ev); err != nil {
				slog.Warn("skipping unparsable embed", slog.String("message_id", m.ID), slog.Any("err", err))
				continue
			}
			mv.Embeds = append(mv.Embeds, ev)
		}
		view.Messages = append(view.Messages, mv)
	}

	var b strings.Builder
	if err := pageTemplate.Execute(&b, view); err != nil {
		return "", fmt.Errorf("render archive: %w", err)
	}
	return b.String(), nil
}

// breakLines escapes text and converts newlines to <br> so multi-line
// message content keeps its shape.
func breakLines(s string) template.HTML {
	escaped := template.HTMLEscapeString(s)
	return template.HTML(strings.ReplaceAll(escaped, "\n", "<br>")) //nolint:gosec // input escaped above
}

// humanSize formats attachment sizes the way the archive always has.
func humanSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.2f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.2f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

var pageTemplate = template.Must(template.New("archive").Funcs(template.FuncMap{
	"breakLines": breakLines,
	"humanSize":  humanSize,
}).Parse(pageHTML))

const pageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Unread Discord Messages - Channel {{.ChannelID}}</title>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background: #36393f; color: #dcddde; margin: 0; padding: 20px; line-height: 1.6; }
        .header { background: #2f3136; border-bottom: 3px solid #7289da; padding: 20px; margin: -20px -20px 20px -20px; }
        .header h1 { margin: 0 0 10px 0; color: #ffffff; font-size: 28px; }
        .header p { margin: 5px 0; color: #b9bbbe; }
        .message-count { color: #7289da; font-weight: bold; font-size: 18px; }
        .messages-container { max-width: 1200px; margin: 0 auto; }
        .message { background: #40444b; margin: 15px 0; padding: 15px 20px; border-radius: 8px; border-left: 4px solid #7289da; }
        .author { font-weight: bold; color: #7289da; font-size: 16px; }
        .timestamp { color: #72767d; font-size: 12px; margin-left: 10px; }
        .content { color: #dcddde; margin-top: 8px; word-wrap: break-word; }
        .attachment { background: #2f3136; padding: 8px 12px; margin: 5px 0; border-radius: 4px; display: inline-block; }
        .attachment a { color: #00b0f4; text-decoration: none; }
        .attachment-size { color: #72767d; font-size: 12px; margin-left: 5px; }
        .embed { background: #2f3136; padding: 12px; margin: 5px 0; border-radius: 4px; border-left: 4px solid #5865f2; }
        .embed-title { font-weight: bold; color: #ffffff; margin-bottom: 5px; }
        .embed-title a { color: #00b0f4; text-decoration: none; }
        .embed-description { color: #dcddde; margin-bottom: 10px; }
        .embed-field-name { font-weight: bold; color: #b9bbbe; margin-bottom: 2px; }
        .embed-footer { color: #72767d; font-size: 12px; margin-top: 10px; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Unread Messages Archive</h1>
        <p>Channel: {{.ChannelName}} ({{.ChannelID}})</p>
        <p>Retrieved: {{.Retrieved}}</p>
        <p class="message-count">{{.Count}} new message{{.Plural}}</p>
    </div>
    <div class="messages-container">
{{- range .Messages}}
        <div class="message" data-message-id="{{.ID}}">
            <div class="message-header">
                <span class="author">{{.Author}}</span>
                <span class="timestamp">{{.Timestamp}}</span>
            </div>
{{- if .Content}}
            <div class="content">{{breakLines .Content}}</div>
{{- end}}
{{- if .Attachments}}
            <div class="attachments">
{{- range .Attachments}}
                <div class="attachment">
                    <a href="{{.URL}}" target="_blank" rel="noopener noreferrer">{{.Filename}}</a>
                    <span class="attachment-size">({{humanSize .Size}})</span>
                </div>
{{- end}}
            </div>
{{- end}}
{{- if .Embeds}}
            <div class="embeds">
{{- range .Embeds}}
                <div class="embed">
{{- if .Title}}
{{- if .URL}}
                    <div class="embed-title"><a href="{{.URL}}" target="_blank" rel="noopener noreferrer">{{.Title}}</a></div>
{{- else}}
                    <div class="embed-title">{{.Title}}</div>
{{- end}}
{{- end}}
{{- if .Description}}
                    <div class="embed-description">{{breakLines .Description}}</div>
{{- end}}
{{- range .Fields}}
                    <div class="embed-field">
                        <div class="embed-field-name">{{.Name}}</div>
                        <div class="embed-field-value">{{breakLines .Value}}</div>
                    </div>
{{- end}}
{{- if .Footer.Text}}
                    <div class="embed-footer">{{.Footer.Text}}</div>
{{- end}}
                </div>
{{- end}}
            </div>
{{- end}}
        </div>
{{- end}}
    </div>
</body>
</html>
`
