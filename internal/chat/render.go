package chat

import (
	"bytes"
	"html"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// streamingCursor is appended to a reply while it is still arriving.
const streamingCursor = "▌"

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// ViewModel is everything the page needs to draw the current state.
type ViewModel struct {
	Title         string        `json:"title"`
	Settings      SettingsView  `json:"settings"`
	Options       OptionsView   `json:"options"`
	Messages      []MessageView `json:"messages"`
	EditableIndex int           `json:"editable_index"`
	Edit          EditCursor    `json:"edit"`
	Streaming     bool          `json:"streaming"`
	Pending       string        `json:"pending,omitempty"`
	PendingHTML   string        `json:"pending_html,omitempty"`
}

// SettingsView is the sidebar state. The credential is reduced to a flag.
type SettingsView struct {
	Model     string       `json:"model"`
	Language  string       `json:"language"`
	Level     domain.Level `json:"level"`
	HasAPIKey bool         `json:"has_api_key"`
}

// OptionsView lists the sidebar choices.
type OptionsView struct {
	Models    []string       `json:"models"`
	Languages []string       `json:"languages"`
	Levels    []domain.Level `json:"levels"`
}

// MessageView is one rendered transcript entry.
type MessageView struct {
	ID       string      `json:"id"`
	Role     domain.Role `json:"role"`
	Content  string      `json:"content"`
	HTML     string      `json:"html"`
	Editable bool        `json:"editable"`
	Editing  bool        `json:"editing"`
}

// Render derives the view for a snapshot. It has no side effects.
func Render(s Snapshot) ViewModel {
	editable := editableIndex(s.Transcript)

	messages := make([]MessageView, 0, len(s.Transcript))
	for i, msg := range s.Transcript {
		messages = append(messages, MessageView{
			ID:       msg.ID,
			Role:     msg.Role,
			Content:  msg.Content,
			HTML:     renderMarkdown(msg.Content),
			Editable: i == editable && !s.Streaming,
			Editing:  s.Edit.Active && s.Edit.TargetIndex == i,
		})
	}

	vm := ViewModel{
		Title: "Programming Tutor for " + s.Settings.Language,
		Settings: SettingsView{
			Model:     s.Settings.Model,
			Language:  s.Settings.Language,
			Level:     s.Settings.Level,
			HasAPIKey: s.Settings.HasCredential(),
		},
		Options: OptionsView{
			Models:    s.Options.Models,
			Languages: s.Options.Languages,
			Levels:    domain.Levels,
		},
		Messages:      messages,
		EditableIndex: editable,
		Edit:          s.Edit,
		Streaming:     s.Streaming,
	}
	if s.Streaming {
		vm.Pending = s.Pending + streamingCursor
		vm.PendingHTML = renderMarkdown(vm.Pending)
	}
	return vm
}

// renderMarkdown converts message text to HTML. Raw HTML in the source is
// omitted from the output.
func renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "<p>" + html.EscapeString(src) + "</p>"
	}
	return buf.String()
}
