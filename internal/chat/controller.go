// Package chat holds the per-session tutoring state and sequences every
// change to it. A Controller owns the transcript, the sidebar settings and
// the edit cursor, and is the only caller of the completion gateway.
package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/gateway"
)

// FragmentFunc observes a streaming reply. buffer is everything received so far.
type FragmentFunc func(fragment, buffer string)

// Options are the choices offered in the sidebar.
type Options struct {
	Models    []string
	Languages []string
}

// EditCursor marks the message currently open in the editor.
type EditCursor struct {
	Active      bool `json:"active"`
	TargetIndex int  `json:"target_index"`
}

var noEdit = EditCursor{TargetIndex: -1}

// Snapshot is a consistent copy of controller state.
type Snapshot struct {
	Transcript []domain.Message
	Settings   domain.Settings
	Edit       EditCursor
	Options    Options
	Streaming  bool
	Pending    string
}

// Controller is the state of one tutoring session.
//
// turnMu is held for the whole of a turn so overlapping mutations fail fast
// with ErrTurnInProgress. turnMu also guards closed. mu guards the other fields and is never held across the
// gateway call, so readers can observe the reply as it streams.
type Controller struct {
	gw      gateway.Gateway
	options Options

	turnMu sync.Mutex
	closed bool

	mu         sync.RWMutex
	transcript []domain.Message
	settings   domain.Settings
	edit       EditCursor
	streaming  bool
	pending    string
}

// NewController creates a session with the default settings: the first model
// and language on offer, beginner level, no credential.
func NewController(gw gateway.Gateway, opts Options) *Controller {
	settings := domain.Settings{Level: domain.LevelBeginner}
	if len(opts.Models) > 0 {
		settings.Model = opts.Models[0]
	}
	if len(opts.Languages) > 0 {
		settings.Language = opts.Languages[0]
	}
	return &Controller{
		gw:       gw,
		options:  Options{Models: slices.Clone(opts.Models), Languages: slices.Clone(opts.Languages)},
		settings: settings,
		edit:     noEdit,
	}
}

// Submit appends a user message, streams the reply and appends it as an
// assistant message. On a gateway failure the user message stays and no
// reply is added.
func (c *Controller) Submit(ctx context.Context, text string, onFragment FragmentFunc) (domain.Message, error) {
	if err := c.beginTurn(); err != nil {
		return domain.Message{}, err
	}
	defer c.turnMu.Unlock()

	if strings.TrimSpace(text) == "" {
		return domain.Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if !c.settings.HasCredential() {
		c.mu.Unlock()
		return domain.Message{}, missingCredential()
	}
	c.transcript = append(c.transcript, domain.NewMessage(domain.RoleUser, text))
	c.edit = noEdit
	req := c.requestLocked()
	c.mu.Unlock()

	return c.runTurn(ctx, req, onFragment)
}

// EditAndResend replaces the most recent user message, drops the reply that
// followed it and regenerates that reply. The stale reply is gone before the
// gateway is called.
func (c *Controller) EditAndResend(ctx context.Context, index int, text string, onFragment FragmentFunc) (domain.Message, error) {
	if err := c.beginTurn(); err != nil {
		return domain.Message{}, err
	}
	defer c.turnMu.Unlock()

	if strings.TrimSpace(text) == "" {
		return domain.Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if index < 0 || index != editableIndex(c.transcript) {
		c.mu.Unlock()
		return domain.Message{}, ErrNotEditable
	}
	if !c.settings.HasCredential() {
		c.mu.Unlock()
		return domain.Message{}, missingCredential()
	}
	c.transcript[index].Content = text
	c.transcript = c.transcript[:index+1]
	c.edit = noEdit
	req := c.requestLocked()
	c.mu.Unlock()

	return c.runTurn(ctx, req, onFragment)
}

// SelectLanguage switches the tutoring language and always clears the transcript.
func (c *Controller) SelectLanguage(language string) error {
	if err := c.beginTurn(); err != nil {
		return err
	}
	defer c.turnMu.Unlock()

	if !slices.Contains(c.options.Languages, language) {
		return &ConfigurationError{Field: "language", Reason: "unsupported language " + language}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Language = language
	c.transcript = nil
	c.edit = noEdit
	return nil
}

// SelectModel changes the model used for the next turn.
func (c *Controller) SelectModel(model string) error {
	if err := c.beginTurn(); err != nil {
		return err
	}
	defer c.turnMu.Unlock()

	if !slices.Contains(c.options.Models, model) {
		return &ConfigurationError{Field: "model", Reason: "unsupported model " + model}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Model = model
	return nil
}

// SelectLevel records the learner's experience level.
func (c *Controller) SelectLevel(level domain.Level) error {
	if err := c.beginTurn(); err != nil {
		return err
	}
	defer c.turnMu.Unlock()

	if !level.Valid() {
		return &ConfigurationError{Field: "level", Reason: "unsupported level " + string(level)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Level = level
	return nil
}

// SetAPIKey stores the credential for this session. An empty key clears it.
func (c *Controller) SetAPIKey(key string) error {
	if err := c.beginTurn(); err != nil {
		return err
	}
	defer c.turnMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.APIKey = strings.TrimSpace(key)
	return nil
}

// BeginEdit opens the editor on the message at index.
func (c *Controller) BeginEdit(index int) error {
	if err := c.beginTurn(); err != nil {
		return err
	}
	defer c.turnMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index != editableIndex(c.transcript) {
		return ErrNotEditable
	}
	c.edit = EditCursor{Active: true, TargetIndex: index}
	return nil
}

// CancelEdit closes the editor without changing the transcript.
func (c *Controller) CancelEdit() error {
	if err := c.beginTurn(); err != nil {
		return err
	}
	defer c.turnMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.edit = noEdit
	return nil
}

// SettingsUpdate changes any subset of the sidebar settings. Nil fields are left alone.
type SettingsUpdate struct {
	APIKey *string
	Model  *string
	Level  *domain.Level
}

// UpdateSettings validates every field of u and applies them together, or
// none of them.
func (c *Controller) UpdateSettings(u SettingsUpdate) error {
	if err := c.beginTurn(); err != nil {
		return err
	}
	defer c.turnMu.Unlock()

	if u.Model != nil && !slices.Contains(c.options.Models, *u.Model) {
		return &ConfigurationError{Field: "model", Reason: "unsupported model " + *u.Model}
	}
	if u.Level != nil && !u.Level.Valid() {
		return &ConfigurationError{Field: "level", Reason: "unsupported level " + string(*u.Level)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Model != nil {
		c.settings.Model = *u.Model
	}
	if u.Level != nil {
		c.settings.Level = *u.Level
	}
	if u.APIKey != nil {
		c.settings.APIKey = strings.TrimSpace(*u.APIKey)
	}
	return nil
}

// TryClose ends the session unless a turn is running. A closed controller
// rejects every later mutation with ErrSessionClosed.
func (c *Controller) TryClose() error {
	if err := c.beginTurn(); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return nil
		}
		return err
	}
	defer c.turnMu.Unlock()
	c.closed = true

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = nil
	c.edit = noEdit
	c.settings.APIKey = ""
	return nil
}

// beginTurn takes the turn lock. The caller unlocks turnMu on success.
func (c *Controller) beginTurn() error {
	if !c.turnMu.TryLock() {
		return ErrTurnInProgress
	}
	if c.closed {
		c.turnMu.Unlock()
		return ErrSessionClosed
	}
	return nil
}

// EditableIndex returns the index of the most recent user message, or -1.
func (c *Controller) EditableIndex() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return editableIndex(c.transcript)
}

// Transcript returns a copy of the conversation so far.
func (c *Controller) Transcript() []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.transcript)
}

// Snapshot returns a copy of the full state, including a reply in flight.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Transcript: slices.Clone(c.transcript),
		Settings:   c.settings,
		Edit:       c.edit,
		Options:    c.options,
		Streaming:  c.streaming,
		Pending:    c.pending,
	}
}

func (c *Controller) requestLocked() gateway.Request {
	return gateway.Request{
		Model:    c.settings.Model,
		APIKey:   c.settings.APIKey,
		Messages: slices.Clone(c.transcript),
	}
}

// runTurn streams one reply. Partial output is discarded on failure.
func (c *Controller) runTurn(ctx context.Context, req gateway.Request, onFragment FragmentFunc) (domain.Message, error) {
	c.setPending(true, "")
	defer c.setPending(false, "")

	var buf strings.Builder
	for fragment, err := range c.gw.Complete(ctx, req) {
		if err != nil {
			return domain.Message{}, &GatewayError{Model: req.Model, Err: err}
		}
		buf.WriteString(fragment)
		c.setPending(true, buf.String())
		if onFragment != nil {
			onFragment(fragment, buf.String())
		}
	}
	if buf.Len() == 0 {
		return domain.Message{}, &GatewayError{Model: req.Model, Err: gateway.ErrEmptyCompletion}
	}

	reply := domain.NewMessage(domain.RoleAssistant, buf.String())
	c.mu.Lock()
	c.transcript = append(c.transcript, reply)
	c.mu.Unlock()
	return reply, nil
}

func (c *Controller) setPending(streaming bool, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaming = streaming
	c.pending = text
}

func editableIndex(transcript []domain.Message) int {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}
