package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway replies with scripted fragments and records every request.
type fakeGateway struct {
	mu       sync.Mutex
	requests []gateway.Request
	replies  [][]string
	failWith error
	failAt   int // fragments yielded before failWith; 0 fails immediately
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeGateway) Complete(ctx context.Context, req gateway.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f.mu.Lock()
		f.requests = append(f.requests, req)
		n := len(f.requests)
		reply := []string{"reply ", strings.Repeat("!", n)}
		if len(f.replies) > 0 {
			reply = f.replies[0]
			f.replies = f.replies[1:]
		}
		f.mu.Unlock()

		if f.started != nil {
			close(f.started)
		}
		if f.block != nil {
			<-f.block
		}

		for i, fragment := range reply {
			if f.failWith != nil && i == f.failAt {
				yield("", f.failWith)
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
		if f.failWith != nil && f.failAt >= len(reply) {
			yield("", f.failWith)
		}
	}
}

func (f *fakeGateway) lastRequest(t *testing.T) gateway.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestController(gw gateway.Gateway) *Controller {
	return NewController(gw, Options{
		Models:    []string{"gpt-3.5-turbo", "gpt-4"},
		Languages: []string{"Python", "JavaScript", "Rust", "Go", "HTML/CSS/JS"},
	})
}

func newReadyController(t *testing.T, gw gateway.Gateway) *Controller {
	t.Helper()
	c := newTestController(gw)
	require.NoError(t, c.SetAPIKey("sk-test"))
	return c
}

func TestNewControllerDefaults(t *testing.T) {
	c := newTestController(&fakeGateway{})
	snap := c.Snapshot()

	assert.Equal(t, "gpt-3.5-turbo", snap.Settings.Model)
	assert.Equal(t, "Python", snap.Settings.Language)
	assert.Equal(t, domain.LevelBeginner, snap.Settings.Level)
	assert.False(t, snap.Settings.HasCredential())
	assert.Empty(t, snap.Transcript)
	assert.Equal(t, -1, c.EditableIndex())
}

func TestSubmitAlternatesRoles(t *testing.T) {
	gw := &fakeGateway{}
	c := newReadyController(t, gw)

	const turns = 4
	for i := 0; i < turns; i++ {
		_, err := c.Submit(context.Background(), "question", nil)
		require.NoError(t, err)
	}

	transcript := c.Transcript()
	require.Len(t, transcript, 2*turns)
	for i, msg := range transcript {
		want := domain.RoleUser
		if i%2 == 1 {
			want = domain.RoleAssistant
		}
		assert.Equal(t, want, msg.Role, "message %d", i)
	}
}

func TestSubmitForwardsTranscriptVerbatim(t *testing.T) {
	gw := &fakeGateway{replies: [][]string{{"first"}, {"second"}}}
	c := newReadyController(t, gw)
	require.NoError(t, c.SelectModel("gpt-4"))

	_, err := c.Submit(context.Background(), "one", nil)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), "two", nil)
	require.NoError(t, err)

	req := gw.lastRequest(t)
	assert.Equal(t, "gpt-4", req.Model)
	assert.Equal(t, "sk-test", req.APIKey)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "one", req.Messages[0].Content)
	assert.Equal(t, "first", req.Messages[1].Content)
	assert.Equal(t, "two", req.Messages[2].Content)
}

func TestSubmitReportsFragmentsAndBuffer(t *testing.T) {
	gw := &fakeGateway{replies: [][]string{{"Use ", "`open`", "."}}}
	c := newReadyController(t, gw)

	var fragments, buffers []string
	reply, err := c.Submit(context.Background(), "How do I read a file?", func(fragment, buffer string) {
		fragments = append(fragments, fragment)
		buffers = append(buffers, buffer)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Use ", "`open`", "."}, fragments)
	assert.Equal(t, []string{"Use ", "Use `open`", "Use `open`."}, buffers)
	assert.Equal(t, "Use `open`.", reply.Content)
	assert.Equal(t, domain.RoleAssistant, reply.Role)
}

func TestSubmitWithoutCredentialDoesNotMutate(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestController(gw)

	_, err := c.Submit(context.Background(), "hello", nil)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "api_key", cfgErr.Field)
	assert.Empty(t, c.Transcript())
	assert.Empty(t, gw.requests)
}

func TestSubmitRejectsBlankText(t *testing.T) {
	c := newReadyController(t, &fakeGateway{})

	_, err := c.Submit(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, c.Transcript())
}

func TestSubmitGatewayFailureKeepsUserMessage(t *testing.T) {
	boom := errors.New("401 unauthorized")
	gw := &fakeGateway{replies: [][]string{{"partial ", "text"}}, failWith: boom, failAt: 1}
	c := newReadyController(t, gw)

	_, err := c.Submit(context.Background(), "hello", nil)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "gpt-3.5-turbo", gwErr.Model)
	assert.ErrorIs(t, err, boom)

	transcript := c.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, domain.RoleUser, transcript[0].Role)
	assert.Equal(t, 0, c.EditableIndex())

	snap := c.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Empty(t, snap.Pending)
}

func TestSubmitEmptyStreamIsGatewayError(t *testing.T) {
	c := newReadyController(t, &fakeGateway{replies: [][]string{{}}})

	_, err := c.Submit(context.Background(), "hello", nil)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.ErrorIs(t, err, gateway.ErrEmptyCompletion)
	assert.Len(t, c.Transcript(), 1)
}

func TestOnlyLastUserMessageIsEditable(t *testing.T) {
	c := newReadyController(t, &fakeGateway{})
	_, err := c.Submit(context.Background(), "first", nil)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), "second", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, c.EditableIndex())

	_, err = c.EditAndResend(context.Background(), 0, "changed", nil)
	assert.ErrorIs(t, err, ErrNotEditable)
	assert.ErrorIs(t, c.BeginEdit(0), ErrNotEditable)
	assert.ErrorIs(t, c.BeginEdit(1), ErrNotEditable)
	assert.Equal(t, "first", c.Transcript()[0].Content)
}

func TestEditAndResendKeepsLength(t *testing.T) {
	gw := &fakeGateway{replies: [][]string{{"a1"}, {"a2"}, {"a2 revised"}}}
	c := newReadyController(t, gw)
	_, err := c.Submit(context.Background(), "q1", nil)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), "q2", nil)
	require.NoError(t, err)
	before := c.Transcript()

	require.NoError(t, c.BeginEdit(2))
	reply, err := c.EditAndResend(context.Background(), 2, "q2 again", nil)
	require.NoError(t, err)

	after := c.Transcript()
	require.Len(t, after, len(before))
	assert.Equal(t, "q2 again", after[2].Content)
	assert.Equal(t, before[2].ID, after[2].ID)
	assert.Equal(t, "a2 revised", after[3].Content)
	assert.Equal(t, reply.ID, after[3].ID)
	assert.NotEqual(t, before[3].ID, after[3].ID)
	assert.Equal(t, before[:2], after[:2])
	assert.False(t, c.Snapshot().Edit.Active)
}

func TestEditAndResendDropsStaleReplyBeforeCalling(t *testing.T) {
	gw := &fakeGateway{replies: [][]string{{"stale answer"}, {"fresh answer"}}}
	c := newReadyController(t, gw)
	_, err := c.Submit(context.Background(), "q", nil)
	require.NoError(t, err)

	_, err = c.EditAndResend(context.Background(), 0, "q edited", nil)
	require.NoError(t, err)

	req := gw.lastRequest(t)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, domain.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "q edited", req.Messages[0].Content)
}

func TestEditAndResendAfterFailedTurn(t *testing.T) {
	gw := &fakeGateway{failWith: errors.New("timeout")}
	c := newReadyController(t, gw)
	_, err := c.Submit(context.Background(), "q", nil)
	require.Error(t, err)

	gw.failWith = nil
	_, err = c.EditAndResend(context.Background(), 0, "q retry", nil)
	require.NoError(t, err)

	transcript := c.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "q retry", transcript[0].Content)
	assert.Equal(t, domain.RoleAssistant, transcript[1].Role)
}

func TestEditAndResendWithoutCredentialDoesNotMutate(t *testing.T) {
	c := newReadyController(t, &fakeGateway{})
	_, err := c.Submit(context.Background(), "q", nil)
	require.NoError(t, err)
	require.NoError(t, c.SetAPIKey(""))
	before := c.Transcript()

	_, err = c.EditAndResend(context.Background(), 0, "changed", nil)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, before, c.Transcript())
}

func TestSelectLanguageAlwaysClears(t *testing.T) {
	c := newReadyController(t, &fakeGateway{})
	_, err := c.Submit(context.Background(), "q", nil)
	require.NoError(t, err)
	require.NoError(t, c.BeginEdit(0))

	require.NoError(t, c.SelectLanguage("Python"))
	snap := c.Snapshot()
	assert.Empty(t, snap.Transcript)
	assert.False(t, snap.Edit.Active)
	assert.Equal(t, -1, c.EditableIndex())

	require.NoError(t, c.SelectLanguage("Go"))
	assert.Empty(t, c.Transcript())
	assert.Equal(t, "Go", c.Snapshot().Settings.Language)
}

func TestSelectRejectsUnknownOptions(t *testing.T) {
	c := newTestController(&fakeGateway{})

	var cfgErr *ConfigurationError
	require.ErrorAs(t, c.SelectLanguage("COBOL"), &cfgErr)
	assert.Equal(t, "language", cfgErr.Field)
	require.ErrorAs(t, c.SelectModel("gpt-5"), &cfgErr)
	assert.Equal(t, "model", cfgErr.Field)
	require.ErrorAs(t, c.SelectLevel("guru"), &cfgErr)
	assert.Equal(t, "level", cfgErr.Field)

	snap := c.Snapshot()
	assert.Equal(t, "Python", snap.Settings.Language)
	assert.Equal(t, "gpt-3.5-turbo", snap.Settings.Model)
	assert.Equal(t, domain.LevelBeginner, snap.Settings.Level)

	require.NoError(t, c.SelectLevel(domain.LevelAdvanced))
	assert.Equal(t, domain.LevelAdvanced, c.Snapshot().Settings.Level)
}

func TestRustScenario(t *testing.T) {
	gw := &fakeGateway{replies: [][]string{
		{"Use ", "std::fs::read_to_string."},
		{"Use ", "BufReader::lines."},
	}}
	c := newReadyController(t, gw)

	require.NoError(t, c.SelectLanguage("Rust"))
	_, err := c.Submit(context.Background(), "How do I read a file?", nil)
	require.NoError(t, err)

	transcript := c.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, domain.RoleUser, transcript[0].Role)
	assert.Equal(t, "How do I read a file?", transcript[0].Content)
	assert.Equal(t, domain.RoleAssistant, transcript[1].Role)
	first := transcript[1]

	_, err = c.EditAndResend(context.Background(), 0, "How do I read a file line by line?", nil)
	require.NoError(t, err)

	transcript = c.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "How do I read a file line by line?", transcript[0].Content)
	assert.Equal(t, domain.RoleAssistant, transcript[1].Role)
	assert.NotEqual(t, first.ID, transcript[1].ID)
	assert.Equal(t, "Use BufReader::lines.", transcript[1].Content)
}

func TestMutationsRejectedWhileStreaming(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{}), started: make(chan struct{})}
	c := newReadyController(t, gw)

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "slow question", nil)
		done <- err
	}()
	<-gw.started

	snap := c.Snapshot()
	assert.True(t, snap.Streaming)
	assert.Len(t, snap.Transcript, 1)

	_, err := c.Submit(context.Background(), "another", nil)
	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.ErrorIs(t, c.SelectLanguage("Go"), ErrTurnInProgress)
	assert.ErrorIs(t, c.SetAPIKey(""), ErrTurnInProgress)

	close(gw.block)
	require.NoError(t, <-done)
	assert.Len(t, c.Transcript(), 2)
	assert.Equal(t, "Python", c.Snapshot().Settings.Language)
}

func TestUpdateSettingsIsAllOrNothing(t *testing.T) {
	c := newTestController(&fakeGateway{})
	model := "gpt-4"
	bad := domain.Level("wizard")
	key := "sk-new"

	err := c.UpdateSettings(SettingsUpdate{Model: &model, Level: &bad, APIKey: &key})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "level", cfgErr.Field)

	snap := c.Snapshot()
	assert.Equal(t, "gpt-3.5-turbo", snap.Settings.Model)
	assert.Equal(t, domain.LevelBeginner, snap.Settings.Level)
	assert.False(t, snap.Settings.HasCredential())

	good := domain.LevelAdvanced
	require.NoError(t, c.UpdateSettings(SettingsUpdate{Model: &model, Level: &good, APIKey: &key}))
	snap = c.Snapshot()
	assert.Equal(t, "gpt-4", snap.Settings.Model)
	assert.Equal(t, domain.LevelAdvanced, snap.Settings.Level)
	assert.Equal(t, "sk-new", snap.Settings.APIKey)
}

func TestTryCloseWaitsForTurn(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{}), started: make(chan struct{})}
	c := newReadyController(t, gw)

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "slow question", nil)
		done <- err
	}()
	<-gw.started

	assert.ErrorIs(t, c.TryClose(), ErrTurnInProgress)

	close(gw.block)
	require.NoError(t, <-done)
	require.Len(t, c.Transcript(), 2)

	require.NoError(t, c.TryClose())
	assert.Empty(t, c.Transcript())
	assert.NoError(t, c.TryClose())

	_, err := c.Submit(context.Background(), "after close", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, c.SelectLanguage("Go"), ErrSessionClosed)
	assert.ErrorIs(t, c.BeginEdit(0), ErrSessionClosed)
}
