package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/whatsapp-assistant-relay/internal/conversation"
)

type fakeAPI struct {
	mu sync.Mutex

	threadID  string
	threadErr error

	messageErr error
	messages   []openai.MessageRequest

	runErr     error
	runs       []openai.RunRequest
	statuses   []openai.RunStatus
	lastError  *openai.RunLastError
	retrieveCt int

	listErr    error
	list       openai.MessagesList
	listRunIDs []string
}

func (f *fakeAPI) CreateThread(context.Context, openai.ThreadRequest) (openai.Thread, error) {
	if f.threadErr != nil {
		return openai.Thread{}, f.threadErr
	}
	return openai.Thread{ID: f.threadID}, nil
}

func (f *fakeAPI) CreateMessage(_ context.Context, _ string, req openai.MessageRequest) (openai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messageErr != nil {
		return openai.Message{}, f.messageErr
	}
	f.messages = append(f.messages, req)
	return openai.Message{ID: "msg_user"}, nil
}

func (f *fakeAPI) CreateRun(_ context.Context, _ string, req openai.RunRequest) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return openai.Run{}, f.runErr
	}
	f.runs = append(f.runs, req)
	return openai.Run{ID: "run_1", Status: openai.RunStatusQueued}, nil
}

func (f *fakeAPI) RetrieveRun(ctx context.Context, _ string, runID string) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return openai.Run{}, err
	}
	status := openai.RunStatusInProgress
	if f.retrieveCt < len(f.statuses) {
		status = f.statuses[f.retrieveCt]
	}
	f.retrieveCt++
	return openai.Run{ID: runID, Status: status, LastError: f.lastError}, nil
}

func (f *fakeAPI) ListMessage(_ context.Context, _ string, _ *int, _ *string, _ *string, _ *string, runID *string) (openai.MessagesList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if runID != nil {
		f.listRunIDs = append(f.listRunIDs, *runID)
	}
	if f.listErr != nil {
		return openai.MessagesList{}, f.listErr
	}
	return f.list, nil
}

func assistantText(text string) openai.Message {
	return openai.Message{
		Role: openai.ChatMessageRoleAssistant,
		Content: []openai.MessageContent{
			{Type: "text", Text: &openai.MessageText{Value: text}},
		},
	}
}

func newTestClient(t *testing.T, api *fakeAPI, timeout time.Duration) *Client {
	t.Helper()
	c, err := newClient(api, Config{
		AssistantID:  "asst_1",
		Timeout:      timeout,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

var ref = conversation.Reference{SenderID: "5551234567", ThreadID: "thread_1"}

func TestGenerateReplyCompletes(t *testing.T) {
	api := &fakeAPI{
		statuses: []openai.RunStatus{openai.RunStatusInProgress, openai.RunStatusCompleted},
		list: openai.MessagesList{Messages: []openai.Message{
			assistantText("hi there"),
			{Role: openai.ChatMessageRoleUser, Content: []openai.MessageContent{{Type: "text", Text: &openai.MessageText{Value: "hello"}}}},
		}},
	}
	c := newTestClient(t, api, time.Second)

	reply, err := c.GenerateReply(context.Background(), ref, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)

	require.Len(t, api.messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, api.messages[0].Role)
	assert.Equal(t, "hello", api.messages[0].Content)
	require.Len(t, api.runs, 1)
	assert.Equal(t, "asst_1", api.runs[0].AssistantID)
	assert.Equal(t, []string{"run_1"}, api.listRunIDs)
	assert.Equal(t, 2, api.retrieveCt)
}

func TestGenerateReplyJoinsTextParts(t *testing.T) {
	msg := assistantText("first")
	msg.Content = append(msg.Content,
		openai.MessageContent{Type: "image_file"},
		openai.MessageContent{Type: "text", Text: &openai.MessageText{Value: "second"}},
	)
	api := &fakeAPI{
		statuses: []openai.RunStatus{openai.RunStatusCompleted},
		list:     openai.MessagesList{Messages: []openai.Message{msg}},
	}
	c := newTestClient(t, api, time.Second)

	reply, err := c.GenerateReply(context.Background(), ref, "hello")
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", reply)
}

func TestGenerateReplyFailures(t *testing.T) {
	apiDown := errors.New("429 rate limited")
	tests := []struct {
		name   string
		api    *fakeAPI
		wantOp string
	}{
		{name: "create message", api: &fakeAPI{messageErr: apiDown}, wantOp: "create_message"},
		{name: "create run", api: &fakeAPI{runErr: apiDown}, wantOp: "create_run"},
		{
			name: "run failed",
			api: &fakeAPI{
				statuses:  []openai.RunStatus{openai.RunStatusFailed},
				lastError: &openai.RunLastError{Message: "server_error"},
			},
			wantOp: "run",
		},
		{name: "run cancelled", api: &fakeAPI{statuses: []openai.RunStatus{openai.RunStatusCancelled}}, wantOp: "run"},
		{name: "run expired", api: &fakeAPI{statuses: []openai.RunStatus{openai.RunStatusExpired}}, wantOp: "run"},
		{name: "requires action", api: &fakeAPI{statuses: []openai.RunStatus{openai.RunStatusRequiresAction}}, wantOp: "run"},
		{
			name:   "list messages",
			api:    &fakeAPI{statuses: []openai.RunStatus{openai.RunStatusCompleted}, listErr: apiDown},
			wantOp: "list_messages",
		},
		{
			name:   "no text",
			api:    &fakeAPI{statuses: []openai.RunStatus{openai.RunStatusCompleted}},
			wantOp: "list_messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.api, time.Second)
			_, err := c.GenerateReply(context.Background(), ref, "hello")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUpstream)

			var upErr *UpstreamError
			require.ErrorAs(t, err, &upErr)
			assert.Equal(t, tt.wantOp, upErr.Op)
		})
	}
}

func TestGenerateReplyTimesOut(t *testing.T) {
	// The run never leaves in_progress.
	api := &fakeAPI{}
	c := newTestClient(t, api, 30*time.Millisecond)

	start := time.Now()
	_, err := c.GenerateReply(context.Background(), ref, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGenerateReplyRequiresThread(t *testing.T) {
	c := newTestClient(t, &fakeAPI{}, time.Second)
	_, err := c.GenerateReply(context.Background(), conversation.Reference{}, "hello")
	assert.Error(t, err)
}

func TestCreateThread(t *testing.T) {
	c := newTestClient(t, &fakeAPI{threadID: "thread_9"}, time.Second)
	id, err := c.CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thread_9", id)

	c = newTestClient(t, &fakeAPI{threadErr: errors.New("boom")}, time.Second)
	_, err = c.CreateThread(context.Background())
	assert.ErrorIs(t, err, ErrUpstream)

	c = newTestClient(t, &fakeAPI{}, time.Second)
	_, err = c.CreateThread(context.Background())
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{AssistantID: "asst_1"})
	assert.Error(t, err)

	_, err = New(Config{APIKey: "sk-test"})
	assert.Error(t, err)

	c, err := New(Config{APIKey: "sk-test", AssistantID: "asst_1", BaseURL: "http://localhost:9999/v1/"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.timeout)
	assert.Equal(t, DefaultPollInterval, c.pollInterval)
}
