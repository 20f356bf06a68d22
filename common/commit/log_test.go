package commit

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/process"
	"github.com/lyzr/dataflow/common/store/memory"
)

// capturePublisher records published events for assertions
type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	channel string
	topic   string
	payload any
}

func (p *capturePublisher) Publish(_ context.Context, channel, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{channel: channel, topic: topic, payload: payload})
	return nil
}

func (p *capturePublisher) all() []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capturedEvent{}, p.events...)
}

func newTestLog(t *testing.T) (*Log, *capturePublisher, *process.Registry) {
	t.Helper()
	log := logger.New("error", "text")
	registry := process.NewRegistry(log)
	publisher := &capturePublisher{}
	return New(Opts{
		Store:     memory.New(log),
		Registry:  registry,
		Publisher: publisher,
		Logger:    log,
	}), publisher, registry
}

func createWorkflow(t *testing.T, l *Log) uuid.UUID {
	t.Helper()
	dataflowID := uuid.New()
	_, err := l.Execute(context.Background(), dataflowID, "create", []models.Command{{
		Type:           models.CommandCreateWorkflow,
		CreateWorkflow: &models.CreateWorkflowPayload{ActorID: "actor-1", Type: "pipeline"},
	}}, ExecuteOpts{})
	require.NoError(t, err)
	return dataflowID
}

func TestExecute_EmptyCommands(t *testing.T) {
	l, _, _ := newTestLog(t)

	_, err := l.Execute(context.Background(), uuid.New(), "op", nil, ExecuteOpts{})
	require.Error(t, err)
	assert.Equal(t, "Commands array cannot be empty", err.Error())
}

func TestSubmit_EmptyCommands(t *testing.T) {
	l, _, _ := newTestLog(t)

	_, err := l.Submit(context.Background(), uuid.New(), "op", nil)
	require.Error(t, err)
	assert.Equal(t, "Commands array cannot be empty", err.Error())
}

func TestSubmit_UnknownWorkflow(t *testing.T) {
	l, _, _ := newTestLog(t)

	_, err := l.Submit(context.Background(), uuid.New(), "op", []models.Command{{
		Type:       models.CommandCreateNode,
		CreateNode: &models.CreateNodePayload{Type: "func"},
	}})
	require.Error(t, err)
	assert.Equal(t, "Workflow not found", err.Error())
}

func TestSubmit_DefersUntilApply(t *testing.T) {
	l, _, _ := newTestLog(t)
	ctx := context.Background()
	dataflowID := createWorkflow(t, l)

	nodeID := uuid.New()
	commitID, err := l.Submit(ctx, dataflowID, "deferred", []models.Command{{
		Type:       models.CommandCreateNode,
		CreateNode: &models.CreateNodePayload{NodeID: &nodeID, Type: "func"},
	}})
	require.NoError(t, err)

	// Nothing applied yet
	_, err = l.Store().GetNode(ctx, dataflowID, nodeID)
	require.Error(t, err)

	pending, err := l.PendingCommits(ctx, dataflowID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{commitID}, pending)

	_, err = l.Execute(ctx, dataflowID, "apply", []models.Command{{
		Type:        models.CommandApplyCommit,
		ApplyCommit: &models.ApplyCommitPayload{CommitID: commitID},
	}}, ExecuteOpts{})
	require.NoError(t, err)

	_, err = l.Store().GetNode(ctx, dataflowID, nodeID)
	require.NoError(t, err)

	pending, err = l.PendingCommits(ctx, dataflowID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmit_OrderedByCommitID(t *testing.T) {
	l, _, _ := newTestLog(t)
	ctx := context.Background()
	dataflowID := createWorkflow(t, l)

	cmd := models.Command{
		Type:       models.CommandCreateData,
		CreateData: &models.CreateDataPayload{Type: models.DataTypeNodeInput, Key: "x", Content: 1},
	}

	first, err := l.Submit(ctx, dataflowID, "op-1", []models.Command{cmd})
	require.NoError(t, err)
	second, err := l.Submit(ctx, dataflowID, "op-2", []models.Command{cmd})
	require.NoError(t, err)

	pending, err := l.PendingCommits(ctx, dataflowID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, pending)
}

func TestSubmit_NudgesDriverMailbox(t *testing.T) {
	l, _, registry := newTestLog(t)
	ctx := context.Background()
	dataflowID := createWorkflow(t, l)

	mb, err := registry.Listen(process.DataflowName(dataflowID))
	require.NoError(t, err)
	defer mb.Close()

	commitID, err := l.Submit(ctx, dataflowID, "op", []models.Command{{
		Type:       models.CommandCreateData,
		CreateData: &models.CreateDataPayload{Type: models.DataTypeNodeInput, Key: "x", Content: 1},
	}})
	require.NoError(t, err)

	msg, ok := mb.Receive(ctx)
	require.True(t, ok)
	assert.Equal(t, process.TopicCommit, msg.Topic)
	assert.Equal(t, commitID, msg.Payload)
}

func TestPublish_NodeEventsSuppressWorkflowEvent(t *testing.T) {
	l, publisher, _ := newTestLog(t)
	ctx := context.Background()
	dataflowID := createWorkflow(t, l)
	publisher.events = nil

	running := models.WorkflowStatusRunning
	_, err := l.Execute(ctx, dataflowID, "mixed", []models.Command{
		{
			Type:       models.CommandCreateNode,
			CreateNode: &models.CreateNodePayload{Type: "func"},
		},
		{
			Type:           models.CommandUpdateWorkflow,
			UpdateWorkflow: &models.UpdateWorkflowPayload{Status: &running},
		},
	}, ExecuteOpts{})
	require.NoError(t, err)

	events := publisher.all()
	require.Len(t, events, 1)
	assert.Equal(t, process.UserName("actor-1"), events[0].channel)
	assert.Equal(t, process.EventTopic(dataflowID), events[0].topic)

	nodeEvent, ok := events[0].payload.(NodeEvent)
	require.True(t, ok)
	assert.Equal(t, "create", nodeEvent.Op)
	assert.Equal(t, models.NodeStatusPending, nodeEvent.Status)
}

func TestPublish_WorkflowOnlyBatchEmitsWorkflowEvent(t *testing.T) {
	l, publisher, _ := newTestLog(t)
	ctx := context.Background()
	dataflowID := createWorkflow(t, l)
	publisher.events = nil

	running := models.WorkflowStatusRunning
	_, err := l.Execute(ctx, dataflowID, "status", []models.Command{{
		Type:           models.CommandUpdateWorkflow,
		UpdateWorkflow: &models.UpdateWorkflowPayload{Status: &running},
	}}, ExecuteOpts{})
	require.NoError(t, err)

	events := publisher.all()
	require.Len(t, events, 1)
	wfEvent, ok := events[0].payload.(WorkflowEvent)
	require.True(t, ok)
	assert.Equal(t, dataflowID, wfEvent.DataflowID)
}

func TestPublish_SkipPublish(t *testing.T) {
	l, publisher, _ := newTestLog(t)
	ctx := context.Background()
	dataflowID := createWorkflow(t, l)
	publisher.events = nil

	_, err := l.Execute(ctx, dataflowID, "quiet", []models.Command{{
		Type:       models.CommandCreateNode,
		CreateNode: &models.CreateNodePayload{Type: "func"},
	}}, ExecuteOpts{SkipPublish: true})
	require.NoError(t, err)

	assert.Empty(t, publisher.all())
}
