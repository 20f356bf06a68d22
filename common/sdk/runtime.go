// Package sdk is the runtime handed to node functions. It buffers commands,
// caches inputs, and routes results to the node's declared targets when the
// function completes or fails.
package sdk

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/commit"
	"github.com/lyzr/dataflow/common/condition"
	"github.com/lyzr/dataflow/common/logger"
	"github.com/lyzr/dataflow/common/models"
	"github.com/lyzr/dataflow/common/process"
	"github.com/lyzr/dataflow/common/reader"
)

// FuncError is a structured function failure carried into the error result
type FuncError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FuncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// YieldRequest is sent to the workflow driver when a node yields
type YieldRequest struct {
	NodeID  uuid.UUID
	ReplyTo string
	Content any
}

// NodeDone notifies the driver that a node reached a terminal status
type NodeDone struct {
	NodeID uuid.UUID
	Status models.NodeStatus
}

// Result is the outcome bundle returned by Complete and Fail, carrying the
// ids of every data record the finishing batch created.
type Result struct {
	Success bool        `json:"success"`
	Error   *FuncError  `json:"error,omitempty"`
	DataIDs []uuid.UUID `json:"data_ids"`
}

// Opts configures a Runtime
type Opts struct {
	Log       *commit.Log
	Registry  *process.Registry
	Evaluator *condition.Evaluator
	Logger    *logger.Logger

	DataflowID uuid.UUID
	Node       *models.Node
}

// Runtime is the per-invocation execution context of a node function
type Runtime struct {
	log       *commit.Log
	registry  *process.Registry
	evaluator *condition.Evaluator
	logger    *logger.Logger

	dataflowID uuid.UUID
	node       *models.Node

	buffered []models.Command
	inputs   map[string]any
	finished bool

	// local metadata copy, mutated by PatchMetadata
	metadata models.Metadata
	// index of the buffered metadata update, -1 when none
	metadataIdx int
}

// NewRuntime creates a runtime bound to one node invocation
func NewRuntime(opts Opts) *Runtime {
	metadata := make(models.Metadata, len(opts.Node.Metadata))
	for key, value := range opts.Node.Metadata {
		metadata[key] = value
	}
	return &Runtime{
		log:         opts.Log,
		registry:    opts.Registry,
		evaluator:   opts.Evaluator,
		logger:      opts.Logger,
		dataflowID:  opts.DataflowID,
		node:        opts.Node,
		metadata:    metadata,
		metadataIdx: -1,
	}
}

// Node returns the node being executed
func (r *Runtime) Node() *models.Node {
	return r.node
}

// DataflowID returns the owning workflow id
func (r *Runtime) DataflowID() uuid.UUID {
	return r.dataflowID
}

// Params returns the node's function parameters
func (r *Runtime) Params() models.Metadata {
	return r.node.Config.Params
}

// Metadata returns the runtime's local metadata copy, including any
// patches applied through PatchMetadata
func (r *Runtime) Metadata() models.Metadata {
	return r.metadata
}

// PatchMetadata merges patch into the local metadata copy and buffers an
// UPDATE_NODE carrying the merged result. Successive patches compose into
// a single buffered update; an empty patch with nothing buffered is a
// no-op. Chainable.
func (r *Runtime) PatchMetadata(patch models.Metadata) *Runtime {
	if len(patch) == 0 && r.metadataIdx < 0 {
		return r
	}

	for key, value := range patch {
		r.metadata[key] = value
	}
	merged := make(models.Metadata, len(r.metadata))
	for key, value := range r.metadata {
		merged[key] = value
	}

	if r.metadataIdx >= 0 {
		r.buffered[r.metadataIdx].UpdateNode.Metadata = merged
		return r
	}

	nodeID := r.node.NodeID
	r.metadataIdx = len(r.buffered)
	r.buffered = append(r.buffered, models.Command{
		Type:       models.CommandUpdateNode,
		UpdateNode: &models.UpdateNodePayload{NodeID: nodeID, Metadata: merged},
	})
	return r
}

// Inputs returns the node's input values keyed by record key, with
// references replaced by their referents. The result is cached: inputs
// arriving after the first call are not observed by this invocation.
func (r *Runtime) Inputs(ctx context.Context) (map[string]any, error) {
	if r.inputs != nil {
		return r.inputs, nil
	}

	records, err := reader.NewData(r.log.Store(), r.dataflowID).
		NodeIDs(r.node.NodeID).
		Types(models.DataTypeNodeInput).
		WithContent().
		WithMetadata().
		ReplaceReferences().
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load node inputs: %w", err)
	}

	inputs := make(map[string]any, len(records))
	for _, rec := range records {
		value, err := rec.DecodeContent()
		if err != nil {
			return nil, err
		}
		inputs[rec.Key] = value
	}

	r.inputs = inputs
	return inputs, nil
}

// Input returns a single input value by key
func (r *Runtime) Input(ctx context.Context, key string) (any, bool, error) {
	inputs, err := r.Inputs(ctx)
	if err != nil {
		return nil, false, err
	}
	value, ok := inputs[key]
	return value, ok, nil
}

// Data returns a reader over the workflow's data records
func (r *Runtime) Data() reader.DataReader {
	return reader.NewData(r.log.Store(), r.dataflowID)
}

// Nodes returns a reader over the workflow's nodes
func (r *Runtime) Nodes() reader.NodeReader {
	return reader.NewNodes(r.log.Store(), r.dataflowID)
}

// Add buffers commands to be flushed with the next Submit, Complete, or
// Fail. Chainable.
func (r *Runtime) Add(cmds ...models.Command) *Runtime {
	r.buffered = append(r.buffered, cmds...)
	return r
}

// DataOpt refines a data record buffered through AddData
type DataOpt func(*models.CreateDataPayload)

// WithKey sets the record's key
func WithKey(key string) DataOpt {
	return func(p *models.CreateDataPayload) { p.Key = key }
}

// WithDiscriminator sets the record's discriminator
func WithDiscriminator(discriminator string) DataOpt {
	return func(p *models.CreateDataPayload) { p.Discriminator = discriminator }
}

// WithContentType overrides the inferred content type
func WithContentType(contentType string) DataOpt {
	return func(p *models.CreateDataPayload) { p.ContentType = contentType }
}

// WithDataMetadata attaches metadata to the record
func WithDataMetadata(metadata models.Metadata) DataOpt {
	return func(p *models.CreateDataPayload) { p.Metadata = metadata }
}

// ForNode targets the record at another node instead of this one
func ForNode(nodeID uuid.UUID) DataOpt {
	return func(p *models.CreateDataPayload) { p.NodeID = &nodeID }
}

// AddData buffers a CREATE_DATA for this node. Tables are stored as JSON
// and strings as text unless WithContentType overrides the inference.
// Chainable.
func (r *Runtime) AddData(dataType models.DataType, content any, opts ...DataOpt) *Runtime {
	nodeID := r.node.NodeID
	payload := &models.CreateDataPayload{
		NodeID:  &nodeID,
		Type:    dataType,
		Content: content,
	}
	for _, opt := range opts {
		opt(payload)
	}
	r.buffered = append(r.buffered, models.Command{
		Type:       models.CommandCreateData,
		CreateData: payload,
	})
	return r
}

// WithChildNodes buffers CREATE_NODE commands parented under this node and
// returns the ids the children will receive
func (r *Runtime) WithChildNodes(payloads ...models.CreateNodePayload) []uuid.UUID {
	parentID := r.node.NodeID
	ids := make([]uuid.UUID, len(payloads))
	for i := range payloads {
		p := payloads[i]
		if p.NodeID == nil {
			id := uuid.New()
			p.NodeID = &id
		}
		ids[i] = *p.NodeID
		p.ParentNodeID = &parentID
		r.buffered = append(r.buffered, models.Command{
			Type:       models.CommandCreateNode,
			CreateNode: &p,
		})
	}
	return ids
}

// Submit flushes the buffered commands as a deferred commit applied by the
// workflow's driver. The buffer is cleared on success and left untouched
// on failure.
func (r *Runtime) Submit(ctx context.Context, opID string) (uuid.UUID, error) {
	commitID, err := r.log.Submit(ctx, r.dataflowID, opID, r.buffered)
	if err != nil {
		return uuid.Nil, err
	}
	r.buffered = nil
	r.metadataIdx = -1
	return commitID, nil
}

// Yield writes a node_yield record, notifies the driver, and blocks until
// the driver replies or ctx is done. The reply payload is returned as-is.
func (r *Runtime) Yield(ctx context.Context, content any) (any, error) {
	nodeID := r.node.NodeID

	yieldRecord := models.Command{
		Type: models.CommandCreateData,
		CreateData: &models.CreateDataPayload{
			NodeID:  &nodeID,
			Type:    models.DataTypeNodeYield,
			Content: content,
		},
	}
	if _, err := r.log.Execute(ctx, r.dataflowID, "node_yield:"+nodeID.String(), []models.Command{yieldRecord}, commit.ExecuteOpts{}); err != nil {
		return nil, fmt.Errorf("failed to record yield: %w", err)
	}

	replyTo := process.YieldReplyName(nodeID)
	mailbox, err := r.registry.Listen(replyTo)
	if err != nil {
		return nil, err
	}
	defer mailbox.Close()

	sent := r.registry.Send(process.DataflowName(r.dataflowID), process.TopicYieldRequest, YieldRequest{
		NodeID:  nodeID,
		ReplyTo: replyTo,
		Content: content,
	})
	if !sent {
		return nil, errors.New("workflow driver is not running")
	}

	msg, ok := mailbox.Receive(ctx)
	if !ok {
		return nil, ctx.Err()
	}
	return msg.Payload, nil
}

// Complete finishes the node successfully: the buffered commands, the
// result record, the routed records, and the status transition execute as
// one atomic batch. The returned bundle carries the created data ids.
func (r *Runtime) Complete(ctx context.Context, output any) (*Result, error) {
	dataIDs, err := r.finish(ctx, output, models.NodeStatusCompleted, models.DiscriminatorResultSuccess, r.node.Config.DataTargets)
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, DataIDs: dataIDs}, nil
}

// Fail finishes the node in failure, routing the error content to the
// node's error targets
func (r *Runtime) Fail(ctx context.Context, failure error) (*Result, error) {
	var fe *FuncError
	if !errors.As(failure, &fe) {
		fe = &FuncError{Code: "FUNCTION_EXECUTION_FAILED", Message: failure.Error()}
	}
	content := map[string]any{
		"code":    fe.Code,
		"message": fe.Message,
	}
	dataIDs, err := r.finish(ctx, content, models.NodeStatusFailed, models.DiscriminatorResultError, r.node.Config.ErrorTargets)
	if err != nil {
		return nil, err
	}
	return &Result{Success: false, Error: fe, DataIDs: dataIDs}, nil
}

func (r *Runtime) finish(ctx context.Context, output any, status models.NodeStatus, discriminator string, targets []models.TargetDescriptor) ([]uuid.UUID, error) {
	if r.finished {
		return nil, errors.New("node already finished")
	}
	r.finished = true

	nodeID := r.node.NodeID
	cmds := r.buffered
	r.buffered = nil
	r.metadataIdx = -1

	cmds = append(cmds, models.Command{
		Type: models.CommandCreateData,
		CreateData: &models.CreateDataPayload{
			NodeID:        &nodeID,
			Type:          models.DataTypeNodeResult,
			Discriminator: discriminator,
			Content:       output,
		},
	})

	routed, err := r.route(output, targets)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, routed...)

	cmds = append(cmds, models.Command{
		Type: models.CommandUpdateNode,
		UpdateNode: &models.UpdateNodePayload{
			NodeID: nodeID,
			Status: &status,
		},
	})

	batch, err := r.log.Execute(ctx, r.dataflowID, "node_finish:"+nodeID.String(), cmds, commit.ExecuteOpts{})
	if err != nil {
		return nil, err
	}

	var dataIDs []uuid.UUID
	for _, res := range batch.Results {
		if res.Type == models.CommandCreateData && res.DataID != nil {
			dataIDs = append(dataIDs, *res.DataID)
		}
	}

	r.registry.Send(process.DataflowName(r.dataflowID), process.TopicNodeDone, NodeDone{NodeID: nodeID, Status: status})
	return dataIDs, nil
}

// route materialises one CREATE_DATA per matching target descriptor. The
// routed record carries a copy of the output content; references are not
// used here because the descriptor's key would collide with the
// reference-pointer key.
func (r *Runtime) route(output any, targets []models.TargetDescriptor) ([]models.Command, error) {
	var cmds []models.Command
	for _, target := range targets {
		if target.Condition != "" {
			match, err := r.evaluator.Evaluate(target.Condition, output, r.metadata)
			if err != nil {
				return nil, fmt.Errorf("route condition failed: %w", err)
			}
			if !match {
				r.logger.Debug("route skipped by condition", "node_id", r.node.NodeID, "condition", target.Condition)
				continue
			}
		}

		cmds = append(cmds, models.Command{
			Type: models.CommandCreateData,
			CreateData: &models.CreateDataPayload{
				NodeID:        target.NodeID,
				Type:          target.DataType,
				Key:           target.Key,
				Discriminator: target.Discriminator,
				ContentType:   target.ContentType,
				Content:       output,
				Metadata:      target.Metadata,
			},
		})
	}
	return cmds, nil
}
