// Package process is the in-process mailbox and registry layer. Named
// processes own a mailbox; ad-hoc listeners register bare mailboxes.
// Names double as mutual-exclusion locks: a second spawn or listen under
// the same name is rejected.
package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/dataflow/common/logger"
)

// Well-known message topics
const (
	TopicCommit       = "commit"
	TopicYieldRequest = "yield_request"
	TopicCancel       = "cancel"
	TopicNodeDone     = "node_done"
)

// DataflowName is the mailbox name of a workflow's driver process
func DataflowName(dataflowID uuid.UUID) string {
	return "dataflow." + dataflowID.String()
}

// UserName is the mailbox name events for an actor are sent to
func UserName(actorID string) string {
	return "user." + actorID
}

// YieldReplyName is the mailbox a yielding worker blocks on
func YieldReplyName(nodeID uuid.UUID) string {
	return "yield_reply:" + nodeID.String()
}

// EventTopic is the topic carried by published workflow events
func EventTopic(dataflowID uuid.UUID) string {
	return "dataflow:" + dataflowID.String()
}

// Message is a mailbox message
type Message struct {
	Topic   string
	Payload any
}

// Mailbox is a named message channel
type Mailbox struct {
	name string
	ch   chan Message
	reg  *Registry
}

// Name returns the mailbox name
func (m *Mailbox) Name() string {
	return m.name
}

// Receive blocks until a message arrives or ctx is done
func (m *Mailbox) Receive(ctx context.Context) (Message, bool) {
	select {
	case <-ctx.Done():
		return Message{}, false
	case msg := <-m.ch:
		return msg, true
	}
}

// Close deregisters the mailbox
func (m *Mailbox) Close() {
	m.reg.remove(m.name)
}

// Proc is a spawned named process
type Proc struct {
	name    string
	mailbox *Mailbox
	cancel  context.CancelFunc
	done    chan struct{}
	reg     *Registry
}

// Name returns the process name
func (p *Proc) Name() string {
	return p.name
}

// Done is closed when the process entry function returns
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Cancel delivers cooperative cancellation and waits up to timeout for the
// process to exit
func (p *Proc) Cancel(timeout time.Duration) (bool, error) {
	p.cancel()
	select {
	case <-p.done:
		return true, nil
	case <-time.After(timeout):
		return false, fmt.Errorf("process %s did not stop within %s", p.name, timeout)
	}
}

// Terminate kills the process without waiting for it to drain
func (p *Proc) Terminate() (bool, error) {
	p.cancel()
	p.reg.remove(p.name)
	return true, nil
}

// Registry tracks named processes and mailboxes
type Registry struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	procs     map[string]*Proc
	log       *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		mailboxes: make(map[string]*Mailbox),
		procs:     make(map[string]*Proc),
		log:       log,
	}
}

// Spawn starts entry under a unique name. Spawning an already registered
// name fails, which is what makes driver processes mutually exclusive.
func (r *Registry) Spawn(name string, entry func(ctx context.Context, mb *Mailbox)) (*Proc, error) {
	r.mu.Lock()
	if _, exists := r.mailboxes[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("process already registered: %s", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mb := &Mailbox{name: name, ch: make(chan Message, 256), reg: r}
	proc := &Proc{
		name:    name,
		mailbox: mb,
		cancel:  cancel,
		done:    make(chan struct{}),
		reg:     r,
	}
	r.mailboxes[name] = mb
	r.procs[name] = proc
	r.mu.Unlock()

	go func() {
		defer func() {
			close(proc.done)
			r.remove(name)
		}()
		entry(ctx, mb)
	}()

	return proc, nil
}

// Listen registers a bare mailbox under a unique name
func (r *Registry) Listen(name string) (*Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mailboxes[name]; exists {
		return nil, fmt.Errorf("mailbox already registered: %s", name)
	}

	mb := &Mailbox{name: name, ch: make(chan Message, 256), reg: r}
	r.mailboxes[name] = mb
	return mb, nil
}

// Lookup returns the named process, or nil
func (r *Registry) Lookup(name string) *Proc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.procs[name]
}

// Send delivers a message to the named mailbox. Returns false when no
// mailbox is registered under the name or its buffer is full.
func (r *Registry) Send(name, topic string, payload any) bool {
	r.mu.RLock()
	mb, exists := r.mailboxes[name]
	r.mu.RUnlock()

	if !exists {
		return false
	}

	select {
	case mb.ch <- Message{Topic: topic, Payload: payload}:
		return true
	default:
		r.log.Warn("mailbox full, dropping message", "name", name, "topic", topic)
		return false
	}
}

func (r *Registry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mailboxes, name)
	delete(r.procs, name)
}
