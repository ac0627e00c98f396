// Package turn runs one conversation turn end to end: transcript load,
// optional context augmentation, streamed generation with cooperative
// cancellation, and durable persistence of exactly what was produced.
//
// The turn state machine is
//
//	Idle → (AwaitingContext) → Streaming → {Completed | Stopped | Failed}
//
// with AwaitingContext entered only when augmentation was requested; a
// direct deterministic answer short-circuits straight to Completed without
// touching the generation backend. Whatever the terminal state, partial
// output already forwarded to the client is persisted, the terminal status
// event is the last event emitted, and the cancellation token is removed.
package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/quillchat/quill/internal/augment"
	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/ollama"
	"github.com/quillchat/quill/internal/transcript"
)

// Status is a turn's terminal outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// BackendErrorMessage is the user-facing text for backend faults. The raw
// error goes to the log, not to the client.
const BackendErrorMessage = "Sorry, I'm having trouble reaching the model backend. Please check that it is running."

// Emitter receives a turn's lifecycle events. Events for one turn arrive
// in order from a single goroutine; the terminal TurnEnd is always last.
type Emitter interface {
	Delta(conversationID, content string, isFirst bool)
	TitleUpdated(conversationID, title string)
	TurnError(conversationID, message string)
	TurnEnd(conversationID string, status Status)
}

// Store is the transcript persistence the orchestrator needs.
// Loads degrade to empty rather than failing; see transcript.Store.
type Store interface {
	Load(owner, conv string, wantAugment bool) []transcript.Message
	Save(owner, conv string, msgs []transcript.Message) error
}

// Augmenter resolves optional per-turn context.
type Augmenter interface {
	Augment(ctx context.Context, query string, requested bool) augment.Result
}

// DeltaStream is a lazy sequence of generation deltas. Recv returns io.EOF
// on normal exhaustion and any other error for a backend abort.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}

// Generator opens one streaming completion for a message sequence.
type Generator interface {
	ChatStream(ctx context.Context, msgs []ollama.Message) (DeltaStream, error)
}

// Request describes one inbound turn.
type Request struct {
	ConnID         string
	OwnerID        string
	ConversationID string
	Message        string
	UseContext     bool
}

// Config contains all required parameters for the Orchestrator.
type Config struct {
	Store     Store
	Augmenter Augmenter
	Generator Generator
	Registry  *Registry
	Logger    log.Logger
}

func (cfg Config) validate() error {
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Augmenter == nil {
		return errors.New("augmenter is required")
	}
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Orchestrator composes store, augmenter, and generator per turn. It is
// stateless across turns and safe for concurrent use by independent
// connections.
type Orchestrator struct {
	store     Store
	augmenter Augmenter
	generator Generator
	registry  *Registry
	logger    log.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:     cfg.Store,
		augmenter: cfg.Augmenter,
		generator: cfg.Generator,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
	}, nil
}

// Run executes one turn and emits its events. It blocks until the turn
// reaches a terminal state; the caller serializes turns per connection.
func (o *Orchestrator) Run(ctx context.Context, req Request, em Emitter) {
	o.registry.Begin(req.ConnID)
	defer o.registry.End(req.ConnID)

	persisted := o.store.Load(req.OwnerID, req.ConversationID, req.UseContext)

	// The loaded sequence always carries the preamble at slot 0 and every
	// turn persists its user message immediately, so "first user message"
	// reduces to "nothing beyond the preamble is stored yet".
	firstUserMessage := len(persisted) == 1

	persisted = append(persisted, transcript.Message{
		Role:      transcript.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now(),
	})

	// The user message is durable before generation begins, so a crash or
	// failure mid-stream never loses what the user said.
	o.persist(req, persisted)

	if firstUserMessage {
		em.TitleUpdated(req.ConversationID, transcript.TruncateTitle(req.Message))
	}

	// AwaitingContext. Never fails the turn; see package augment.
	result := o.augmenter.Augment(ctx, req.Message, req.UseContext)

	if result.Direct != "" {
		em.Delta(req.ConversationID, result.Direct, true)
		persisted = append(persisted, transcript.Message{
			Role:      transcript.RoleAssistant,
			Content:   result.Direct,
			Timestamp: time.Now(),
		})
		o.persist(req, persisted)
		em.TurnEnd(req.ConversationID, StatusCompleted)
		return
	}

	// The working copy may carry a transient context message; persisted
	// never does, so retrieved context cannot accumulate across turns.
	working := persisted
	if result.Context != "" {
		working = append(working[:len(working):len(working)], transcript.Message{
			Role:    transcript.RoleTool,
			Content: result.Context,
		})
	}

	status, output, failure := o.stream(ctx, req, working, em)

	if output != "" || status == StatusStopped {
		persisted = append(persisted, transcript.Message{
			Role:      transcript.RoleAssistant,
			Content:   output,
			Timestamp: time.Now(),
		})
	}
	o.persist(req, persisted)

	if status == StatusFailed {
		o.logger.Error("turn failed",
			"owner", req.OwnerID,
			"conversation", req.ConversationID,
			"error", failure)
		em.TurnError(req.ConversationID, BackendErrorMessage)
	}
	em.TurnEnd(req.ConversationID, status)
}

// stream drives the generation stream to a terminal state, forwarding each
// delta and accumulating the produced text. Cancellation is polled between
// pulls: a stalled delta cannot be interrupted, only the request for the
// next one is skipped.
func (o *Orchestrator) stream(ctx context.Context, req Request, working []transcript.Message, em Emitter) (Status, string, error) {
	stream, err := o.generator.ChatStream(ctx, toWire(working))
	if err != nil {
		return StatusFailed, "", err
	}
	defer func() { _ = stream.Close() }()

	var acc strings.Builder
	first := true
	for {
		if o.registry.Stopped(req.ConnID) {
			o.logger.Debug("turn stopped by client",
				"conversation", req.ConversationID, "received_chars", acc.Len())
			return StatusStopped, acc.String(), nil
		}

		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return StatusCompleted, acc.String(), nil
		}
		if err != nil {
			// Deltas already forwarded remain valid; they are persisted
			// alongside the failure status.
			return StatusFailed, acc.String(), err
		}

		em.Delta(req.ConversationID, delta, first)
		first = false
		acc.WriteString(delta)
	}
}

// persist saves the transcript, degrading to a log entry on failure. A
// storage fault must not abort the turn or reach the client.
func (o *Orchestrator) persist(req Request, msgs []transcript.Message) {
	if err := o.store.Save(req.OwnerID, req.ConversationID, msgs); err != nil {
		o.logger.Error("failed to persist transcript",
			"owner", req.OwnerID,
			"conversation", req.ConversationID,
			"error", err)
	}
}

func toWire(msgs []transcript.Message) []ollama.Message {
	wire := make([]ollama.Message, len(msgs))
	for i, m := range msgs {
		wire[i] = ollama.Message{Role: string(m.Role), Content: m.Content}
	}
	return wire
}

// Stop requests cancellation of the current turn for connID. No effect if
// no turn is in flight.
func (o *Orchestrator) Stop(connID string) {
	if o.registry.Stop(connID) {
		o.logger.Debug("stop requested", "connection", connID)
	}
}

// EndConnection releases the cancellation token when a connection closes.
func (o *Orchestrator) EndConnection(connID string) {
	o.registry.End(connID)
}
