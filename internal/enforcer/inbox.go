package enforcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"erpsplit/internal/domain"
	"erpsplit/internal/invalidation"
	"erpsplit/internal/store"
	dErrors "erpsplit/pkg/domain-errors"
	"erpsplit/pkg/platform/sentinel"
)

// CommandHandler turns a received command into mutations of the receiving
// boundary. Handlers read current state through the reader they are given
// and must not write themselves.
type CommandHandler func(ctx context.Context, reader store.EntityReader, cmd Command) ([]store.Mutation, error)

// Inbox receives commands for one boundary. Each command's mutations are
// committed together with its dedup token, so a redelivered command is
// acknowledged without being applied twice.
type Inbox struct {
	boundary  domain.BoundaryName
	router    Router
	publisher invalidation.Publisher
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

type InboxOption func(*Inbox)

func WithInboxInvalidation(p invalidation.Publisher) InboxOption {
	return func(in *Inbox) { in.publisher = p }
}

func WithInboxLogger(logger *slog.Logger) InboxOption {
	return func(in *Inbox) {
		if logger != nil {
			in.logger = logger
		}
	}
}

func NewInbox(boundary domain.BoundaryName, router Router, opts ...InboxOption) (*Inbox, error) {
	if _, ok := router.BoundaryStore(boundary); !ok {
		return nil, fmt.Errorf("boundary %q is not registered", boundary)
	}
	in := &Inbox{
		boundary: boundary,
		router:   router,
		logger:   slog.Default(),
		handlers: make(map[string]CommandHandler),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

func (in *Inbox) Boundary() domain.BoundaryName { return in.boundary }

// Register installs the handler for a command name, replacing any previous one.
func (in *Inbox) Register(name string, h CommandHandler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers[name] = h
}

// Handle applies cmd. It returns nil when the command was applied now or
// earlier; errors coded validation or boundary_violation will never succeed.
func (in *Inbox) Handle(ctx context.Context, cmd Command) error {
	if cmd.Target != in.boundary {
		return dErrors.Newf(dErrors.CodeValidation, "command for %q delivered to %q", cmd.Target, in.boundary)
	}
	if cmd.DedupToken == "" {
		return dErrors.New(dErrors.CodeValidation, "command has no dedup token")
	}
	in.mu.RLock()
	h, ok := in.handlers[cmd.Name]
	in.mu.RUnlock()
	if !ok {
		return dErrors.Newf(dErrors.CodeValidation, "boundary %q has no handler for %q", in.boundary, cmd.Name)
	}

	backend, ok := in.router.BoundaryStore(in.boundary)
	if !ok {
		return dErrors.Newf(dErrors.CodeInternal, "boundary %q has no store", in.boundary)
	}
	mutations, err := h(ctx, backend, cmd)
	if err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}
	for _, m := range mutations {
		owner, err := in.router.BoundaryOf(m.Entity.Type)
		if err != nil {
			return err
		}
		if owner != in.boundary {
			return dErrors.Newf(dErrors.CodeBoundaryViolation,
				"handler %q mutates %s owned by %q", cmd.Name, m.Entity.Key(), owner)
		}
	}

	result, err := backend.Commit(ctx, store.Batch{Mutations: mutations, DedupToken: cmd.DedupToken})
	switch {
	case errors.Is(err, sentinel.ErrAlreadyApplied):
		in.logger.DebugContext(ctx, "duplicate command ignored", "dedup_token", cmd.DedupToken, "command", cmd.Name)
		return nil
	case errors.Is(err, sentinel.ErrVersionConflict):
		return dErrors.Wrap(err, dErrors.CodeVersionConflict, "concurrent write while applying "+cmd.Name)
	case err != nil:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to apply "+cmd.Name)
	}

	if in.publisher != nil {
		if err := in.publisher.Publish(ctx, invalidation.FromChanges(result.Changes)...); err != nil {
			in.logger.WarnContext(ctx, "failed to publish invalidations", "dedup_token", cmd.DedupToken, "error", err)
		}
	}
	in.logger.InfoContext(ctx, "command applied",
		"command", cmd.Name,
		"operation_id", cmd.OperationID,
		"origin", cmd.Origin.String(),
		"commit_id", result.CommitID,
	)
	return nil
}

// LocalTransport delivers commands by calling the target boundary's inbox
// in process.
type LocalTransport struct {
	mu      sync.RWMutex
	inboxes map[domain.BoundaryName]*Inbox
}

func NewLocalTransport(inboxes ...*Inbox) *LocalTransport {
	t := &LocalTransport{inboxes: make(map[domain.BoundaryName]*Inbox, len(inboxes))}
	for _, in := range inboxes {
		t.inboxes[in.Boundary()] = in
	}
	return t
}

// Add registers another inbox.
func (t *LocalTransport) Add(in *Inbox) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inboxes[in.Boundary()] = in
}

func (t *LocalTransport) Send(ctx context.Context, cmd Command) error {
	t.mu.RLock()
	in, ok := t.inboxes[cmd.Target]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no inbox for boundary %q: %w", cmd.Target, sentinel.ErrUnavailable)
	}
	return in.Handle(ctx, cmd)
}
