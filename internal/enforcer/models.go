package enforcer

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"erpsplit/internal/domain"
	"erpsplit/internal/store"
)

// Status is the settlement state of a business operation.
type Status string

const (
	StatusPending         Status = "pending"
	StatusCommitted       Status = "committed"
	StatusDispatched      Status = "dispatched"
	StatusSettled         Status = "settled"
	StatusPartiallyFailed Status = "partially_failed"
	StatusAborted         Status = "aborted"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusCommitted, StatusAborted},
	StatusCommitted:  {StatusDispatched, StatusSettled},
	StatusDispatched: {StatusSettled, StatusPartiallyFailed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Operation is one business operation: mutations inside a single boundary
// plus commands for other boundaries issued after the commit.
type Operation struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Boundary  domain.BoundaryName `json:"boundary"`
	Mutations []store.Mutation    `json:"mutations"`
	Commands  []CommandSpec       `json:"commands,omitempty"`
}

// CommandSpec is a command as requested by the caller, before it is tokenized.
type CommandSpec struct {
	Target  domain.BoundaryName `json:"target"`
	Name    string              `json:"name"`
	Payload map[string]any      `json:"payload,omitempty"`
}

// OrderToken places a command in the causal order of its origin boundary.
type OrderToken struct {
	CommitID string `json:"commitId"`
	Seq      int    `json:"seq"`
}

// Command is a cross-boundary request. DedupToken is stable across retries
// and replays; receivers apply a token at most once.
type Command struct {
	DedupToken  string              `json:"dedupToken"`
	OperationID string              `json:"operationId"`
	Origin      domain.BoundaryName `json:"origin"`
	Target      domain.BoundaryName `json:"target"`
	Name        string              `json:"name"`
	Payload     map[string]any      `json:"payload,omitempty"`
	Order       OrderToken          `json:"order"`
	IssuedAt    time.Time           `json:"issuedAt"`
}

// Delivery outcomes of a single command.
const (
	OutcomePending   = "pending"
	OutcomeAcked     = "acknowledged"
	OutcomeExhausted = "exhausted"
	// OutcomeRejected marks a command the broker accepted but the target
	// inbox refused for good.
	OutcomeRejected = "rejected"
)

// CommandState tracks delivery of one command.
type CommandState struct {
	Command   Command `json:"command"`
	Outcome   string  `json:"outcome"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"lastError,omitempty"`
}

// Record is the persisted view of an operation, returned by Status.
//
// A record is written with its mutations and commands before the in-boundary
// commit, so a process that dies mid-operation leaves enough behind for
// recovery to finish it. Mutations are dropped once committed. Claim and
// ClaimUntil name the execution currently driving the record; only that
// execution may save it.
type Record struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Boundary   domain.BoundaryName `json:"boundary"`
	Status     Status              `json:"status"`
	CommitID   string              `json:"commitId,omitempty"`
	Mutations  []store.Mutation    `json:"mutations,omitempty"`
	Commands   []CommandState      `json:"commands,omitempty"`
	Error      string              `json:"error,omitempty"`
	Claim      string              `json:"claim,omitempty"`
	ClaimUntil time.Time           `json:"claimUntil"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

func (r *Record) transition(to Status, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("operation %s: illegal transition %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = at
	return nil
}

// markCommitted moves a pending record to committed under commitID and
// stamps the commit into every command's order token.
func (r *Record) markCommitted(commitID string, at time.Time) error {
	if err := r.transition(StatusCommitted, at); err != nil {
		return err
	}
	r.CommitID = commitID
	r.Mutations = nil
	for i := range r.Commands {
		r.Commands[i].Command.Order.CommitID = commitID
	}
	return nil
}

// withRejections folds receiver-side rejections into a settled record:
// acknowledged commands with a compensation become rejected and the
// operation reads as partially failed.
func (r Record) withRejections(comps []Compensation) Record {
	if r.Status != StatusSettled || len(comps) == 0 {
		return r
	}
	reasons := make(map[string]string, len(comps))
	for _, c := range comps {
		reasons[c.Command.DedupToken] = c.Reason
	}
	commands := make([]CommandState, len(r.Commands))
	copy(commands, r.Commands)
	rejected := false
	for i, c := range commands {
		reason, ok := reasons[c.Command.DedupToken]
		if !ok || c.Outcome != OutcomeAcked {
			continue
		}
		commands[i].Outcome = OutcomeRejected
		commands[i].LastError = reason
		rejected = true
	}
	if rejected {
		r.Commands = commands
		r.Status = StatusPartiallyFailed
	}
	return r
}

// Pending returns the commands not yet acknowledged or exhausted.
func (r Record) Pending() []Command {
	var out []Command
	for _, c := range r.Commands {
		if c.Outcome == OutcomePending {
			out = append(out, c.Command)
		}
	}
	return out
}

// OperationResult is what Execute returns once the in-boundary part is done.
type OperationResult struct {
	OperationID      string    `json:"operationId"`
	Status           Status    `json:"status"`
	BoundaryCommitID string    `json:"boundaryCommitId,omitempty"`
	PendingCommands  []Command `json:"pendingCommands,omitempty"`
}

func resultOf(r Record) OperationResult {
	return OperationResult{
		OperationID:      r.ID,
		Status:           r.Status,
		BoundaryCommitID: r.CommitID,
		PendingCommands:  r.Pending(),
	}
}

// Compensation records a command that could not be delivered, for an
// operator or saga to reconcile.
type Compensation struct {
	OperationID string    `json:"operationId"`
	Command     Command   `json:"command"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	RecordedAt  time.Time `json:"recordedAt"`
}

var commandNamespace = uuid.MustParse("6f1c8f3e-2b7a-4d0e-9a51-3c2e8b7d4f10")

// DedupToken derives the token for the i-th command of an operation. The
// same operation always yields the same tokens.
func DedupToken(operationID string, i int) string {
	return uuid.NewSHA1(commandNamespace, []byte(operationID+"/"+strconv.Itoa(i))).String()
}

// batchToken is the dedup token for an operation's own in-boundary batch.
func batchToken(operationID string) string {
	return uuid.NewSHA1(commandNamespace, []byte(operationID)).String()
}
