package enforcer_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"erpsplit/internal/domain"
	"erpsplit/internal/enforcer"
	opsmemory "erpsplit/internal/enforcer/store/memory"
	"erpsplit/internal/registry"
	"erpsplit/internal/store"
	"erpsplit/internal/store/memory"
	dErrors "erpsplit/pkg/domain-errors"
)

type InboxSuite struct {
	suite.Suite
	orders   *memory.Store
	shipping *memory.Store
	router   *registry.Router
	inbox    *enforcer.Inbox
}

func TestInboxSuite(t *testing.T) {
	suite.Run(t, new(InboxSuite))
}

// scheduleShipment records a notification for the order and adds it to the
// carrier's load.
func scheduleShipment(ctx context.Context, reader store.EntityReader, cmd enforcer.Command) ([]store.Mutation, error) {
	orderID, _ := cmd.Payload["order"].(string)
	carrierID, _ := cmd.Payload["carrier"].(string)
	carrier, err := reader.Find(ctx, "Carrier", domain.EntityID(carrierID))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "unknown carrier "+carrierID)
	}
	load, _ := carrier.Attributes["load"].(int)
	next := carrier.Clone()
	next.Attributes["load"] = load + 1
	return []store.Mutation{
		{Op: store.OpCreate, Entity: domain.Entity{ID: domain.EntityID(orderID), Type: "ShipmentNotification",
			Attributes: map[string]any{"carrier": carrierID}}},
		{Op: store.OpUpdate, Entity: next},
	}, nil
}

func (s *InboxSuite) SetupTest() {
	s.orders = memory.New()
	s.shipping = memory.New()
	var err error
	s.router, err = testRouter(registry.Stores{
		"order-service":    s.orders,
		"shipping-service": s.shipping,
		"user-service":     memory.New(),
	})
	s.Require().NoError(err)

	ctx := context.Background()
	_, err = s.shipping.Commit(ctx, store.Batch{Mutations: []store.Mutation{
		{Op: store.OpCreate, Entity: domain.Entity{ID: "c1", Type: "Carrier", Attributes: map[string]any{"load": 0}}},
	}})
	s.Require().NoError(err)
	_, err = s.orders.Commit(ctx, store.Batch{Mutations: []store.Mutation{
		{Op: store.OpCreate, Entity: domain.Entity{ID: "sku-1", Type: "InventoryLevel", Attributes: map[string]any{"onHand": 10}}},
	}})
	s.Require().NoError(err)

	s.inbox, err = enforcer.NewInbox("shipping", s.router)
	s.Require().NoError(err)
	s.inbox.Register("scheduleShipment", scheduleShipment)
}

func (s *InboxSuite) command(token, order string) enforcer.Command {
	return enforcer.Command{
		DedupToken:  token,
		OperationID: "op-1",
		Origin:      "orders",
		Target:      "shipping",
		Name:        "scheduleShipment",
		Payload:     map[string]any{"order": order, "carrier": "c1"},
	}
}

func (s *InboxSuite) carrierLoad() int {
	c, err := s.shipping.Find(context.Background(), "Carrier", "c1")
	s.Require().NoError(err)
	return c.Attributes["load"].(int)
}

func (s *InboxSuite) TestReplayedCommandAppliesOnce() {
	ctx := context.Background()
	cmd := s.command(enforcer.DedupToken("op-1", 0), "o1")

	for range 3 {
		s.Require().NoError(s.inbox.Handle(ctx, cmd))
	}

	s.Equal(1, s.carrierLoad())
	n, err := s.shipping.Find(ctx, "ShipmentNotification", "o1")
	s.Require().NoError(err)
	s.Equal(int64(1), n.Version)
}

func (s *InboxSuite) TestDistinctCommandsApplyEach() {
	ctx := context.Background()
	s.Require().NoError(s.inbox.Handle(ctx, s.command(enforcer.DedupToken("op-1", 0), "o1")))
	s.Require().NoError(s.inbox.Handle(ctx, s.command(enforcer.DedupToken("op-2", 0), "o2")))
	s.Equal(2, s.carrierLoad())
}

func (s *InboxSuite) TestRejections() {
	ctx := context.Background()

	s.Run("unknown command", func() {
		cmd := s.command("t-1", "o1")
		cmd.Name = "cancelShipment"
		err := s.inbox.Handle(ctx, cmd)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("wrong target", func() {
		cmd := s.command("t-2", "o1")
		cmd.Target = "users"
		err := s.inbox.Handle(ctx, cmd)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("missing dedup token", func() {
		err := s.inbox.Handle(ctx, s.command("", "o1"))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("handler writing another boundary", func() {
		s.inbox.Register("sneaky", func(context.Context, store.EntityReader, enforcer.Command) ([]store.Mutation, error) {
			return []store.Mutation{{Op: store.OpCreate, Entity: domain.Entity{ID: "o1", Type: "Order"}}}, nil
		})
		cmd := s.command("t-3", "o1")
		cmd.Name = "sneaky"
		err := s.inbox.Handle(ctx, cmd)
		s.True(dErrors.HasCode(err, dErrors.CodeBoundaryViolation))
		_, ferr := s.orders.Find(ctx, "Order", "o1")
		s.Error(ferr)
	})

	s.Run("handler error is returned", func() {
		s.inbox.Register("broken", func(context.Context, store.EntityReader, enforcer.Command) ([]store.Mutation, error) {
			return nil, errors.New("boom")
		})
		cmd := s.command("t-4", "o1")
		cmd.Name = "broken"
		s.Error(s.inbox.Handle(ctx, cmd))
	})

	s.Equal(0, s.carrierLoad())
}

func (s *InboxSuite) TestNewInboxRequiresKnownBoundary() {
	_, err := enforcer.NewInbox("billing", s.router)
	s.Error(err)
}

// TestPlaceOrderEndToEnd runs the enforcer against the in-process
// transport: each order commits in its boundary and the shipment lands in
// the shipping boundary as a separate commit.
func (s *InboxSuite) TestPlaceOrderEndToEnd() {
	ctx := context.Background()
	ops := opsmemory.New()
	transport := enforcer.NewLocalTransport(s.inbox)
	dispatcher, err := enforcer.NewDispatcher(transport, ops, ops,
		enforcer.WithRetryInterval(time.Millisecond, time.Millisecond),
		enforcer.WithMaxAttempts(5))
	s.Require().NoError(err)
	enf, err := enforcer.New(s.router, ops, ops, dispatcher)
	s.Require().NoError(err)

	for i := range 3 {
		orderID := fmt.Sprintf("o%d", i)
		op := placeOrder(fmt.Sprintf("op-%d", i))
		op.Mutations = op.Mutations[:1]
		op.Mutations[0].Entity.ID = domain.EntityID(orderID)
		op.Commands[0].Payload = map[string]any{"order": orderID, "carrier": "c1"}
		_, err := enf.Execute(ctx, op)
		s.Require().NoError(err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Require().NoError(dispatcher.Close(drainCtx))

	for i := range 3 {
		rec, err := enf.Status(ctx, fmt.Sprintf("op-%d", i))
		s.Require().NoError(err)
		s.Equal(enforcer.StatusSettled, rec.Status)
		_, err = s.shipping.Find(ctx, "ShipmentNotification", domain.EntityID(fmt.Sprintf("o%d", i)))
		s.NoError(err)
	}
	s.Equal(3, s.carrierLoad())
}

func (s *InboxSuite) TestApplyMutationsCommand() {
	ctx := context.Background()
	s.inbox.Register(enforcer.ApplyMutationsCommand, enforcer.ApplyMutations)

	s.Run("typed payload", func() {
		cmd := s.command("am-1", "o1")
		cmd.Name = enforcer.ApplyMutationsCommand
		cmd.Payload = map[string]any{"mutations": []store.Mutation{
			{Op: store.OpCreate, Entity: domain.Entity{ID: "n1", Type: "ShipmentNotification"}},
		}}
		s.Require().NoError(s.inbox.Handle(ctx, cmd))
		_, err := s.shipping.Find(ctx, "ShipmentNotification", "n1")
		s.NoError(err)
	})

	s.Run("decoded JSON payload", func() {
		cmd := s.command("am-2", "o1")
		cmd.Name = enforcer.ApplyMutationsCommand
		cmd.Payload = map[string]any{"mutations": []any{
			map[string]any{"op": "ensure", "entity": map[string]any{"id": "n2", "type": "ShipmentNotification"}},
		}}
		s.Require().NoError(s.inbox.Handle(ctx, cmd))
		_, err := s.shipping.Find(ctx, "ShipmentNotification", "n2")
		s.NoError(err)
	})

	s.Run("missing mutations", func() {
		cmd := s.command("am-3", "o1")
		cmd.Name = enforcer.ApplyMutationsCommand
		cmd.Payload = map[string]any{}
		s.True(dErrors.HasCode(s.inbox.Handle(ctx, cmd), dErrors.CodeValidation))
	})

	s.Run("malformed mutations", func() {
		cmd := s.command("am-4", "o1")
		cmd.Name = enforcer.ApplyMutationsCommand
		cmd.Payload = map[string]any{"mutations": "not a list"}
		s.True(dErrors.HasCode(s.inbox.Handle(ctx, cmd), dErrors.CodeValidation))
	})
}
