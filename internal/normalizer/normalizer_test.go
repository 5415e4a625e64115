package normalizer_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"erpsplit/internal/domain"
	"erpsplit/internal/normalizer"
	nmemory "erpsplit/internal/normalizer/store/memory"
	"erpsplit/internal/registry"
	"erpsplit/internal/store/memory"
	dErrors "erpsplit/pkg/domain-errors"
	audit "erpsplit/pkg/platform/audit"
	"erpsplit/pkg/platform/audit/publisher"
	auditmemory "erpsplit/pkg/platform/audit/store/memory"
)

const ordersSchema = `
version: "2024-06"
collections:
  - name: Orders
    embedded:
      - path: user
        target_type: User
        key_fields: [name, address]
        snapshot_fields: [name]
`

type NormalizerSuite struct {
	suite.Suite
	legacy *memory.Store
	users  *memory.Store
	meta   *nmemory.Store
	trail  *auditmemory.InMemoryStore
	router *registry.Router
	n      *normalizer.Normalizer
}

func TestNormalizerSuite(t *testing.T) {
	suite.Run(t, new(NormalizerSuite))
}

func (s *NormalizerSuite) SetupTest() {
	s.legacy = memory.New()
	s.users = memory.New()
	s.meta = nmemory.New()
	s.trail = auditmemory.NewInMemoryStore()

	reg, err := registry.New([]registry.Boundary{
		{Name: "users", Service: "user-service", EntityTypes: []domain.EntityType{"User"}},
		{Name: "orders", Service: "order-service", EntityTypes: []domain.EntityType{"Order"}},
	})
	s.Require().NoError(err)
	s.router, err = registry.NewRouter(reg, registry.Stores{"user-service": s.users, "order-service": s.legacy})
	s.Require().NoError(err)

	s.n = s.newNormalizer(publisher.NewPublisher(s.trail))
}

func (s *NormalizerSuite) newNormalizer(auditor normalizer.Auditor, opts ...normalizer.Option) *normalizer.Normalizer {
	opts = append([]normalizer.Option{normalizer.WithClock(func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	})}, opts...)
	n, err := normalizer.New(s.router, s.legacy, s.meta, s.meta, auditor, opts...)
	s.Require().NoError(err)
	return n
}

func (s *NormalizerSuite) insert(id domain.EntityID, fields map[string]any) {
	s.Require().NoError(s.legacy.Insert(context.Background(), domain.Document{
		Collection: "Orders", ID: id, Fields: fields,
	}))
}

func (s *NormalizerSuite) plan() normalizer.Plan {
	schema, err := normalizer.ParseSchema([]byte(ordersSchema))
	s.Require().NoError(err)
	plan, err := s.n.PlanMigration(context.Background(), schema)
	s.Require().NoError(err)
	return plan
}

func (s *NormalizerSuite) doc(id domain.EntityID) domain.Document {
	d, err := s.legacy.Get(context.Background(), "Orders", id)
	s.Require().NoError(err)
	return d
}

func (s *NormalizerSuite) events(action audit.AuditEvent) []audit.Event {
	out, err := s.trail.List(context.Background(), audit.Filter{Action: string(action)})
	s.Require().NoError(err)
	return out
}

// =============================================================================
// Planning
// =============================================================================

func (s *NormalizerSuite) TestPlanMigration() {
	ctx := context.Background()

	s.Run("one step per embedded field in collection and path order", func() {
		plan, err := s.n.PlanMigration(ctx, normalizer.SourceSchema{
			Version: "v1",
			Collections: []normalizer.CollectionSchema{
				{Name: "Shipments", Embedded: []normalizer.EmbeddedField{{Path: "order", TargetType: "Order"}}},
				{Name: "Orders", Embedded: []normalizer.EmbeddedField{
					{Path: "user", TargetType: "User"},
					{Path: "billing.payer", TargetType: "User"},
				}},
			},
		})
		s.Require().NoError(err)
		s.Require().Len(plan.Steps, 3)
		s.Equal("v1:Orders.billing.payer", plan.Steps[0].ID)
		s.Equal("billing.payerId", plan.Steps[0].TargetField)
		s.Equal("v1:Orders.user", plan.Steps[1].ID)
		s.Equal("userId", plan.Steps[1].TargetField)
		s.Equal("v1:Shipments.order", plan.Steps[2].ID)
		s.Len(s.events(audit.EventPlanCreated), 1)
	})

	s.Run("planning the same version again returns the stored plan", func() {
		first := s.plan()
		again := s.plan()
		s.Equal(first.CreatedAt, again.CreatedAt)
		s.Equal(first.Steps, again.Steps)
	})

	s.Run("a different schema under a stored version is rejected", func() {
		_, err := s.n.PlanMigration(ctx, normalizer.SourceSchema{
			Version: "2024-06",
			Collections: []normalizer.CollectionSchema{
				{Name: "Orders", Embedded: []normalizer.EmbeddedField{{Path: "buyer", TargetType: "User"}}},
			},
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unregistered target type fails the plan", func() {
		_, err := s.n.PlanMigration(ctx, normalizer.SourceSchema{
			Version: "v2",
			Collections: []normalizer.CollectionSchema{
				{Name: "Orders", Embedded: []normalizer.EmbeddedField{{Path: "invoice", TargetType: "Invoice"}}},
			},
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnknownEntityType))
		_, err = s.n.GetPlan(ctx, "v2")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("duplicate fields and missing version are rejected", func() {
		_, err := s.n.PlanMigration(ctx, normalizer.SourceSchema{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.n.PlanMigration(ctx, normalizer.SourceSchema{
			Version: "v3",
			Collections: []normalizer.CollectionSchema{
				{Name: "Orders", Embedded: []normalizer.EmbeddedField{
					{Path: "user", TargetType: "User"},
					{Path: "user", TargetType: "User"},
				}},
			},
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

// =============================================================================
// Applying steps
// =============================================================================

func (s *NormalizerSuite) TestOrdersUserScenario() {
	ctx := context.Background()
	s.insert("o1", map[string]any{
		"user":  map[string]any{"name": "John", "address": "123 Main St"},
		"total": 50,
	})
	step := s.plan().Steps[0]

	res, err := s.n.ApplyStep(ctx, step, "")
	s.Require().NoError(err)
	s.Equal(1, res.Migrated)
	s.True(res.Done)
	s.Equal(domain.EntityID("o1"), res.Next)

	doc := s.doc("o1")
	_, embedded := doc.Fields["user"]
	s.False(embedded)
	s.Equal(50, doc.Fields["total"])
	userID, ok := doc.Fields["userId"].(string)
	s.Require().True(ok)
	s.NotEmpty(userID)
	snap, ok := doc.Fields["userSnapshot"].(map[string]any)
	s.Require().True(ok)
	s.Equal(map[string]any{"name": "John"}, snap["fields"])

	user, err := s.users.Find(ctx, "User", domain.EntityID(userID))
	s.Require().NoError(err)
	s.Equal("John", user.Attributes["name"])
	s.Equal("123 Main St", user.Attributes["address"])
	s.Equal(domain.ServiceID("user-service"), user.Owner)

	extracted := s.events(audit.EventReferenceExtracted)
	s.Require().Len(extracted, 1)
	s.Equal("Orders/o1", extracted[0].Subject)
	s.Equal("User:"+userID, extracted[0].Target)
	s.Equal(map[string]any{"name": "John", "address": "123 Main St"}, extracted[0].Detail["original"])
	s.Len(s.events(audit.EventStepBatchApplied), 1)
}

func (s *NormalizerSuite) TestStepIsIdempotent() {
	ctx := context.Background()
	s.insert("o1", map[string]any{"user": map[string]any{"name": "John", "address": "123 Main St"}})
	step := s.plan().Steps[0]

	_, err := s.n.ApplyStep(ctx, step, "")
	s.Require().NoError(err)
	migrated := s.doc("o1")

	res, err := s.n.ApplyStep(ctx, step, "")
	s.Require().NoError(err)
	s.Equal(0, res.Migrated)
	s.Equal(1, res.Skipped)
	s.Equal(migrated, s.doc("o1"))
	s.Len(s.events(audit.EventReferenceExtracted), 1)
}

func (s *NormalizerSuite) TestKeyExtraction() {
	ctx := context.Background()
	s.insert("o1", map[string]any{"user": map[string]any{"id": "u-42", "name": "Ann"}})
	s.insert("o2", map[string]any{"user": map[string]any{"name": "John", "address": "123 Main St"}})
	s.insert("o3", map[string]any{"user": map[string]any{"name": "John", "address": "123 Main St"}})
	s.insert("o4", map[string]any{"user": "legacy-string"})
	s.insert("o5", map[string]any{"total": 5})
	step := s.plan().Steps[0]

	res, err := s.n.ApplyStep(ctx, step, "")
	s.Require().NoError(err)
	s.Equal(3, res.Migrated)
	s.Equal(2, res.Skipped)

	s.Run("explicit id is kept and stripped from attributes", func() {
		s.Equal("u-42", s.doc("o1").Fields["userId"])
		u, err := s.users.Find(ctx, "User", "u-42")
		s.Require().NoError(err)
		_, hasID := u.Attributes["id"]
		s.False(hasID)
	})

	s.Run("equal key fields map to the same entity", func() {
		s.Equal(s.doc("o2").Fields["userId"], s.doc("o3").Fields["userId"])
	})

	s.Run("non-object values are left alone", func() {
		s.Equal("legacy-string", s.doc("o4").Fields["user"])
		s.Equal(int64(1), s.doc("o4").Version)
	})
}

func (s *NormalizerSuite) TestUnkeyableDocumentGoesToReview() {
	ctx := context.Background()
	s.insert("o1", map[string]any{"user": map[string]any{"name": "Orphan"}})
	step := s.plan().Steps[0]

	res, err := s.n.ApplyStep(ctx, step, "")
	s.Require().NoError(err)
	s.Equal(1, res.Review)
	s.Equal(0, res.Migrated)

	doc := s.doc("o1")
	s.Equal(map[string]any{"name": "Orphan"}, doc.Fields["user"])
	s.Equal(int64(1), doc.Version)

	items, err := s.n.Review(ctx, normalizer.ReviewFilter{StepID: step.ID})
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(domain.EntityID("o1"), items[0].DocumentID)
	s.Len(s.events(audit.EventDocumentFlagged), 1)

	s.Run("flagging again keeps one item", func() {
		_, err := s.n.ApplyStep(ctx, step, "")
		s.Require().NoError(err)
		items, err := s.n.Review(ctx, normalizer.ReviewFilter{})
		s.Require().NoError(err)
		s.Len(items, 1)
	})
}

func (s *NormalizerSuite) TestFailedAuditLeavesDocumentUntouched() {
	ctx := context.Background()
	s.insert("o1", map[string]any{"user": map[string]any{"id": "u1", "name": "John"}})
	step := s.plan().Steps[0]

	n := s.newNormalizer(failingAuditor{})
	res, err := n.ApplyStep(ctx, step, "")
	s.Require().NoError(err)
	s.Equal([]domain.EntityID{"o1"}, res.Errors)
	s.Equal(0, res.Migrated)
	s.Equal(map[string]any{"id": "u1", "name": "John"}, s.doc("o1").Fields["user"])
}

func (s *NormalizerSuite) TestBatchesFollowTheCursor() {
	ctx := context.Background()
	for i := range 5 {
		s.insert(domain.EntityID(fmt.Sprintf("o%d", i)), map[string]any{
			"user": map[string]any{"id": fmt.Sprintf("u%d", i)},
		})
	}
	n := s.newNormalizer(publisher.NewPublisher(s.trail), normalizer.WithBatchSize(2))
	step := s.plan().Steps[0]

	res, err := n.ApplyStep(ctx, step, "")
	s.Require().NoError(err)
	s.Equal(2, res.Migrated)
	s.False(res.Done)
	s.Equal(domain.EntityID("o1"), res.Next)

	res, err = n.ApplyStep(ctx, step, res.Next)
	s.Require().NoError(err)
	s.Equal(domain.EntityID("o3"), res.Next)

	res, err = n.ApplyStep(ctx, step, res.Next)
	s.Require().NoError(err)
	s.Equal(1, res.Migrated)
	s.True(res.Done)
}

func (s *NormalizerSuite) TestNestedPath() {
	ctx := context.Background()
	s.insert("o1", map[string]any{
		"billing": map[string]any{"payer": map[string]any{"id": "u7"}, "method": "card"},
	})
	plan, err := s.n.PlanMigration(ctx, normalizer.SourceSchema{
		Version: "nested",
		Collections: []normalizer.CollectionSchema{
			{Name: "Orders", Embedded: []normalizer.EmbeddedField{{Path: "billing.payer", TargetType: "User"}}},
		},
	})
	s.Require().NoError(err)

	_, err = s.n.ApplyStep(ctx, plan.Steps[0], "")
	s.Require().NoError(err)
	s.Equal(map[string]any{"payerId": "u7", "method": "card"}, s.doc("o1").Fields["billing"])
}

type failingAuditor struct{}

func (failingAuditor) Emit(context.Context, audit.Event) error {
	return errors.New("audit store unavailable")
}

func TestShippedSchemaParses(t *testing.T) {
	schema, err := normalizer.LoadSchema(filepath.Join("..", "..", "config", "orders-schema.yaml"))
	require.NoError(t, err)
	require.Equal(t, "2024-06", schema.Version)
	require.Len(t, schema.Collections, 3)
	require.Equal(t, domain.EntityType("Address"), schema.Collections[0].Embedded[1].TargetType)

	user := schema.Collections[0].Embedded[0]
	require.Equal(t, "user", user.Path)
	require.Equal(t, []string{"name", "address"}, user.KeyFields, "{user:{name,address}} must yield userId")
}
