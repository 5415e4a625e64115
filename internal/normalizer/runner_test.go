package normalizer_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"erpsplit/internal/domain"
	"erpsplit/internal/normalizer"
	"erpsplit/internal/store/memory"
	audit "erpsplit/pkg/platform/audit"
	"erpsplit/pkg/platform/audit/publisher"
)

// flakyDocs fails the first scans of a collection.
type flakyDocs struct {
	*memory.Store
	failures atomic.Int32
}

func (f *flakyDocs) Scan(ctx context.Context, collection string, after domain.EntityID, limit int) ([]domain.Document, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return f.Store.Scan(ctx, collection, after, limit)
}

func (s *NormalizerSuite) newRunner(n *normalizer.Normalizer, retries uint64) *normalizer.Runner {
	r, err := normalizer.NewRunner(n, s.meta,
		normalizer.WithBatchRetries(retries),
		normalizer.WithRetryInterval(time.Millisecond, 5*time.Millisecond),
	)
	s.Require().NoError(err)
	return r
}

// =============================================================================
// Runner
// =============================================================================

func (s *NormalizerSuite) TestRunMigratesEveryBatch() {
	ctx := context.Background()
	for _, id := range []domain.EntityID{"o1", "o2", "o3"} {
		s.insert(id, map[string]any{"user": map[string]any{"id": "u-" + string(id)}})
	}
	n := s.newNormalizer(publisher.NewPublisher(s.trail), normalizer.WithBatchSize(2))
	plan := s.plan()

	report, err := s.newRunner(n, 2).Run(ctx, plan)
	s.Require().NoError(err)
	s.True(report.Complete())
	s.Require().Len(report.Steps, 1)
	s.Equal(3, report.Steps[0].Migrated)
	s.Equal(2, report.Steps[0].Batches)

	cp, err := s.meta.GetCheckpoint(ctx, plan.ID, plan.Steps[0].ID)
	s.Require().NoError(err)
	s.True(cp.Done)
	s.Equal(domain.EntityID("o3"), cp.Cursor)
	s.Equal(3, cp.Migrated)

	s.Run("rerunning a finished plan does nothing", func() {
		report, err := s.newRunner(n, 2).RunPlan(ctx, plan.ID)
		s.Require().NoError(err)
		s.True(report.Complete())
		s.Equal(0, report.Steps[0].Batches)
		s.Equal(3, report.Steps[0].Migrated)
	})
}

func (s *NormalizerSuite) TestRunRetriesFailedBatches() {
	ctx := context.Background()
	s.insert("o1", map[string]any{"user": map[string]any{"id": "u1"}})
	docs := &flakyDocs{Store: s.legacy}
	docs.failures.Store(2)

	n, err := normalizer.New(s.router, docs, s.meta, s.meta, publisher.NewPublisher(s.trail))
	s.Require().NoError(err)
	report, err := s.newRunner(n, 3).Run(ctx, s.plan())
	s.Require().NoError(err)
	s.True(report.Complete())
	s.Equal(1, report.Steps[0].Migrated)
}

func (s *NormalizerSuite) TestExhaustedStepIsIncompleteAndRunContinues() {
	ctx := context.Background()
	s.insert("o1", map[string]any{"user": map[string]any{"id": "u1"}})
	docs := &flakyDocs{Store: s.legacy}
	docs.failures.Store(100)

	n, err := normalizer.New(s.router, docs, s.meta, s.meta, publisher.NewPublisher(s.trail))
	s.Require().NoError(err)
	plan, err := n.PlanMigration(ctx, normalizer.SourceSchema{
		Version: "two-steps",
		Collections: []normalizer.CollectionSchema{
			{Name: "Orders", Embedded: []normalizer.EmbeddedField{{Path: "user", TargetType: "User"}}},
			{Name: "Returns", Embedded: []normalizer.EmbeddedField{{Path: "user", TargetType: "User"}}},
		},
	})
	s.Require().NoError(err)

	report, err := s.newRunner(n, 1).Run(ctx, plan)
	s.Require().NoError(err)
	s.False(report.Complete())
	s.Require().Len(report.Steps, 2)
	s.False(report.Steps[0].Complete)
	s.Contains(report.Steps[0].Failure, "connection reset")
	s.False(report.Steps[1].Complete)
	s.Len(s.events(audit.EventStepIncomplete), 2)

	s.Run("a later run resumes once the store recovers", func() {
		docs.failures.Store(0)
		report, err := s.newRunner(n, 1).Run(ctx, plan)
		s.Require().NoError(err)
		s.True(report.Complete())
		s.Equal("u1", s.doc("o1").Fields["userId"])
	})
}

func (s *NormalizerSuite) TestStepWithDocumentErrorsIsRescanned() {
	ctx := context.Background()
	s.insert("o1", map[string]any{"user": map[string]any{"id": "u1"}})
	plan := s.plan()

	failing := s.newNormalizer(failingAuditor{})
	report, err := s.newRunner(failing, 0).Run(ctx, plan)
	s.Require().NoError(err)
	s.True(report.Steps[0].Complete)
	s.Equal([]domain.EntityID{"o1"}, report.Steps[0].Errors)

	report, err = s.newRunner(s.n, 0).Run(ctx, plan)
	s.Require().NoError(err)
	s.Equal(1, report.Steps[0].Migrated)
	s.Empty(report.Steps[0].Errors)
}

func (s *NormalizerSuite) TestCancelledRunStops() {
	s.insert("o1", map[string]any{"user": map[string]any{"id": "u1"}})
	ctx, cancel := context.WithCancel(context.Background())
	plan := s.plan()
	cancel()

	_, err := s.newRunner(s.n, 3).Run(ctx, plan)
	s.Require().Error(err)
	s.Equal(map[string]any{"id": "u1"}, s.doc("o1").Fields["user"])
}
