package httptransport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpsplit/internal/domain"
	"erpsplit/internal/enforcer"
	opsmemory "erpsplit/internal/enforcer/store/memory"
	"erpsplit/internal/invalidation"
	"erpsplit/internal/registry"
	"erpsplit/internal/resolver"
	"erpsplit/internal/resolver/cache"
	"erpsplit/internal/store"
	"erpsplit/internal/store/memory"
	"erpsplit/pkg/testutil"
)

// scenarioServer wires real components behind the handlers, without auth.
func scenarioServer(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := registry.New([]registry.Boundary{
		{Name: "orders", Service: "order-service", EntityTypes: []domain.EntityType{"Order"}},
		{Name: "shipping", Service: "shipping-service", EntityTypes: []domain.EntityType{"Shipment"}},
	})
	require.NoError(t, err)
	router, err := registry.NewRouter(reg, registry.Stores{
		"order-service":    memory.New(),
		"shipping-service": memory.New(),
	})
	require.NoError(t, err)

	bus := invalidation.NewBus()
	inbox, err := enforcer.NewInbox("shipping", router, enforcer.WithInboxInvalidation(bus), enforcer.WithInboxLogger(logger))
	require.NoError(t, err)
	inbox.Register(enforcer.ApplyMutationsCommand, enforcer.ApplyMutations)

	ops := opsmemory.New()
	dispatcher, err := enforcer.NewDispatcher(enforcer.NewLocalTransport(inbox), ops, ops,
		enforcer.WithRetryInterval(time.Millisecond, 5*time.Millisecond),
		enforcer.WithDispatchLogger(logger),
	)
	require.NoError(t, err)
	enf, err := enforcer.New(router, ops, ops, dispatcher,
		enforcer.WithInvalidation(bus),
		enforcer.WithLogger(logger),
	)
	require.NoError(t, err)
	res := resolver.New(router, resolver.WithCache(cache.NewMemory()), resolver.WithLogger(logger))

	operations := NewOperationsHandler(enf, logger)
	r := chi.NewRouter()
	r.Post("/operations", operations.HandleExecute)
	r.Get("/operations/{id}", operations.HandleStatus)
	NewReferencesHandler(res, logger).Register(r)
	return r
}

func TestPlaceOrderScenario(t *testing.T) {
	testutil.Given(t, "an orders boundary that ships through the shipping boundary", func(t *testing.T) {
		srv := scenarioServer(t)
		op := enforcer.Operation{
			ID:       "op-place-1",
			Name:     "placeOrder",
			Boundary: "orders",
			Mutations: []store.Mutation{
				{Op: store.OpCreate, Entity: domain.Entity{ID: "o1", Type: "Order", Attributes: map[string]any{"total": 42}}},
			},
			Commands: []enforcer.CommandSpec{{
				Target: "shipping",
				Name:   enforcer.ApplyMutationsCommand,
				Payload: map[string]any{"mutations": []store.Mutation{
					{Op: store.OpCreate, Entity: domain.Entity{ID: "s1", Type: "Shipment", Attributes: map[string]any{"order": "o1"}}},
				}},
			}},
		}

		testutil.When(t, "the order is placed", func(t *testing.T) {
			req := testutil.WithCaller(testutil.NewJSONRequest(t, http.MethodPost, "/operations", op), "ops@example.com", "operations:write")
			rr := testutil.DoRequest(srv, req)

			testutil.Then(t, "the order commits and the operation eventually settles", func(t *testing.T) {
				require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rr.Code)
				result := testutil.DecodeJSON[enforcer.OperationResult](t, rr)
				assert.Equal(t, "op-place-1", result.OperationID)
				assert.NotEmpty(t, result.BoundaryCommitID)

				statusReq := testutil.NewJSONRequest(t, http.MethodGet, "/operations/op-place-1", nil)
				assert.Eventually(t, func() bool {
					rr := testutil.DoRequest(srv, statusReq.Clone(statusReq.Context()))
					var rec enforcer.Record
					if rr.Code != http.StatusOK || json.Unmarshal(rr.Body.Bytes(), &rec) != nil {
						return false
					}
					return rec.Status == enforcer.StatusSettled
				}, time.Second, 5*time.Millisecond)
			})

			testutil.Then(t, "the shipment created by the command resolves", func(t *testing.T) {
				rr := testutil.DoRequest(srv, testutil.NewJSONRequest(t, http.MethodGet, "/references/Shipment/s1", nil))
				require.Equal(t, http.StatusOK, rr.Code)
				entity := testutil.DecodeJSON[domain.Entity](t, rr)
				assert.Equal(t, int64(1), entity.Version)
				assert.Equal(t, "o1", entity.Attributes["order"])
			})
		})

		testutil.When(t, "the same operation is posted again", func(t *testing.T) {
			rr := testutil.DoRequest(srv, testutil.NewJSONRequest(t, http.MethodPost, "/operations", op))

			testutil.Then(t, "the recorded result is returned and nothing is written twice", func(t *testing.T) {
				require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rr.Code)
				rr := testutil.DoRequest(srv, testutil.NewJSONRequest(t, http.MethodGet, "/references/Order/o1", nil))
				require.Equal(t, http.StatusOK, rr.Code)
				assert.Equal(t, int64(1), testutil.DecodeJSON[domain.Entity](t, rr).Version)
			})
		})
	})

	testutil.Given(t, "an operation that writes into another boundary", func(t *testing.T) {
		srv := scenarioServer(t)
		op := enforcer.Operation{
			ID:       "op-bad-1",
			Boundary: "orders",
			Mutations: []store.Mutation{
				{Op: store.OpCreate, Entity: domain.Entity{ID: "s9", Type: "Shipment"}},
			},
		}

		testutil.Then(t, "it is rejected as a boundary violation", func(t *testing.T) {
			rr := testutil.DoRequest(srv, testutil.NewJSONRequest(t, http.MethodPost, "/operations", op))
			testutil.AssertStatusAndError(t, rr, http.StatusUnprocessableEntity, "boundary_violation")

			rr = testutil.DoRequest(srv, testutil.NewJSONRequest(t, http.MethodGet, "/references/Shipment/s9", nil))
			testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
		})
	})
}
