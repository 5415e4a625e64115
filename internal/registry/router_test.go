package registry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpsplit/internal/domain"
	"erpsplit/internal/store/memory"
	dErrors "erpsplit/pkg/domain-errors"
)

func testBoundaries() []Boundary {
	return []Boundary{
		{Name: "orders", Service: "order-service", EntityTypes: []domain.EntityType{"Order", "Payment", "InventoryLevel"}},
		{Name: "users", Service: "user-service", Store: "users-db", EntityTypes: []domain.EntityType{"User"}},
	}
}

func testStores() Stores {
	return Stores{"order-service": memory.New(), "users-db": memory.New()}
}

func TestNew(t *testing.T) {
	t.Run("valid registry exposes owners", func(t *testing.T) {
		reg, err := New(testBoundaries())
		require.NoError(t, err)
		assert.Equal(t, map[domain.EntityType]domain.ServiceID{
			"Order":          "order-service",
			"Payment":        "order-service",
			"InventoryLevel": "order-service",
			"User":           "user-service",
		}, reg.Owners())
		require.Len(t, reg.Boundaries(), 2)
		assert.Equal(t, domain.BoundaryName("orders"), reg.Boundaries()[0].Name)
	})

	t.Run("entity type in two boundaries is rejected", func(t *testing.T) {
		bs := testBoundaries()
		bs[1].EntityTypes = append(bs[1].EntityTypes, "Order")
		_, err := New(bs)
		assert.ErrorContains(t, err, `"Order" belongs to both`)
	})

	t.Run("duplicate boundary names are rejected", func(t *testing.T) {
		bs := append(testBoundaries(), Boundary{Name: "orders", Service: "x", EntityTypes: []domain.EntityType{"X"}})
		_, err := New(bs)
		assert.Error(t, err)
	})

	t.Run("empty registry is rejected", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorContains(t, err, "no boundaries")
		_, err = New([]Boundary{})
		assert.Error(t, err)
	})

	t.Run("missing service is rejected", func(t *testing.T) {
		_, err := New([]Boundary{{Name: "a", EntityTypes: []domain.EntityType{"A"}}})
		assert.Error(t, err)
	})
}

func TestRouter(t *testing.T) {
	reg, err := New(testBoundaries())
	require.NoError(t, err)
	stores := testStores()
	router, err := NewRouter(reg, stores)
	require.NoError(t, err)

	t.Run("resolves owner handle", func(t *testing.T) {
		h, err := router.ResolveOwner("User")
		require.NoError(t, err)
		assert.Equal(t, domain.ServiceID("user-service"), h.Service)
		assert.Equal(t, domain.BoundaryName("users"), h.Boundary)
		assert.Same(t, stores["users-db"], h.Store)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := router.ResolveOwner("Invoice")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnknownEntityType))

		_, err = router.BoundaryOf("Invoice")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnknownEntityType))
	})

	t.Run("reload with unknown store keeps previous registry", func(t *testing.T) {
		bad, err := New([]Boundary{{Name: "billing", Service: "billing", EntityTypes: []domain.EntityType{"Invoice"}}})
		require.NoError(t, err)
		assert.Error(t, router.Reload(bad))

		_, err = router.ResolveOwner("User")
		assert.NoError(t, err)
	})

	t.Run("reload is visible to concurrent readers", func(t *testing.T) {
		moved := testBoundaries()
		moved[0].EntityTypes = []domain.EntityType{"Order", "Payment"}
		moved[1].EntityTypes = []domain.EntityType{"User", "InventoryLevel"}
		next, err := New(moved)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					b, err := router.BoundaryOf("InventoryLevel")
					if err != nil || (b != "orders" && b != "users") {
						t.Errorf("unexpected lookup result %q, %v", b, err)
						return
					}
				}
			}()
		}
		require.NoError(t, router.Reload(next))
		wg.Wait()

		b, err := router.BoundaryOf("InventoryLevel")
		require.NoError(t, err)
		assert.Equal(t, domain.BoundaryName("users"), b)
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	content := `
boundaries:
  - name: orders
    service: order-service
    entity_types: [Order, Payment, InventoryLevel]
  - name: users
    service: user-service
    store: users-db
    entity_types: [User]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceID("user-service"), reg.Owners()["User"])
	assert.Equal(t, "users-db", reg.Boundaries()[1].StoreName())
	assert.Equal(t, "order-service", reg.Boundaries()[0].StoreName())
}

func TestShippedRegistryLoads(t *testing.T) {
	reg, err := LoadFile(filepath.Join("..", "..", "config", "boundaries.yaml"))
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceID("user-service"), reg.Owners()["User"])
	assert.Equal(t, domain.ServiceID("shipping-service"), reg.Owners()["Carrier"])
}

func TestWatchReloadsRouter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	write := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write(`
boundaries:
  - name: users
    service: user-service
    entity_types: [User]
`)
	reg, err := LoadFile(path)
	require.NoError(t, err)
	router, err := NewRouter(reg, Stores{"user-service": memory.New()})
	require.NoError(t, err)
	var reloads atomic.Int32
	Watch(path, router, slog.New(slog.NewTextHandler(io.Discard, nil)), func(*Registry) { reloads.Add(1) })

	write(`
boundaries:
  - name: users
    service: user-service
    entity_types: [User, Address]
`)
	assert.Eventually(t, func() bool {
		_, err := router.ResolveOwner("Address")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return reloads.Load() >= 1 }, time.Second, 10*time.Millisecond)

	// A registry that lists a type twice is rejected and the current one stays.
	write(`
boundaries:
  - name: users
    service: user-service
    entity_types: [User, Address]
  - name: profiles
    service: user-service
    entity_types: [Address]
`)
	time.Sleep(200 * time.Millisecond)
	b, err := router.BoundaryOf("Address")
	require.NoError(t, err)
	assert.Equal(t, domain.BoundaryName("users"), b)

	// An emptied file is ignored too.
	write("")
	time.Sleep(200 * time.Millisecond)
	b, err = router.BoundaryOf("User")
	require.NoError(t, err)
	assert.Equal(t, domain.BoundaryName("users"), b)
}

func TestReloadRefusesEmptyRegistry(t *testing.T) {
	reg, err := New(testBoundaries())
	require.NoError(t, err)
	router, err := NewRouter(reg, Stores{"order-service": memory.New(), "users-db": memory.New()})
	require.NoError(t, err)

	assert.ErrorContains(t, router.Reload(&Registry{}), "no boundaries")

	h, err := router.ResolveOwner("User")
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceID("user-service"), h.Service)
}
