// Package surreal connects to SurrealDB from a single URL of the form
// ws://user:pass@host:8000/rpc?ns=erp&db=orders.
package surreal

import (
	"context"
	"fmt"
	"net/url"

	"github.com/surrealdb/surrealdb.go"
)

func Connect(ctx context.Context, raw string) (*surrealdb.DB, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse surreal URL: %w", err)
	}
	ns, database := u.Query().Get("ns"), u.Query().Get("db")
	if ns == "" || database == "" {
		return nil, fmt.Errorf("surreal URL needs ns and db query parameters")
	}
	user := u.User
	endpoint := *u
	endpoint.User = nil
	endpoint.RawQuery = ""

	db, err := surrealdb.FromEndpointURLString(ctx, endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("connect surreal: %w", err)
	}
	if user != nil {
		pass, _ := user.Password()
		if _, err := db.SignIn(ctx, surrealdb.Auth{Username: user.Username(), Password: pass}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("surreal sign in: %w", err)
		}
	}
	if err := db.Use(ctx, ns, database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("surreal use %s/%s: %w", ns, database, err)
	}
	return db, nil
}
