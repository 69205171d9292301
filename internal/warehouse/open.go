package warehouse

import (
	"context"
	"fmt"
	"strings"
)

// Open returns the backend named by driver, "duckdb" or "postgres".
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch driver {
	case "duckdb":
		b, err = NewDuckDBStore(ctx, dsn)
	case "postgres":
		b, err = NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
