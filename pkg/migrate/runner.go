package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Open connects to url with the driver matching set and pings it.
func Open(ctx context.Context, set, url string) (*sql.DB, error) {
	_, dialect, err := Source(set)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), url)
	if err != nil {
		return nil, fmt.Errorf("open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// RunWithURL opens the database for set, runs direction and closes the connection.
func RunWithURL(ctx context.Context, url, set string, vars Vars, direction string, steps int, opts Options) (*Status, error) {
	db, err := Open(ctx, set, url)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	manager, err := NewManager(db, set, vars)
	if err != nil {
		return nil, err
	}
	opts.Set = set
	return RunParsed(ctx, direction, steps, opts, manager)
}
