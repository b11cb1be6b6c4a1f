package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const killQuery = `
	SELECT pg_terminate_backend(pid)
	FROM pg_stat_activity
	WHERE datname = current_database()
	  AND pid <> pg_backend_pid()
	  AND ($1 = '' OR application_name LIKE $1)
	ORDER BY random()
	LIMIT 1`

// TerminateRandomBackend kills one random backend of the test database at
// uneven intervals until stopped. The engine's operations must survive a
// connection dying mid-transaction: the claim/record payout flow in
// particular is exercised against torn-down sessions.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appLike string, stop <-chan struct{}) {
	for {
		delay := time.Duration(500+rand.Intn(3000)) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(delay):
			if rand.Intn(3) == 0 {
				_, _ = pool.Exec(ctx, killQuery, appLike)
			}
		}
	}
}
