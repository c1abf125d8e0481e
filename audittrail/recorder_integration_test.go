package audittrail

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestRecorder_Integration connects to a real PostgreSQL via DATABASE_URL and
// verifies gap-free sequence allocation under the engagement row lock, plus
// the append-only trigger.
func TestRecorder_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "audit_trail") || !tableExists(ctx, t, pool, "engagements") {
		t.Skip("database schema missing; apply the files under migrations/ first")
	}

	var userID, clientID, engagementID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Trail Tester', 'manager') RETURNING id::text`,
		fmt.Sprintf("trail+%d@example.com", time.Now().UnixNano())).Scan(&userID); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO clients (name) VALUES ($1) RETURNING id::text`,
		fmt.Sprintf("Trail Client %d", time.Now().UnixNano())).Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO engagements (id, client_id, fiscal_period_end, created_by_user_id)
        VALUES (gen_random_uuid(), $1, '2026-12-31', $2) RETURNING id::text`, clientID, userID).Scan(&engagementID); err != nil {
		t.Fatalf("seed engagement: %v", err)
	}

	recorder := NewRecorder()

	appendOnce := func() error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		// seq allocation is only gap-free under the engagement row lock
		if _, err := tx.Exec(ctx, `SELECT 1 FROM engagements WHERE id = $1 FOR UPDATE`, engagementID); err != nil {
			return err
		}
		if _, err := recorder.Append(ctx, tx, AppendParams{
			EngagementID: engagementID,
			EntityType:   EntityEngagement,
			EntityID:     engagementID,
			EventType:    EventPoliciesEvaluated,
			ActorID:      userID,
			Payload:      map[string]any{"source": "integration"},
		}); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- appendOnce()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	svc := NewService(pool)
	entries, err := svc.Trail(ctx, engagementID, 0, 0)
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	if len(entries) != writers {
		t.Fatalf("expected %d entries, got %d", writers, len(entries))
	}
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Fatalf("entry %d has seq %d, want %d", i, e.Seq, i+1)
		}
	}

	if _, err := pool.Exec(ctx, `UPDATE audit_trail SET event_type = 'tampered' WHERE engagement_id = $1 AND seq = 1`, engagementID); err == nil {
		t.Fatal("expected append-only trigger to reject UPDATE")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM audit_trail WHERE engagement_id = $1`, engagementID); err == nil {
		t.Fatal("expected append-only trigger to reject DELETE")
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var ok bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name).Scan(&ok); err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return ok
}
