package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/memora-ai/memora/internal/memory"
)

// startPostgres spins up a pgvector-enabled Postgres and returns a ready DSN.
func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "memora",
			"POSTGRES_PASSWORD": "memora",
			"POSTGRES_DB":       "memora",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("cannot start postgres container: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://memora:memora@%s:%s/memora?sslmode=disable", host, port.Port())
	return dsn, func() { _ = container.Terminate(ctx) }
}

func applySchema(t *testing.T, db *sql.DB) {
	t.Helper()
	schema, err := os.ReadFile("../../migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn, cleanup := startPostgres(t, ctx)
	defer cleanup()

	s, err := NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.DB.Close()
	applySchema(t, s.DB)

	if _, err := s.DB.Exec(`INSERT INTO users (id) VALUES ('u1')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"t1", "t2", "t3"} {
		_, err := s.DB.Exec(`INSERT INTO topics (id, user_id, title, created_at) VALUES ($1,'u1',$2,$3)`,
			id, "topic "+id, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("seed topic %s: %v", id, err)
		}
	}

	t.Run("cursor pagination is strict-successor", func(t *testing.T) {
		page1, cur, err := s.ListTopicsForUser(ctx, "u1", Cursor{}, 2, true)
		if err != nil {
			t.Fatalf("page1: %v", err)
		}
		if len(page1) != 2 || page1[0].ID != "t1" || page1[1].ID != "t2" {
			t.Fatalf("unexpected page1: %+v", page1)
		}
		page2, _, err := s.ListTopicsForUser(ctx, "u1", cur, 2, true)
		if err != nil {
			t.Fatalf("page2: %v", err)
		}
		if len(page2) != 1 || page2[0].ID != "t3" {
			t.Fatalf("unexpected page2: %+v", page2)
		}
	})

	t.Run("extraction status filter", func(t *testing.T) {
		if err := s.SetSourceExtraction(ctx, "u1", memory.SourceChatTopic, "t1", ExtractionStatusCompleted, nil); err != nil {
			t.Fatalf("set status: %v", err)
		}
		topics, _, err := s.ListTopicsForUser(ctx, "u1", Cursor{}, 10, false)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, topic := range topics {
			if topic.ID == "t1" {
				t.Fatalf("completed topic must be filtered out")
			}
		}
		if len(topics) != 2 {
			t.Fatalf("expected 2 pending topics, got %d", len(topics))
		}
	})

	t.Run("memory roundtrip with vectors", func(t *testing.T) {
		vec := make([]float32, DefaultEmbeddingDimensions)
		vec[0] = 1
		id, err := s.InsertMemory(ctx, MemoryRow{
			UserID:        "u1",
			Layer:         memory.LayerContext,
			Title:         "trip",
			Summary:       "planning a trip",
			SummaryVector: vec,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		hits, err := s.SearchMemories(ctx, "u1", vec, 5, 0)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(hits) != 1 || hits[0].ID != id {
			t.Fatalf("unexpected hits: %+v", hits)
		}
	})

	t.Run("identity entity crud", func(t *testing.T) {
		id, err := s.CreateIdentityEntity(ctx, "u1", memory.IdentityEntity{Name: "Ada", Kind: "person"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		e, found, err := s.GetIdentityEntity(ctx, "u1", id)
		if err != nil || !found {
			t.Fatalf("get: found=%v err=%v", found, err)
		}
		e.Summary = "sister"
		if err := s.UpdateIdentityEntity(ctx, "u1", e); err != nil {
			t.Fatalf("update: %v", err)
		}
		list, err := s.ListIdentityEntities(ctx, "u1", 0, 10)
		if err != nil || len(list) != 1 || list[0].Summary != "sister" {
			t.Fatalf("list: %+v err=%v", list, err)
		}
		if err := s.DeleteIdentityEntity(ctx, "u1", id); err != nil {
			t.Fatalf("delete: %v", err)
		}
	})

	t.Run("user listing with and without whitelist", func(t *testing.T) {
		if _, err := s.DB.Exec(`INSERT INTO users (id) VALUES ('u2')`); err != nil {
			t.Fatalf("seed user: %v", err)
		}
		users, _, err := s.ListUsers(ctx, Cursor{}, 10, nil)
		if err != nil {
			t.Fatalf("list all: %v", err)
		}
		if len(users) != 2 {
			t.Fatalf("nil whitelist must list every user, got %d", len(users))
		}
		only, _, err := s.ListUsers(ctx, Cursor{}, 10, []string{"u2"})
		if err != nil {
			t.Fatalf("list whitelisted: %v", err)
		}
		if len(only) != 1 || only[0].ID != "u2" {
			t.Fatalf("whitelist must restrict the page: %+v", only)
		}
	})
}
