package database_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/require"

	"korpusrag/config"
	"korpusrag/database"
)

// Requires a local Postgres with the pgvector extension and, when NEO4J_URI
// is set, a reachable Neo4j.
func TestDatabaseConnectivity(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database connectivity checks")
	}

	cfg, err := config.Load("")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pool.Ping(ctx))
	require.NoError(t, database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension))

	var documents int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM documents").Scan(&documents))
	require.GreaterOrEqual(t, documents, 0)

	if cfg.Neo4jURI == "" {
		t.Log("NEO4J_URI not set, skipping neo4j connectivity check")
		return
	}

	driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	require.NoError(t, err)
	defer driver.Close(ctx)

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, "RETURN 1 AS ok", nil)
	require.NoError(t, err)
	require.True(t, result.Next(ctx))
	require.NoError(t, result.Err())
}
