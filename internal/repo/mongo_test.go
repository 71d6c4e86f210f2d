package repo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"visatrack/internal/db"
	"visatrack/internal/repo"
)

func startMongo(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping mongo container in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
	testcontainers.CleanupContainer(t, mongoC)
	require.NoError(t, err)

	endpoint, err := mongoC.Endpoint(ctx, "")
	require.NoError(t, err)
	return fmt.Sprintf("mongodb://%s", endpoint)
}

func newMongoRepo(t *testing.T) *repo.MongoRepo {
	t.Helper()
	uri := startMongo(t)
	ctx := context.Background()
	client, err := db.OpenMongo(ctx, db.MongoConfig{URI: uri, ConnectTimeout: 30 * time.Second})
	require.NoError(t, err)
	s := repo.NewMongoRepo(client, "visatrack_test", "workflows")
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func TestMongoStoreContract(t *testing.T) {
	runStoreContract(t, newMongoRepo(t))
}
