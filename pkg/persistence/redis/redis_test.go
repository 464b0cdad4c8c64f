package redis_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/persistence/persistencetest"
	redispersistence "github.com/dukex/flowrun/pkg/persistence/redis"
	"github.com/dukex/flowrun/pkg/testutil"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPersistenceContract(t *testing.T) {
	client := testutil.RedisClient(t)

	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return redispersistence.NewPersistence(client, "test:"+uuid.NewString()+":", newLogger())
	})
}

func TestWorkflowsSkipsDanglingIndexEntries(t *testing.T) {
	client := testutil.RedisClient(t)
	ctx := context.Background()
	prefix := "dangling:"

	p := redispersistence.NewPersistence(client, prefix, newLogger())

	require.NoError(t, client.ZAdd(ctx, prefix+"workflows", goredis.Z{Score: float64(time.Now().UnixMilli()), Member: "ghost"}).Err())

	workflows, err := p.Workflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, workflows)
}
