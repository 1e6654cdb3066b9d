package metering

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/opsboard/opsboard/internal/clock"
	idempotencydomain "github.com/opsboard/opsboard/internal/idempotency/domain"
	idempotencyservice "github.com/opsboard/opsboard/internal/idempotency/service"
	usagedomain "github.com/opsboard/opsboard/internal/usage/domain"
	usageservice "github.com/opsboard/opsboard/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newDirectEmitter(t *testing.T) (Emitter, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&usagedomain.UsageEvent{}, &idempotencydomain.ProcessedEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewSystemClock()

	usage := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
	})
	registry := idempotencyservice.NewRegistry(idempotencyservice.RegistryParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
	})

	return NewDirectEmitter(usage, registry, nil, zap.NewNop()), db
}

func TestDirectEmitter_WritesOnce(t *testing.T) {
	emitter, db := newDirectEmitter(t)
	ctx := context.Background()

	req := bufferedRequest("traffic:u1:/api/tasks:GET:1717236000")
	require.NoError(t, emitter.Emit(ctx, req))
	require.NoError(t, emitter.Emit(ctx, req))

	var count int64
	require.NoError(t, db.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDirectEmitter_DistinctKeysBillSeparately(t *testing.T) {
	emitter, db := newDirectEmitter(t)
	ctx := context.Background()

	require.NoError(t, emitter.Emit(ctx, bufferedRequest("traffic:u1:/api/tasks:GET:1717236000")))
	require.NoError(t, emitter.Emit(ctx, bufferedRequest("traffic:u1:/api/tasks:GET:1717236001")))

	var count int64
	require.NoError(t, db.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}
