package publish

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

func TestRedisCacheWritesDocumentedAISKeys(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()
	rec := models.FusedRecord{
		Key:       models.EntityKey{Kind: models.KindAIS, ID: "123456789"},
		Lat:       10, Lon: 20, EventTime: time.Now(),
	}
	require.NoError(t, c.SetCurrent(ctx, rec))

	require.True(t, mr.Exists("ais:vessel:123456789"))
	require.True(t, mr.Exists("vessel:last:123456789"))

	score, err := mr.ZScore("ais:vessels:active", "123456789")
	require.NoError(t, err)
	require.InDelta(t, float64(rec.EventTime.UnixMilli()), score, 1)

	lon, lat, err := mr.Geopos("ais:vessels:geo", "123456789")
	require.NoError(t, err)
	require.InDelta(t, 20, lon, 0.01)
	require.InDelta(t, 10, lat, 0.01)
}

func TestRedisCacheWritesDocumentedADSBKeys(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()
	rec := models.FusedRecord{
		Key:       models.EntityKey{Kind: models.KindADSB, ID: "ABC123"},
		Lat:       1, Lon: 2, EventTime: time.Now(),
	}
	require.NoError(t, c.SetCurrent(ctx, rec))

	require.True(t, mr.Exists("adsb:current_flights"))
	require.True(t, mr.Exists("vessel:last:ABC123"))
}

func TestRedisCachePublishesToRenamedChannels(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	sub := c.Client.Subscribe(ctx, "vessel:position:update", "aircraft:position:update")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	_ = mr

	require.NoError(t, c.PublishUpdate(ctx, models.FusedRecord{Key: models.EntityKey{Kind: models.KindAIS, ID: "1"}}))
	require.NoError(t, c.PublishUpdate(ctx, models.FusedRecord{Key: models.EntityKey{Kind: models.KindADSB, ID: "A1"}}))

	msg1, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, "vessel:position:update", msg1.Channel)

	msg2, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, "aircraft:position:update", msg2.Channel)
}
