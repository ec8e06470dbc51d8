package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

// RedisCache implements RealtimeCache against a go-redis/v9 client. AIS
// records get the geo/hash/active-set treatment; ADSB records get the
// simpler current_flights hash; both get the generic vessel:last/... cache
// entry, per spec.md §6's documented key/channel names.
type RedisCache struct {
	Client      *redis.Client
	TTL         time.Duration
	LastTTL     time.Duration
	AISChannel  string
	ADSBChannel string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		Client:      client,
		TTL:         5 * time.Minute,
		LastTTL:     10 * time.Minute,
		AISChannel:  "vessel:position:update",
		ADSBChannel: "aircraft:position:update",
	}
}

func (c *RedisCache) SetCurrent(ctx context.Context, rec models.FusedRecord) error {
	switch rec.Key.Kind {
	case models.KindADSB:
		return c.setADSB(ctx, rec)
	case models.KindAIS:
		return c.setAIS(ctx, rec)
	default:
		return fmt.Errorf("publish: unknown kind %q", rec.Key.Kind)
	}
}

func (c *RedisCache) setADSB(ctx context.Context, rec models.FusedRecord) error {
	hashKey := "adsb:current_flights"
	field := rec.Key.ID
	payload := recordPayload(rec)
	pipe := c.Client.TxPipeline()
	pipe.HSet(ctx, hashKey, field, encode(payload))
	pipe.Expire(ctx, hashKey, c.TTL)
	pipe.Set(ctx, lastKey(rec.Key.ID), encode(payload), c.LastTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) setAIS(ctx context.Context, rec models.FusedRecord) error {
	key := rec.Key.ID
	payload := recordPayload(rec)
	pipe := c.Client.TxPipeline()
	pipe.GeoAdd(ctx, "ais:vessels:geo", &redis.GeoLocation{Name: key, Longitude: rec.Lon, Latitude: rec.Lat})
	pipe.Set(ctx, fmt.Sprintf("ais:vessel:%s", key), encode(payload), c.TTL)
	pipe.ZAdd(ctx, "ais:vessels:active", redis.Z{Score: float64(rec.EventTime.UnixMilli()), Member: key})
	pipe.Set(ctx, lastKey(key), encode(payload), c.LastTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// lastKey is spec §6's generic last-known-position cache entry, shared by
// both domains: SET vessel:last:<objectId> <json> EX 600.
func lastKey(objectID string) string { return fmt.Sprintf("vessel:last:%s", objectID) }

func recordPayload(rec models.FusedRecord) map[string]any {
	return map[string]any{
		"lat": rec.Lat, "lon": rec.Lon, "sog": rec.SOG, "cog": rec.COG,
		"heading": rec.Heading, "altitude": rec.Altitude,
		"source": rec.Source, "event_ts_ms": rec.EventTime.UnixMilli(),
	}
}

func (c *RedisCache) PublishUpdate(ctx context.Context, rec models.FusedRecord) error {
	channel := c.ADSBChannel
	if rec.Key.Kind == models.KindAIS {
		channel = c.AISChannel
	}
	return c.Client.Publish(ctx, channel, encode(map[string]any{
		"key": rec.Key.ID, "lat": rec.Lat, "lon": rec.Lon, "event_ts_ms": rec.EventTime.UnixMilli(),
	})).Err()
}

func encode(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
