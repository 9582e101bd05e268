package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishJSONToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	payload := map[string]interface{}{"alarm_id": "alarm-1", "level": 3}
	id, err := PublishJSONToStream(ctx, client, "escalation:events", 0, payload)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	messages, err := ReadRange(ctx, client, "escalation:events", "-", "+")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(messages[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "alarm-1", decoded["alarm_id"])
	assert.Equal(t, float64(3), decoded["level"])
}

func TestPublishToStream_StringifiesValues(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	_, err := PublishToStream(ctx, client, "s", 100, map[string]interface{}{
		"count":   42,
		"enabled": true,
		"tags":    []string{"a", "b"},
	})
	require.NoError(t, err)

	messages, err := ReadRange(ctx, client, "s", "-", "+")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "42", messages[0].Values["count"])
	assert.Equal(t, "true", messages[0].Values["enabled"])
	assert.Equal(t, `["a","b"]`, messages[0].Values["tags"])
}
