package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "power_accumulated_"

// Increments the counter and settles every whole threshold in one step.
// Returns {triggers, remainder}. The remainder never goes below zero.
var accumulateScript = redis.NewScript(`
local total = tonumber(redis.call('INCRBYFLOAT', KEYS[1], ARGV[1]))
local threshold = tonumber(ARGV[2])
local triggers = 0
if threshold > 0 and total + 1e-9 >= threshold then
	triggers = math.floor((total + 1e-9) / threshold)
	total = total - triggers * threshold
	if total < 0 then
		total = 0
	end
	redis.call('SET', KEYS[1], tostring(total))
end
return {triggers, tostring(total)}
`)

// ThresholdCounter accumulates consumed energy per device in Redis.
type ThresholdCounter struct {
	client redis.UniversalClient
}

func NewThresholdCounter(client redis.UniversalClient) *ThresholdCounter {
	return &ThresholdCounter{client: client}
}

func counterKey(deviceID string) string {
	return counterKeyPrefix + deviceID
}

func (c *ThresholdCounter) Add(ctx context.Context, deviceID string, amount float64) (float64, error) {
	total, err := c.client.IncrByFloat(ctx, counterKey(deviceID), amount).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add to counter %s: %w", deviceID, err)
	}
	return total, nil
}

func (c *ThresholdCounter) Read(ctx context.Context, deviceID string) (float64, error) {
	v, err := c.client.Get(ctx, counterKey(deviceID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", deviceID, err)
	}
	return v, nil
}

// ConsumeThreshold stores the remainder left after a threshold was settled.
func (c *ThresholdCounter) ConsumeThreshold(ctx context.Context, deviceID string, remainder float64) error {
	if remainder < 0 {
		remainder = 0
	}
	if err := c.client.Set(ctx, counterKey(deviceID), remainder, 0).Err(); err != nil {
		return fmt.Errorf("failed to settle counter %s: %w", deviceID, err)
	}
	return nil
}

func (c *ThresholdCounter) Clear(ctx context.Context, deviceID string) error {
	if err := c.client.Del(ctx, counterKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to clear counter %s: %w", deviceID, err)
	}
	return nil
}

// Accumulate adds amount and settles every whole threshold atomically. It
// returns how many thresholds were crossed and the remaining counter value.
func (c *ThresholdCounter) Accumulate(ctx context.Context, deviceID string, amount, threshold float64) (int, float64, error) {
	res, err := accumulateScript.Run(ctx, c.client, []string{counterKey(deviceID)},
		strconv.FormatFloat(amount, 'f', -1, 64),
		strconv.FormatFloat(threshold, 'f', -1, 64),
	).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to accumulate counter %s: %w", deviceID, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected accumulate reply for %s: %v", deviceID, res)
	}

	triggers, ok := res[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected trigger count for %s: %v", deviceID, res[0])
	}
	s, ok := res[1].(string)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected remainder for %s: %v", deviceID, res[1])
	}
	remainder, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse remainder for %s: %w", deviceID, err)
	}

	return int(triggers), remainder, nil
}
