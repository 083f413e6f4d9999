package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// mockRedisClient is a mock implementation of RedisClientInterface.
type mockRedisClient struct {
	mock.Mock
}

func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	cmd := redis.NewStatusCmd(ctx)
	if err, _ := args.Get(1).(error); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.String(0))
	}
	return cmd
}

func (m *mockRedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	cmd := redis.NewBoolCmd(ctx)
	if err, _ := args.Get(1).(error); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Bool(0))
	}
	return cmd
}

func (m *mockRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	cmd := redis.NewStringCmd(ctx)
	if err, _ := args.Get(1).(error); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.String(0))
	}
	return cmd
}

func (m *mockRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	cmd := redis.NewIntCmd(ctx)
	if err, _ := args.Get(1).(error); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Get(0).(int64))
	}
	return cmd
}

func (m *mockRedisClient) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	args := m.Called(ctx, pattern)
	cmd := redis.NewStringSliceCmd(ctx)
	if err, _ := args.Get(1).(error); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.Get(0).([]string))
	}
	return cmd
}

func (m *mockRedisClient) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	cmd := redis.NewStatusCmd(ctx)
	if err, _ := args.Get(0).(error); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

func (m *mockRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, expiration)
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(args.Bool(0))
	return cmd
}

func (m *mockRedisClient) TTL(ctx context.Context, key string) *redis.DurationCmd {
	args := m.Called(ctx, key)
	cmd := redis.NewDurationCmd(ctx, time.Second)
	cmd.SetVal(args.Get(0).(time.Duration))
	return cmd
}

func (m *mockRedisClient) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(args.Get(0).(int64))
	return cmd
}

func (m *mockRedisClient) Info(ctx context.Context, section ...string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("")
	return cmd
}

func (m *mockRedisClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newTestService(client RedisClientInterface) *RedisService {
	return &RedisService{client: client, config: &RedisConfig{}, ctx: context.Background()}
}

func TestRedisService_SetGet(t *testing.T) {
	m := new(mockRedisClient)
	m.On("Set", mock.Anything, "k1", mock.Anything, time.Minute).Return("OK", nil)
	m.On("Get", mock.Anything, "k1").Return(`"v1"`, nil)

	svc := newTestService(m)
	assert.NoError(t, svc.Set("k1", "v1", time.Minute))

	val, err := svc.Get("k1")
	assert.NoError(t, err)
	assert.Equal(t, `"v1"`, val)
	m.AssertExpectations(t)
}

func TestRedisService_GetNotFound(t *testing.T) {
	m := new(mockRedisClient)
	m.On("Get", mock.Anything, "missing").Return("", redis.Nil)

	svc := newTestService(m)
	_, err := svc.Get("missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRedisService_MarkSeenIfNew(t *testing.T) {
	m := new(mockRedisClient)
	m.On("SetNX", mock.Anything, "dedupe:evt-1", mock.Anything, 5*time.Minute).Return(true, nil).Once()
	m.On("SetNX", mock.Anything, "dedupe:evt-1", mock.Anything, 5*time.Minute).Return(false, nil).Once()

	svc := newTestService(m)

	first, err := svc.MarkSeenIfNew("evt-1", 5*time.Minute)
	assert.NoError(t, err)
	assert.True(t, first, "first delivery should be reported as new")

	second, err := svc.MarkSeenIfNew("evt-1", 5*time.Minute)
	assert.NoError(t, err)
	assert.False(t, second, "replayed delivery should be deduped")
}

func TestRedisService_Exists(t *testing.T) {
	m := new(mockRedisClient)
	m.On("Exists", mock.Anything, []string{"k1"}).Return(int64(1), nil)

	svc := newTestService(m)
	ok, err := svc.Exists("k1")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisService_Delete(t *testing.T) {
	m := new(mockRedisClient)
	m.On("Del", mock.Anything, []string{"k1"}).Return(int64(1), nil)

	svc := newTestService(m)
	assert.NoError(t, svc.Delete("k1"))
}
