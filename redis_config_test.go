package polybase

import "testing"

func TestRedisOptions_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "")

	opts := RedisOptions()
	if opts.Addr != "localhost:6379" || opts.Password != "" || opts.DB != 0 {
		t.Errorf("unexpected defaults %+v", opts)
	}
}

func TestRedisOptions_FromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")

	opts := RedisOptions()
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 3 {
		t.Errorf("unexpected options %+v", opts)
	}

	t.Setenv("REDIS_DB", "three")
	if RedisOptions().DB != 0 {
		t.Error("an unparsable REDIS_DB should fall back to 0")
	}
}

func TestRedisOptionsFor(t *testing.T) {
	t.Setenv("REDIS_ADDR", "env:6379")
	cfg := ProviderConfig{Type: ProviderAWS, Options: map[string]string{OptRedisAddr: "option:6379"}}
	if got := RedisOptionsFor(cfg).Addr; got != "option:6379" {
		t.Errorf("redisAddr option should win, got %s", got)
	}
	if got := RedisOptionsFor(ProviderConfig{}).Addr; got != "env:6379" {
		t.Errorf("expected env fallback, got %s", got)
	}
}

func TestRedisOptions_URL(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis://:urlpass@cache:6381/2")
	t.Setenv("REDIS_PASSWORD", "envpass")
	t.Setenv("REDIS_DB", "5")

	opts := RedisOptions()
	if opts.Addr != "cache:6381" || opts.Password != "urlpass" || opts.DB != 2 {
		t.Errorf("URL values should win, got %+v", opts)
	}

	cfg := ProviderConfig{
		Type:        ProviderAWS,
		Options:     map[string]string{OptRedisAddr: "redis://pubsub:6379"},
		Credentials: map[string]string{CredRedisPassword: "credpass"},
	}
	opts = RedisOptionsFor(cfg)
	if opts.Addr != "pubsub:6379" || opts.Password != "credpass" {
		t.Errorf("unexpected provider options %+v", opts)
	}
}
