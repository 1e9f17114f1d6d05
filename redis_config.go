package polybase

import (
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisAddr = "localhost:6379"

// RedisOptions builds client options from REDIS_ADDR, REDIS_PASSWORD and REDIS_DB.
// REDIS_ADDR may be host:port (default localhost:6379) or a redis:// / rediss:// URL,
// in which case the URL's password and database win over the other variables.
func RedisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = defaultRedisAddr
	}
	db, err := strconv.Atoi(os.Getenv("REDIS_DB"))
	if err != nil {
		db = 0
	}
	return redisOptions(addr, os.Getenv("REDIS_PASSWORD"), db)
}

// RedisOptionsFor layers a provider's redisAddr option and redisPassword
// credential over RedisOptions.
func RedisOptionsFor(cfg ProviderConfig) *redis.Options {
	opts := RedisOptions()
	if addr := cfg.Option(OptRedisAddr, ""); addr != "" {
		opts = redisOptions(addr, opts.Password, opts.DB)
	}
	if pw := cfg.Credential(CredRedisPassword); pw != "" {
		opts.Password = pw
	}
	return opts
}

func redisOptions(addr, password string, db int) *redis.Options {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		if opts, err := redis.ParseURL(addr); err == nil {
			if opts.Password == "" {
				opts.Password = password
			}
			return opts
		}
	}
	return &redis.Options{Addr: addr, Password: password, DB: db}
}
