package imagecache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/bdbenim/stash-empornium/pkg/log"
	"github.com/redis/go-redis/v9"
)

// Fallback images used when a performer or studio image cannot be uploaded.
const (
	DefaultPerformerImage = "https://jerking.empornium.ph/images/2023/10/10/image.png"
	DefaultStudioImage    = "https://jerking.empornium.ph/images/2022/02/21/stash41c25080a3611b50.png"
)

type RedisOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
	Disable  bool
}

// Connect opens the remote tier. Any failure is logged and yields nil so the
// cache carries on with the in-process tier alone.
func Connect(ctx context.Context, opts RedisOptions) *redis.Client {
	if opts.Disable || opts.Host == "" {
		log.Info("Redis disabled, using in-process image cache only")
		return nil
	}
	port := opts.Port
	if port == 0 {
		port = 6379
	}
	ro := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, port),
		Username:     opts.Username,
		Password:     opts.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	if opts.SSL {
		ro.TLSConfig = &tls.Config{ServerName: opts.Host, MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("Failed to connect to redis at %s, caching locally only: %v", ro.Addr, err)
		_ = client.Close()
		return nil
	}
	log.Info("Connected to redis at %s", ro.Addr)
	return client
}
