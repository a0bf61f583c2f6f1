// syncd is the mail sync daemon: it claims accounts in its zone, replicates
// their IMAP folders into Postgres and the blob store, and plays queued
// local mutations back to the remote.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vdavid/mailsync/internal/blob"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/control"
	"github.com/vdavid/mailsync/internal/heartbeat"
	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/scheduler"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/syncback"
)

// maxSessionsPerAccount is the IMAP connection budget per account; most
// providers start refusing logins past three or four.
const maxSessionsPerAccount = 3

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.CloseConnection(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	blobs := blob.NewFSStore(cfg.BlobRoot, cfg.CompressRawMIME)
	st := store.New(pool, blobs)

	tokens, err := newFileTokenProvider(cfg.CredentialsFile)
	if err != nil {
		log.Fatalf("failed to load credentials: %v", err)
	}

	imapPool := imapconn.NewPool(tokens, maxSessionsPerAccount)
	defer imapPool.Close()

	hb := heartbeat.NewPublisher(redisClient)

	sched := scheduler.New(cfg, st, imapPool, hb, redisClient)
	processor := syncback.New(cfg, st, imapPool, tokens)
	ctl := control.NewServer(cfg, st, sched)

	go ctl.Start()
	go func() {
		if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("syncback processor exited: %v", err)
		}
	}()

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("scheduler exited: %v", err)
	}

	log.Println("shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctl.Shutdown(shutdownCtx); err != nil {
		log.Printf("control listener shutdown: %v", err)
	}
}
