package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/leadsync-backend/internal/clients/gcp"
	"github.com/yungbote/leadsync-backend/internal/clients/redis"
	"github.com/yungbote/leadsync-backend/internal/clients/sheets"
	"github.com/yungbote/leadsync-backend/internal/clients/twilio"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

type Clients struct {
	Sheets    sheets.ValuesAPI
	Layout    *sheets.Layout
	Redis     goredis.UniversalClient
	Snapshots *gcp.SnapshotBucket
	Twilio    twilio.Client
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients
	googleOpts := gcp.ClientOptionsFromEnv()

	// Sheets
	layout, err := loadLayout(cfg)
	if err != nil {
		return out, fmt.Errorf("load sheet layout: %w", err)
	}
	out.Layout = layout
	api, err := sheets.New(ctx, log, sheets.Config{SpreadsheetID: cfg.SheetsSpreadsheetID, Options: googleOpts})
	if err != nil {
		return out, fmt.Errorf("init sheets client: %w", err)
	}
	out.Sheets = api

	// Redis
	if cfg.LockBackend == "redis" {
		rdb, err := redis.NewClient(ctx, log, redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return out, fmt.Errorf("init redis client: %w", err)
		}
		out.Redis = rdb
	} else {
		log.Warn("Using in-process lead locks; run a single instance or set REDIS_ADDR")
	}

	// Gcs
	if cfg.RetrySnapshotBucket != "" {
		bucket, err := gcp.NewSnapshotBucket(ctx, log, gcp.SnapshotBucketConfig{
			Bucket:  cfg.RetrySnapshotBucket,
			Prefix:  cfg.RetrySnapshotPrefix,
			Options: googleOpts,
		})
		if err != nil {
			out.close(log)
			return out, fmt.Errorf("init snapshot bucket: %w", err)
		}
		out.Snapshots = bucket
	}

	// Twilio
	twCfg := twilio.ConfigFromEnv()
	if twCfg.Enabled() {
		tw, err := twilio.New(log, twCfg)
		if err != nil {
			out.close(log)
			return out, fmt.Errorf("init twilio client: %w", err)
		}
		out.Twilio = tw
	} else if cfg.WhatsAppAutoReply {
		log.Warn("WHATSAPP_AUTO_REPLY is on but Twilio is not configured; auto-replies are disabled")
	}
	return out, nil
}

func loadLayout(cfg Config) (*sheets.Layout, error) {
	var (
		layout *sheets.Layout
		err    error
	)
	if cfg.SheetsLayoutFile != "" {
		layout, err = sheets.LoadLayout(cfg.SheetsLayoutFile)
	} else {
		layout, err = sheets.DefaultLayout()
	}
	if err != nil {
		return nil, err
	}
	if cfg.SheetsSheetName != "" {
		layout.SheetName = cfg.SheetsSheetName
	}
	return layout, nil
}

func (c Clients) close(log *logger.Logger) {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			log.Warn("redis close failed", "error", err)
		}
	}
	if c.Snapshots != nil {
		if err := c.Snapshots.Close(); err != nil {
			log.Warn("snapshot bucket close failed", "error", err)
		}
	}
}
