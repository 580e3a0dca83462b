package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"childsecurity/internal/config"
	"childsecurity/internal/faceclient"
	"childsecurity/internal/logging"
	"childsecurity/internal/photostore"
	"childsecurity/internal/schedule"
	"childsecurity/internal/security"
	"childsecurity/internal/store"
)

// Worker drives photo retention: it fires the durable per-record expiry
// entries and runs the periodic full sweep as a safety net.
func main() {
	cfg := config.Load()
	logging.Init("child-security-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logging.Logger.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	sched := schedule.NewRedisScheduler(redisClient.Client, "")

	vault, err := buildVault(cfg)
	if err != nil {
		logging.Logger.Fatalf("photo vault init failed: %v", err)
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	matcher := &faceclient.Matcher{Client: face, Photos: vault}

	repo := security.NewRepository(db.Client)
	svc := security.NewService(repo, vault, matcher, sched, security.Options{
		MaxPickupAttempts:   cfg.MaxPickupAttempts,
		PhotoMatchThreshold: cfg.PhotoMatchThreshold,
		PhotoRetention:      cfg.PhotoRetention(),
	})

	expiryTicker := time.NewTicker(time.Minute)
	defer expiryTicker.Stop()
	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer sweepTicker.Stop()

	logging.Logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			logging.Logger.Info("worker stopped")
			return
		case <-expiryTicker.C:
			fireDueExpiries(ctx, sched, svc)
		case <-sweepTicker.C:
			tickCtx, tickCancel := context.WithTimeout(ctx, 5*time.Minute)
			count, err := svc.CleanupExpiredPhotos(tickCtx)
			tickCancel()
			if err != nil {
				logging.Logger.WithError(err).Error("retention sweep failed")
				continue
			}
			if count > 0 {
				logging.Logger.Infof("retention sweep purged photos for %d records", count)
			}
		}
	}
}

func fireDueExpiries(ctx context.Context, sched schedule.Scheduler, svc *security.Service) {
	tickCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	due, err := sched.Due(tickCtx, time.Now().UTC(), 100)
	if err != nil {
		logging.Logger.WithError(err).Error("read due expiries failed")
		return
	}
	for _, id := range due {
		cleared, err := svc.PurgeRecordPhotos(tickCtx, id)
		if err != nil {
			logging.Logger.WithError(err).Errorf("purge photos for %s failed", id)
			continue
		}
		if cleared {
			logging.Logger.Infof("purged expired photos for %s", id)
		}
	}
}

// devMasterKey keeps dev environments running without a configured key; never
// acceptable in production since photos outlive the process.
const devMasterKey = "60606060606060606060606060606060606060606060606060606060606060ff"

func buildVault(cfg config.App) (*photostore.Vault, error) {
	var blobs photostore.Blobs
	if cfg.PhotoBackend == "cloudinary" {
		blobs = photostore.NewCloudinaryBlobs(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey,
			cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	} else {
		fsBlobs, err := photostore.NewFSBlobs(cfg.PhotoDir)
		if err != nil {
			return nil, err
		}
		blobs = fsBlobs
	}

	key := cfg.PhotoMasterKey
	if key == "" {
		logging.Logger.Warn("PHOTO_MASTER_KEY not set, using dev key")
		key = devMasterKey
	}
	return photostore.NewVault(blobs, key)
}
