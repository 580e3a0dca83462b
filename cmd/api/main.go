package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"childsecurity/internal/auth"
	"childsecurity/internal/config"
	"childsecurity/internal/faceclient"
	"childsecurity/internal/httpmiddleware"
	"childsecurity/internal/logging"
	"childsecurity/internal/notify"
	"childsecurity/internal/photostore"
	"childsecurity/internal/schedule"
	"childsecurity/internal/security"
	"childsecurity/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Init("child-security-api")

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		logging.Logger.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		if db == nil {
			return err
		}
		logging.Logger.Warnf("db not reachable: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	sched := schedule.NewRedisScheduler(redisClient.Client, "")

	vault, err := buildVault(cfg)
	if err != nil {
		return err
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	matcher := &faceclient.Matcher{Client: face, Photos: vault}

	repo := security.NewRepository(db.Client)
	svc := security.NewService(repo, vault, matcher, sched, security.Options{
		MaxPickupAttempts:   cfg.MaxPickupAttempts,
		PhotoMatchThreshold: cfg.PhotoMatchThreshold,
		PhotoRetention:      cfg.PhotoRetention(),
	})

	sms := notify.NewSMSSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromPhone)
	if sms == nil {
		logging.Logger.Info("Twilio not configured, pickup receipts will not be texted")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/staff/tokens", func(c *gin.Context) {
		var req struct {
			StaffID string `json:"staff_id" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role != auth.RoleStaff && req.Role != auth.RoleManager {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be staff or manager"})
			return
		}
		token, exp, err := auth.Issue(req.StaffID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	authGroup := r.Group("/v1", auth.StaffAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/checkins", func(c *gin.Context) {
		var req struct {
			ChildID       string `json:"child_id" binding:"required"`
			ChurchID      string `json:"church_id"`
			GuardianName  string `json:"guardian_name"`
			GuardianPhone string `json:"guardian_phone"`
			ChildPhoto    string `json:"child_photo" binding:"required"`
			GuardianPhoto string `json:"guardian_photo" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		childPhoto, err := decodePhoto(req.ChildPhoto)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "child_photo must be base64"})
			return
		}
		guardianPhoto, err := decodePhoto(req.GuardianPhoto)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "guardian_photo must be base64"})
			return
		}

		res, err := svc.CreateCheckIn(c.Request.Context(), security.CheckInRequest{
			ChildID:       req.ChildID,
			ChurchID:      req.ChurchID,
			GuardianName:  req.GuardianName,
			GuardianPhone: req.GuardianPhone,
			ChildPhoto:    childPhoto,
			GuardianPhoto: guardianPhoto,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Out-of-band receipt; failure here never fails the check-in.
		if err := sms.SendPickupReceipt(req.GuardianPhone, req.ChildID, res.SecurityPin, res.QRCode); err != nil {
			logging.Logger.WithError(err).Warn("pickup receipt SMS failed")
		}

		c.JSON(http.StatusCreated, gin.H{
			"check_in_id":  res.CheckInID,
			"security_pin": res.SecurityPin,
			"qr_code":      res.QRCode,
		})
	})

	authGroup.POST("/checkins/:id/verify", func(c *gin.Context) {
		var req struct {
			Photo string `json:"photo" binding:"required"`
			Pin   string `json:"pin" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		photo, err := decodePhoto(req.Photo)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "photo must be base64"})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)

		out, err := svc.VerifyPickup(c.Request.Context(), c.Param("id"), photo, req.Pin, claims.Subject)
		if err != nil {
			logging.Logger.WithError(err).Error("verify pickup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification could not be recorded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":                   out.Success,
			"reason":                    out.Reason,
			"requires_manager_override": out.RequiresManagerOverride,
		})
	})

	authGroup.POST("/checkins/:id/override", auth.RequireRole(auth.RoleManager), func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)

		out, err := svc.EmergencyOverride(c.Request.Context(), c.Param("id"), claims.Subject, req.Reason)
		if err != nil {
			logging.Logger.WithError(err).Error("emergency override failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "override could not be recorded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": out.Success, "reason": out.Reason})
	})

	authGroup.GET("/checkins/:id/attempts", func(c *gin.Context) {
		attempts, err := svc.GetPickupHistory(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, security.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "check-in not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attempts": attempts})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.Logger.Infof("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Warnf("server forced shutdown: %v", err)
	}

	logging.Logger.Info("server exited")
	return nil
}

// devMasterKey keeps dev environments running without a configured key; never
// acceptable in production since photos outlive the process.
const devMasterKey = "60606060606060606060606060606060606060606060606060606060606060ff"

func buildVault(cfg config.App) (*photostore.Vault, error) {
	var blobs photostore.Blobs
	if cfg.PhotoBackend == "cloudinary" {
		blobs = photostore.NewCloudinaryBlobs(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey,
			cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logging.Logger.Infof("Cloudinary photo backend: %s", cfg.CloudinaryCloudName)
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

func decodePhoto(s string) ([]byte, error) {
	if i := strings.IndexByte(s, ','); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
