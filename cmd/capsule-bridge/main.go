// Package main provides the entry point for Capsule Bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/api"
	"github.com/graaaaa/capsule-bridge/internal/api/urltoken"
	"github.com/graaaaa/capsule-bridge/internal/appinfo"
	"github.com/graaaaa/capsule-bridge/internal/capsuleapi"
	"github.com/graaaaa/capsule-bridge/internal/channel"
	"github.com/graaaaa/capsule-bridge/internal/config"
	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/media/ffmpeg"
	"github.com/graaaaa/capsule-bridge/internal/prefs"
	"github.com/graaaaa/capsule-bridge/internal/session"
	"github.com/graaaaa/capsule-bridge/internal/singleinstance"
	"github.com/graaaaa/capsule-bridge/internal/version"
)

func main() {
	// 1. Single instance check (Windows: session mutex, unix: flock in the data dir)
	dataDir, err := config.EnsureDataDir()
	if err != nil {
		log.Fatalf("Failed to ensure data directory: %v", err)
	}
	lock, err := singleinstance.Acquire(appinfo.LockName, dataDir)
	if errors.Is(err, singleinstance.ErrAlreadyRunning) {
		log.Println("Another instance is already running")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	// 2. Load configuration (corrupt config falls back to defaults with warning)
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Warning: %v", err)
	}
	cfg = config.ApplyEnvOverrides(cfg)

	secrets, secretsStatus, err := config.LoadSecrets()
	if err != nil {
		log.Printf("Warning: %v", err)
	}
	secrets = config.ApplySecretEnvOverrides(secrets)

	// 3. Ensure LAN auth credentials if LAN mode is enabled
	updated, generatedPw, err := config.EnsureLanAuth(&secrets, cfg.LanEnabled)
	if err != nil {
		log.Fatalf("Failed to ensure LAN auth: %v", err)
	}

	// Only save if loaded successfully or file was missing (prevent overwrite on fallback)
	if updated && secretsStatus != config.StatusFallback {
		if err := config.SaveSecrets(secrets); err != nil {
			log.Fatalf("Failed to save secrets: %v", err)
		}
		if generatedPw != "" {
			pwPath, err := config.WritePasswordFile(secrets.BasicAuthUsername, generatedPw)
			if err != nil {
				log.Printf("Warning: failed to write password file: %v", err)
				log.Println("=== GENERATED BASIC AUTH CREDENTIALS ===")
				log.Printf("Username: %s", secrets.BasicAuthUsername)
				log.Printf("Password: %s", generatedPw)
				log.Println("=========================================")
			} else {
				log.Println("=== BASIC AUTH CREDENTIALS GENERATED ===")
				log.Printf("Credentials saved to: %s", pwPath)
				log.Println("Delete this file after saving the credentials!")
				log.Println("=========================================")
			}
		}
	} else if updated && secretsStatus == config.StatusFallback {
		log.Println("WARNING: Secrets file has errors; new credentials not saved to avoid data loss")
		log.Println("Please fix or delete secrets.json and restart")
	}
	if secrets.SessionCookie.IsEmpty() {
		log.Printf("Warning: no session cookie in secrets.json or %s; server requests will be anonymous and the server channel stays closed", config.EnvSessionCookie)
	}

	// 4. Parse flags (flags override config)
	port := flag.Int("port", cfg.Port, "HTTP server port")
	serverRoot := flag.String("server", cfg.ServerRoot, "capsule server root URL")
	debug := flag.Bool("debug", false, "enable debug logging")
	origins := flag.String("cors", "", "comma-separated origins allowed to call the API")
	flag.Parse()
	cfg.ServerRoot = strings.TrimRight(*serverRoot, "/")

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// 5. Open the preference store
	prefsPath, err := config.PreferencesPath()
	if err != nil {
		log.Fatalf("Failed to resolve preference path: %v", err)
	}
	store, err := prefs.Open(prefsPath)
	if err != nil {
		log.Fatalf("Failed to open preferences: %v", err)
	}
	defer store.Close()

	exportDir, err := config.ResolveExportDir(cfg)
	if err != nil {
		log.Fatalf("Failed to prepare export directory: %v", err)
	}

	// 6. Media backend
	backend := ffmpeg.New(cfg.FFmpegPath, ffmpeg.WithLogger(logger.With("component", "ffmpeg")))
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if v, err := backend.Check(checkCtx); err != nil {
		log.Printf("Warning: %v; recording will fail until ffmpeg is installed", err)
	} else {
		log.Printf("Using %s", v)
	}
	checkCancel()

	// 7. SSE hub, the server channel and the session all emit through the hub
	hub := api.NewHub(api.WithHubLogger(logger.With("component", "hub")))
	go hub.Run()

	client := capsuleapi.NewClient(cfg.ServerRoot, secrets.SessionCookie,
		capsuleapi.WithLogger(logger.With("component", "capsuleapi")),
	)
	ch := channel.New(cfg.WebsocketURL(), secrets.SessionCookie, hub,
		channel.WithLogger(logger.With("component", "channel")),
		channel.WithReconnectDelay(cfg.ReconnectDelay()),
	)
	ch.Start()

	urls := media.NewObjectURLs(api.BlobPrefix)
	sess := session.New(session.Deps{
		Prefs:     store,
		Devices:   backend,
		Recorders: backend,
		Server:    client,
		URLs:      urls,
		ExportDir: exportDir,
		Channel:   ch,
	}, hub,
		session.WithLogger(logger),
		session.WithProbeTimeout(cfg.ProbeTimeout()),
	)

	// 8. Determine bind address
	host := "127.0.0.1"
	if cfg.LanEnabled {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, *port)

	serverOpts := []api.ServerOption{
		api.WithHub(hub),
		api.WithBlobs(urls),
		api.WithLogger(logger.With("component", "api")),
		api.WithVersion(version.String()),
	}
	if *origins != "" {
		var list []string
		for _, o := range strings.Split(*origins, ",") {
			if o = strings.TrimSpace(strings.TrimRight(o, "/")); o != "" {
				list = append(list, o)
			}
		}
		serverOpts = append(serverOpts, api.WithCORS(list...), api.WithAllowedHosts(hostsOf(list)...))
	}

	// Enable Basic Auth for LAN mode (credentials are guaranteed by EnsureLanAuth)
	var limiter *api.RateLimiter
	if cfg.LanEnabled {
		key, err := secrets.TokenKeyBytes()
		if err != nil {
			log.Fatalf("Invalid token key: %v", err)
		}
		tokens, err := urltoken.NewSigner(key)
		if err != nil {
			log.Fatalf("Invalid token key: %v", err)
		}
		limiter = api.NewRateLimiter(api.DefaultRateLimiterConfig())
		serverOpts = append(serverOpts,
			api.WithBasicAuth(secrets.BasicAuthUsername, secrets.BasicAuthPassword.Value()),
			api.WithURLTokens(tokens),
			api.WithRateLimiter(limiter),
			api.WithAuthFailureLimiter(api.NewAuthFailureLimiter(api.DefaultAuthFailureLimiterConfig())),
		)
		log.Println("Basic Auth enabled for LAN mode")
	}

	server := api.NewServer(addr, sess, serverOpts...)

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)

	go func() {
		log.Printf("Starting %s v%s on %s (server %s)", appinfo.AppName, version.String(), addr, cfg.ServerRoot)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-done:
		log.Println("Shutting down...")
	case err := <-errCh:
		log.Printf("Server error: %v", err)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	shutdownCancel()

	// Releases the camera, waits for uploads and exports, and closes the channel
	if err := sess.Close(); err != nil {
		log.Printf("Session close error: %v", err)
	}

	// Stop SSE hub (closes all subscriber channels)
	hub.Stop()
	if limiter != nil {
		limiter.Stop()
	}

	log.Println("Bridge stopped")
	if exitCode != 0 {
		store.Close()
		lock.Release()
		os.Exit(exitCode)
	}
}

// hostsOf returns the host part of each origin, for the CSRF allowlist.
func hostsOf(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, rest, ok := strings.Cut(o, "://"); ok {
			o = rest
		}
		host, _, _ := strings.Cut(o, "/")
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}
