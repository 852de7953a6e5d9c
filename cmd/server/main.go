package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	environment, err := server.LoadEnvironment()
	if err != nil {
		log.Fatalf("Failed to read environment: %v", err)
	}

	defaultConfig := "~/.securechat/config.toml"
	if environment.ConfigPath != "" {
		defaultConfig = environment.ConfigPath
	}

	// Command line flags
	configPath := flag.String("config", defaultConfig, "Path to config file (env SECURECHAT_CONFIG)")
	host := flag.String("host", "", "Address to listen on (overrides config)")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	keyPath := flag.String("key", "", "Path to the server private key (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	skipOTP := flag.Bool("insecure-skip-otp", false, "Accept any one-time code. Never use in production")
	noConsole := flag.Bool("no-console", false, "Do not read operator commands from stdin")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("SecureChat Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	resolvedConfigPath, err := crypto.ExpandHome(*configPath)
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	if absPath, err := filepath.Abs(resolvedConfigPath); err == nil {
		resolvedConfigPath = absPath
	}

	// Command-line flags override config file
	if *host != "" {
		config.Server.Host = *host
	}
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *keyPath != "" {
		config.Server.PrivateKeyPath = *keyPath
	}

	serverConfig := config.ToServerConfig()
	environment.Apply(&serverConfig)
	if *skipOTP {
		serverConfig.InsecureSkipOTP = true
	}

	key, generated, err := crypto.LoadOrGenerate(serverConfig.PrivateKeyPath, serverConfig.KeyBits)
	if err != nil {
		log.Fatalf("Failed to load server key: %v", err)
	}
	if generated {
		log.Printf("Generated a new %d bit server key at %s", key.N.BitLen(), serverConfig.PrivateKeyPath)
	}

	srv, err := server.NewServer(serverConfig, key, resolvedConfigPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (resolved to %s, using defaults if not found)", *configPath, resolvedConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("SecureChat server %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Binary Protocol (TCP): %s", srv.Addr())
	if addr := srv.SSHAddr(); addr != nil {
		log.Printf("  - SSH: %s (host key %s)", addr, serverConfig.SSHHostKeyPath)
	}
	if addr := srv.HTTPAddr(); addr != nil {
		log.Printf("  - WebSocket: ws://%s/ws (metrics on /metrics, health on /health)", addr)
	}

	consoleDone := make(chan error, 1)
	if !*noConsole {
		go func() {
			consoleDone <- srv.RunConsole(os.Stdin, os.Stdout)
		}()
	}

	exitCode := 0
wait:
	for {
		select {
		case <-ctx.Done():
			log.Println("Shutting down server...")
			break wait
		case err := <-consoleDone:
			if errors.Is(err, server.ErrShutdownRequested) {
				log.Println("Shutting down server (console)...")
				break wait
			}
			// Stdin closed: keep serving until a signal arrives
			if err != nil {
				log.Printf("Console stopped: %v", err)
			}
			consoleDone = nil
		case err := <-srv.Errors():
			log.Printf("Fatal server error: %v", err)
			exitCode = 1
			break wait
		}
	}

	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	os.Exit(exitCode)
}
