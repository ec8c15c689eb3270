// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mapmarket/relaychat/internal/app"
	"github.com/mapmarket/relaychat/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "relaychat.json"

func main() {
	flag.Parse()

	if *version {
		printVersion()
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires a profile directory")
			fmt.Fprintln(os.Stderr, "Usage: relaychat run <profile-directory>")
			os.Exit(1)
		}
		runProfile(args[1])

	case "version":
		printVersion()

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("relaychat v%s\n", appVersion)
}

func runProfile(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid profile directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Cannot create profile directory: %v", err)
	}

	// Secrets usually live next to the profile in .env.
	if err := config.LoadDotEnv(absDir); err != nil {
		log.Fatalf("Failed to read .env: %v", err)
	}

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		ProfileDir: absDir,
		CfgPath:    cfgPath,
		Cfg:        cfg,
	}); err != nil {
		log.Fatalf("Session failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("relaychat - marketplace chat and voice calls from the terminal")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  relaychat run <directory>   Start a session for the profile in <directory>")
	fmt.Println("  relaychat version           Show version information")
	fmt.Println()
	fmt.Println("The profile directory holds relaychat.json (created with defaults when")
	fmt.Println("missing), an optional .env with RELAYCHAT_TOKEN / RELAYCHAT_COOKIE, and")
	fmt.Println("the local message cache.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(profileDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                       relaychat                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Profile:  %s\n", profileDir)
	fmt.Printf("Config:   %s\n", cfgPath)
	fmt.Printf("Server:   %s\n", cfg.Relay.URL)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("User:     %s\n", cfg.Identity.DisplayName)
	}
	if !cfg.Call.Enabled {
		fmt.Println("Calls:    disabled")
	}
	if cfg.Relay.Token == "" && cfg.Relay.Cookie == "" {
		fmt.Println()
		fmt.Println("No credentials configured; the server will reject the session.")
	}
	fmt.Println()
	fmt.Println("Connecting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
