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

	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdberg/couchsync/internal/app"
	"github.com/mvdberg/couchsync/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	debug    = flag.Bool("debug", false, "Enable debug logging")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("couchsync v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logging.SetAllLoggers(level)

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: couchsync run <client-directory>")
			os.Exit(1)
		}
		runClient(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid client directory: %v", err)
	}

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create client directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "couchsync.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
		fmt.Println("Edit server.url and server.token, then start again.")
		return
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		ClientDir: absDir,
		CfgPath:   cfgPath,
		Cfg:       cfg,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("couchsync - watch-together synchronization client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  couchsync run <directory>   Run the client from the given directory")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Run the client using <directory>/couchsync.json")
	fmt.Println("        A default config file is created on first run")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -debug    Enable debug logging")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First run: creates ./clients/livingroom/couchsync.json")
	fmt.Println("  couchsync run ./clients/livingroom")
	fmt.Println()
	fmt.Println("  # Start the client after editing the config")
	fmt.Println("  couchsync run ./clients/livingroom")
}

func printBanner(clientDir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println("couchsync client")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Client Directory: %s\n", clientDir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Server:           %s\n", cfg.Server.URL)
	if cfg.Control.HTTPAddr != "" {
		fmt.Printf("Control API:      http://%s\n", cfg.Control.HTTPAddr)
	}
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println()
}
