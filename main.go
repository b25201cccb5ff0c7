package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	chatID   = flag.String("chat", "", "Chat the call belongs to (call command)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "goopcall.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
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
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: goopcall peer <peer-directory>")
			os.Exit(1)
		}
		run(args[1], "")

	case "id":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: goopcall id <peer-directory>")
			os.Exit(1)
		}
		printID(args[1])

	case "call":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: goopcall [-chat id] call <peer-directory> <peer-id>")
			os.Exit(1)
		}
		run(args[1], args[2])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(peerDirArg, dial string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalw("invalid peer directory", "err", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalw("create peer directory", "dir", absDir, "err", err)
	}

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalw("failed to load config", "path", cfgPath, "err", err)
	}

	printPeerBanner(absDir, cfgPath, cfg, created)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Dial:    dial,
		ChatID:  *chatID,
	})
	switch {
	case err == nil:
	case errors.Is(err, app.ErrCallFailed):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		log.Fatalw("peer failed", "err", err)
	}
}

// printID prints the peer ID others use to call this peer, creating the
// identity key on first use.
func printID(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalw("invalid peer directory", "err", err)
	}
	cfg, _, err := config.Ensure(filepath.Join(absDir, cfgName))
	if err != nil {
		log.Fatalw("failed to load config", "err", err)
	}
	id, err := p2p.LoadIdentity(util.ResolvePath(absDir, cfg.Identity.KeyFile))
	if err != nil {
		log.Fatalw("load identity", "err", err)
	}
	fmt.Println(id)
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer audio/video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall peer <directory>             Run a peer and wait for calls")
	fmt.Println("  goopcall id <directory>               Print the peer ID to call")
	fmt.Println("  goopcall [-chat id] call <directory> <peer-id>")
	fmt.Println("                                        Run a peer and call <peer-id>")
	fmt.Println()
	fmt.Println("The directory holds the peer's " + cfgName + ", identity key and call")
	fmt.Println("database. A default config is written on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -chat     Chat the call belongs to (call command)")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config, created bool) {
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s", cfgPath)
	if created {
		fmt.Print(" (created)")
	}
	fmt.Println()
	fmt.Printf("mDNS Tag:       %s\n", cfg.P2P.MdnsTag)
	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Call Viewer:    %s\n", url)
	}
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println()
}
