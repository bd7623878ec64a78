package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"client/internal/config"
)

// parseStartupAddr scans args for a bken:// URL and returns the host:port,
// the same deep-link convention the desktop build accepted from its OS
// shell handler.
func parseStartupAddr(args []string) string {
	const scheme = "bken://"
	for _, arg := range args {
		if strings.HasPrefix(arg, scheme) {
			addr := strings.TrimPrefix(arg, scheme)
			addr = strings.TrimRight(addr, "/")
			return addr
		}
	}
	return ""
}

func main() {
	var (
		serverFlag = flag.String("server", "", "server address (host:port), overrides bken:// deep link argument")
		nickFlag   = flag.String("nick", "", "display name (defaults to a random guest name)")
		avatarFlag = flag.String("avatar", "", "avatar identifier")
		roomFlag   = flag.String("room", "", "room to join on connect")
		rateFlag   = flag.Float64("stream-rate", 750_000, "outgoing video pacing rate in bytes/sec, used only with -stream")
		streamFlag = flag.Bool("stream", false, "start screen-share streaming immediately on connect")
	)
	flag.Parse()

	addr := *serverFlag
	if addr == "" {
		addr = parseStartupAddr(os.Args[1:])
	}
	if addr == "" {
		log.Fatal("no server address given: pass -server host:port or a bken://host:port argument")
	}
	addr, err := normalizeServerAddr(addr)
	if err != nil {
		log.Fatalf("invalid server address: %v", err)
	}

	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	driver := NewDriver(cfg, *nickFlag, *avatarFlag, *roomFlag)
	if *streamFlag {
		driver.OnReady = func(uint32) {
			if err := driver.StartStreaming(*rateFlag); err != nil {
				log.Printf("[main] start streaming: %v", err)
			}
		}
	}

	log.Printf("[main] connecting to %s as %q", addr, driver.nick)
	exitOnInterrupt(driver.Run(ctx, addr))
}
