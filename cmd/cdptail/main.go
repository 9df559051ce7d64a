// Command cdptail attaches to a devtools target and tails its event
// stream, pretty-printing payloads as they arrive.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/treewalk/cdpsession/log"
	"github.com/treewalk/cdpsession/session"
	"github.com/treewalk/cdpsession/ws"
)

func main() {
	var (
		targetID = flag.String("target", "page-1", "target identity to attach as")
		level    = flag.String("level", "info", "log level (debug, info, warn, error)")
		filter   = flag.String("category", "", "regexp filter for log categories")
	)
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: cdptail [flags] <devtools websocket URL>")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *targetID, *level, *filter); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(devtoolsURL, targetID, level, filter string) error {
	var categoryFilter *regexp.Regexp
	if filter != "" {
		var err error
		if categoryFilter, err = regexp.Compile(filter); err != nil {
			return fmt.Errorf("compiling category filter: %w", err)
		}
	}
	logger := log.New(logrus.New(), false, categoryFilter)
	if err := logger.SetLevel(level); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	registry := session.NewRegistry(logger, session.Options{})
	target := ws.NewTarget(targetID, devtoolsURL, logger)

	sess, err := registry.Attach(ctx, target)
	if err != nil {
		return fmt.Errorf("attaching to %q: %w", devtoolsURL, err)
	}

	var (
		methodColor = color.New(color.FgCyan).SprintFunc()
		sidColor    = color.New(color.FgMagenta).SprintFunc()
	)
	for {
		select {
		case ev := <-registry.Events():
			fmt.Printf("%s %s %s\n", sidColor(ev.SessionID[:8]), methodColor(ev.Name), pretty(ev.Params))
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			dumpMetrics(sess)
			registry.CloseAll()
			return nil
		}
	}
}

func dumpMetrics(sess *session.Session) {
	m := sess.Metrics()
	fmt.Printf("enabled domains: %v\n", m.EnabledDomains)
	fmt.Printf("buffered events: %d\n", m.BufferedEvents)
	fmt.Printf("pending commands: %d (oldest %s)\n", m.PendingCommands, m.OldestPendingAge)
}

func pretty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
