package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/revittco/mcpbridge/internal/protocol"
)

// cmdNotificationDemo emits N synthetic `notifications/message` frames to
// stdout, for exercising a client's notification-logging handling without a
// live remote endpoint (spec.md §6).
func cmdNotificationDemo(args []string) error {
	fs := flag.NewFlagSet("notification-demo", flag.ContinueOnError)
	count := fs.Int("count", 5, "number of notifications to emit")
	interval := fs.Duration("interval", 200*time.Millisecond, "delay between notifications")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	w := protocol.NewWriter(os.Stdout)
	for i := 0; i < *count; i++ {
		params := []byte(fmt.Sprintf(`{"level":"info","data":{"message":"synthetic notification","sequence":%d}}`, i))
		raw, err := protocol.NewNotification("notifications/message", params)
		if err != nil {
			return fmt.Errorf("build notification: %w", err)
		}
		if err := w.WriteMessage(raw); err != nil {
			return fmt.Errorf("write notification: %w", err)
		}
		if i < *count-1 {
			time.Sleep(*interval)
		}
	}
	return nil
}
