package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes (spec.md §6): 0 success; 1 configuration error; 2
// transport-exhausted failure; 3 authentication failure.
const (
	exitOK            = 0
	exitConfig        = 1
	exitTransport     = 2
	exitAuthorization = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	subcmd := "proxy"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		subcmd = args[0]
		args = args[1:]
	}

	var err error
	switch subcmd {
	case "proxy":
		err = cmdProxy(args)
	case "load-balance":
		err = cmdLoadBalance(args)
	case "test":
		return cmdTest(args)
	case "notification-demo":
		err = cmdNotificationDemo(args)
	default:
		fmt.Fprintf(os.Stderr, "mcpbridge: unknown command %q\nUsage: mcpbridge [proxy|load-balance|test|notification-demo]\n", subcmd)
		return exitConfig
	}

	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "mcpbridge: %v\n", err)
	return exitCodeFor(err)
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errConfig):
		return exitConfig
	case errors.Is(err, errAuthorization):
		return exitAuthorization
	case errors.Is(err, errTransportExhausted):
		return exitTransport
	default:
		return exitConfig
	}
}
