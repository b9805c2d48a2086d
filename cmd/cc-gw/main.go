// Command cc-gw is the local multi-model LLM gateway: a chi-routed HTTP
// server that normalizes Anthropic and OpenAI wire protocols, routes to
// configured upstream providers, and records per-request metrics.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

const usage = `cc-gw is a local multi-model LLM gateway.

Usage:
  cc-gw start [--daemon] [--port N] [--foreground]
  cc-gw stop
  cc-gw restart
  cc-gw status
  cc-gw version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version":
		fmt.Println("cc-gw", version)
		os.Exit(0)
	case "start":
		os.Exit(runStart(args))
	case "stop":
		os.Exit(runStop())
	case "restart":
		code := runStop()
		if code != 0 && code != 1 {
			os.Exit(code)
		}
		os.Exit(runStart(args))
	case "status":
		os.Exit(runStatus())
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	daemon := fs.Bool("daemon", false, "run as a background daemon")
	foreground := fs.Bool("foreground", false, "run attached to the terminal (default unless --daemon)")
	port := fs.Int("port", 0, "override the configured listen port")
	fs.Parse(args)

	home, err := resolveHome()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	if *daemon && *foreground {
		fmt.Fprintln(os.Stderr, "error: --daemon and --foreground are mutually exclusive")
		return 2
	}

	if *daemon {
		return startDaemon(home, *port)
	}
	return startForeground(home, *port)
}

func startForeground(home string, port int) int {
	if err := serve(home, port); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if isConfigError(err) {
			return 2
		}
		return 1
	}
	return 0
}
