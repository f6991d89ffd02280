// signetd is the signing-workflow server: it exposes the workflow engine
// over HTTP, runs the outbox dispatcher and offers audit-chain tooling.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}
	switch args[1] {
	case "serve", "server":
		return startServer()
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: signetd [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve    Run the workflow server (default)")
	fmt.Fprintln(w, "  verify   Verify an envelope's audit chain, optionally exporting evidence")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  PORT                 Listen port (default 8080)")
	fmt.Fprintln(w, "  LOG_LEVEL            DEBUG | INFO | WARN | ERROR (default INFO)")
	fmt.Fprintln(w, "  DATABASE_URL         sqlite://<path> or postgres://... (default sqlite://signet.db)")
	fmt.Fprintln(w, "  REDIS_URL            Optional shared rate-limit backend")
	fmt.Fprintln(w, "  SESSION_SIGNING_KEY  HMAC key for signing-session tokens")
	fmt.Fprintln(w, "  PROFILES_DIR         Workflow profile directory (default profiles)")
	fmt.Fprintln(w, "  WORKFLOW_PROFILE     Profile name (default default)")
}
