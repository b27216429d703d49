// Command termfilechooser is the file chooser service: it runs picker
// helpers for requests received over HTTP and replies with file URIs.
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "config":
		return runConfigNoun(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`termfilechooser - terminal file chooser service

Usage:
  termfilechooser <command> [flags]

Commands:
  start             Run the service in the foreground
  config check      Validate the configuration and the picker command
  config lock       Record the configuration hash in .checksums
  watch             Live dashboard of a running service
  version           Show version information
  help              Show this help message

Use 'termfilechooser <command> --help' for command flags.
`)
}

func printStartHelp() {
	fmt.Print(`Usage: termfilechooser start [flags]

Flags:
  --config PATH       Configuration file (default: discovered)
  --picker PATH       Picker command, overrides picker.command
  --default-dir DIR   Folder used when a request names none
  --log-level LEVEL   debug, info, warn or error
  --listen ADDR       HTTP listen address, overrides api.listen
  -r, --replace       Replace a running instance
`)
}

func printWatchHelp() {
	fmt.Print(`Usage: termfilechooser watch [flags]

Flags:
  --config PATH   Configuration file used for the defaults below
  --url URL       Service URL (default: http://<api.listen>)
  --token TOKEN   Bearer token (default: $TERMFILECHOOSER_TOKEN, then api.auth.api_key)
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigHelp(w *os.File) {
	fmt.Fprint(w, `Usage: termfilechooser config <check|lock> [--config PATH]

  check             Load, validate and verify the configuration
  lock [--dry-run]  Write the configuration hash to .checksums
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if isHelpToken(arg) {
			return true
		}
	}
	return false
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}
