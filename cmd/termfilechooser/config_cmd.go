package main

import (
	"fmt"
	"os"

	"github.com/mattjoyce/termfilechooser/internal/config"
)

func runConfigCheck(args []string) int {
	fs := newFlagSet("config check")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	if err := config.Verify(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	source := cfg.SourcePath
	if source == "" {
		source = "(defaults)"
	}
	fmt.Printf("Configuration OK: %s\n", source)
	fmt.Printf("  picker:      %s\n", cfg.Picker.Command)
	fmt.Printf("  default_dir: %s\n", cfg.Picker.DefaultDir)
	fmt.Printf("  state:       %s\n", cfg.State.Path)
	if cfg.API.Enabled {
		fmt.Printf("  listen:      %s\n", cfg.API.Listen)
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := newFlagSet("config lock")
	configPath := fs.String("config", "", "Path to configuration file")
	dryRun := fs.Bool("dry-run", false, "Compute the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := *configPath
	if path == "" {
		path = config.Discover()
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "No configuration file found; pass --config")
		return 1
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	if report.Written {
		fmt.Printf("Locked %s (%s) in %s\n", report.ConfigPath, report.Hash, report.ChecksumPath)
	} else {
		fmt.Printf("%s %s (dry run)\n", report.Hash, report.ConfigPath)
	}
	return 0
}
