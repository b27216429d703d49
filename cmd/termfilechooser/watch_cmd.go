package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/termfilechooser/internal/watch"
)

const tokenEnv = "TERMFILECHOOSER_TOKEN"

// watchClient resolves the service URL and token: flags first, then the
// environment, then the configured listen address and API key.
func watchClient(args []string) (watch.Client, error) {
	fs := newFlagSet("watch")
	configPath := fs.String("config", "", "Path to configuration file")
	url := fs.String("url", "", "Service URL (default: from api.listen)")
	token := fs.String("token", "", "Bearer token (default: $"+tokenEnv+")")
	if err := fs.Parse(args); err != nil {
		return watch.Client{}, err
	}

	c := watch.Client{URL: *url, Token: *token}
	if c.Token == "" {
		c.Token = os.Getenv(tokenEnv)
	}
	if c.URL != "" && c.Token != "" {
		return c, nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return c, err
	}
	if c.URL == "" {
		c.URL = listenURL(cfg.API.Listen)
	}
	if c.Token == "" {
		c.Token = cfg.API.Auth.APIKey
	}
	return c, nil
}

// listenURL turns a listen address into a URL a client can dial.
func listenURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

func runWatch(args []string) int {
	client, err := watchClient(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure watch: %v\n", err)
		return 1
	}
	if _, err := tea.NewProgram(watch.New(client), tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}
