package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/nodecross/nodex-agent/internal/config"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
	"github.com/nodecross/nodex-agent/pkg/client"
)

func runUpdate(parent context.Context, configPath string, flags UpdateFlags) error {
	if strings.TrimSpace(flags.URL) == "" {
		return fmt.Errorf("--url is required")
	}
	if flags.Local {
		n, err := newNode(configPath, "cli")
		if err != nil {
			return err
		}
		defer n.Close()
		ctx, stop := signalContext(parent)
		defer stop()
		s, err := n.coordinator().Run(ctx, flags.URL)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, client.UpdateResult{SessionID: s.ID, InstallDir: s.InstallDir, BackupDir: s.BackupDir})
	}

	c, err := apiClient(configPath, flags.APIUrl, flags.APITimeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(orBackground(parent), flags.APITimeout)
	defer cancel()
	res, err := c.Update(ctx, flags.URL)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, res)
}

func runStatus(parent context.Context, out io.Writer, configPath string, flags StatusFlags) error {
	if flags.Local {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		ri, err := runtimeinfo.NewStore(cfg.Store()).Load()
		if err != nil {
			return err
		}
		return writeJSON(out, ri)
	}

	c, err := apiClient(configPath, flags.APIUrl, flags.APITimeout)
	if err != nil {
		return err
	}
	st, err := c.Status(orBackground(parent))
	if err != nil {
		return err
	}
	return writeJSON(out, st)
}

// apiClient targets apiURL, or the agent's configured listen address.
func apiClient(configPath, apiURL string, timeout time.Duration) (*client.Client, error) {
	if apiURL == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		apiURL = agentURL(cfg.Agent)
	}
	return client.New(client.Config{BaseURL: strings.TrimRight(apiURL, "/"), Timeout: timeout}), nil
}

// agentURL builds the admin API base URL; wildcard hosts map to loopback.
func agentURL(a config.AgentConfig) string {
	host, port, err := net.SplitHostPort(a.Listen)
	if err != nil {
		return "http://" + a.Listen + a.BasePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + a.BasePath
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
