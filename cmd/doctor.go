package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/foreman/internal/config"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("foreman doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Workspace:")
	workspace := config.ExpandHome(cfg.Workspace.Path)
	fmt.Printf("    %-12s %s", "Path:", workspace)
	if info, err := os.Stat(workspace); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else if !info.IsDir() {
		fmt.Println(" (NOT A DIRECTORY)")
	} else if _, err := os.Stat(filepath.Join(workspace, ".git")); err != nil {
		fmt.Println(" (NOT A GIT REPOSITORY)")
	} else {
		fmt.Println(" (OK)")
	}

	dataDir := config.ExpandHome(cfg.Workspace.DataDir)
	fmt.Printf("    %-12s %s", "Data dir:", dataDir)
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else if probe, err := os.CreateTemp(dataDir, ".doctor-*"); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		probe.Close()
		os.Remove(probe.Name())
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Database:")
	dbPath := cfg.DatabasePath()
	fmt.Printf("    %-12s %s\n", "Path:", dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Printf("    %-12s not created yet (run: foreman migrate up)\n", "Schema:")
	} else if v, dirty, err := store.SchemaVersion(dbPath); err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	} else if dirty {
		fmt.Printf("    %-12s v%d (DIRTY — run: foreman migrate force %d)\n", "Schema:", v, v-1)
	} else {
		fmt.Printf("    %-12s v%d\n", "Schema:", v)
	}

	fmt.Println()
	fmt.Println("  Tools:")
	checkBinary("git", true)
	checkBinary("gh", true)
	checkBinary("claude", cfg.Agents.DefaultAgent == "claude")
	checkBinary("codex", cfg.Agents.DefaultAgent == "codex")
	checkBinary("gemini", cfg.Agents.DefaultAgent == "gemini")

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s DISABLED (set gateway.token or FOREMAN_GATEWAY_TOKEN)\n", "Auth:")
	} else {
		fmt.Printf("    %-12s bearer token configured\n", "Auth:")
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.UserID != "" {
		fmt.Printf("    %-12s enabled\n", "Telegram:")
	} else {
		fmt.Printf("    %-12s disabled\n", "Telegram:")
	}
}

func checkBinary(name string, required bool) {
	path, err := exec.LookPath(name)
	label := name + ":"
	switch {
	case err == nil:
		fmt.Printf("    %-12s %s\n", label, path)
	case required:
		fmt.Printf("    %-12s NOT FOUND (required)\n", label)
	default:
		fmt.Printf("    %-12s not found (only needed for %s agents)\n", label, name)
	}
}
