package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/foreman/internal/config"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

func tailCmd() *cobra.Command {
	var (
		addr   string
		events []string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live events from a running foreman",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(addr, events)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().StringSliceVar(&events, "events", nil, "event names to subscribe to (default: all)")
	return cmd
}

func runTail(addr string, events []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr == "" {
		host := cfg.Gateway.Host
		if host == "0.0.0.0" || host == "" {
			host = "127.0.0.1"
		}
		addr = fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
	}
	wsURL := fmt.Sprintf("ws://%s/ws", addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var opts websocket.DialOptions
	if cfg.Gateway.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + cfg.Gateway.Token}}
	}
	conn, _, err := websocket.Dial(dialCtx, wsURL, &opts)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(protocol.MaxFrameBytes)

	if len(events) > 0 {
		sub := map[string]any{
			"type":    protocol.ClientSubscribe,
			"payload": map[string]any{"events": events},
		}
		if err := wsjson.Write(ctx, conn, sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		fmt.Fprintf(os.Stderr, "subscribed to %s\n", strings.Join(events, ", "))
	}
	fmt.Fprintf(os.Stderr, "tailing %s (ctrl-c to stop)\n", wsURL)

	for {
		var frame protocol.ServerFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		payload, _ := json.Marshal(frame.Payload)
		fmt.Printf("%s  %-24s %s\n", time.Now().Format("15:04:05"), frame.Type, payload)
	}
}
