package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hark/internal/config"
	"hark/internal/ipc"
)

var (
	socketPath string
	timeout    time.Duration
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "hark-ctl",
	Short: "Control the hark voice assistant daemon",
	Long: `hark-ctl talks to a running hark daemon over its control socket.

Quick Start:
  hark-ctl pair <token>     # Pair this device with the assistant server
  hark-ctl trigger          # Start or stop a recording
  hark-ctl say "hello"      # Send a typed message
  hark-ctl status           # Show the assistant state`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocket, "Daemon control socket")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print raw JSON replies")
}

// call runs one daemon command and decodes its reply into res.
func call(res any, cmd string, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := ipc.Call(ctx, socketPath, res, cmd, args...); err != nil {
		var re *ipc.RemoteError
		if errors.As(err, &re) {
			return err
		}
		return fmt.Errorf("hark daemon not running: %w", err)
	}
	return nil
}

// run calls cmd and prints the reply, either raw or through render.
func run[T any](render func(T) string) func(cmd string, args ...string) error {
	return func(cmd string, args ...string) error {
		if asJSON {
			var raw json.RawMessage
			if err := call(&raw, cmd, args...); err != nil {
				return err
			}
			if len(raw) > 0 {
				fmt.Println(string(raw))
			}
			return nil
		}

		var res T
		if err := call(&res, cmd, args...); err != nil {
			return err
		}
		if out := render(res); out != "" {
			fmt.Println(out)
		}
		return nil
	}
}
