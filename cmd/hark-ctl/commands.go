package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hark/internal/api"
	"hark/internal/status"
)

type agentsReply struct {
	Current string           `json:"current"`
	Allowed []api.FlowMember `json:"allowed"`
}

type spokespersonReply struct {
	Current    string           `json:"current"`
	Candidates []api.FlowMember `json:"candidates"`
}

var (
	snapshot      = run(renderStatus)
	stateLine     = run(renderState)
	silent        = run(func(struct{}) string { return "" })
	conversation  = run(renderMessages)
	notifications = run(renderNotifications)
	sessionList   = run(renderSessions)
	newSession    = run(func(s status.SessionSummary) string { return "New session " + idStyle.Render(s.ID) })
	agents        = run(renderAgents)
	spokespersons = run(renderSpokespersons)
	models        = run(renderModels)
	paired        = run(renderPaired)
	level         = run(renderLevel)
)

var (
	meterFollow   bool
	meterInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the assistant state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return snapshot("status")
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a recording, or stop the current one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateLine("trigger")
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording (interrupts a spoken reply)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateLine("start")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop recording and send the utterance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateLine("stop")
	},
}

var sayCmd = &cobra.Command{
	Use:   "say <text>",
	Short: "Send a typed message to the agent",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return silent("say", strings.Join(args, " "))
	},
}

var messagesCmd = &cobra.Command{
	Use:     "messages",
	Aliases: []string{"log"},
	Short:   "Show the current conversation",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return conversation("messages")
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications [clear]",
	Short: "List or clear notifications",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return silent("notifications", args[0])
		}
		return notifications("notifications")
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List conversation sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionList("sessions")
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a fresh session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newSession("new-session")
	},
}

var sessionsSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Resume an existing session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return silent("select-session", args[0])
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return silent("delete-session", args[0])
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent [id]",
	Short: "Show the allowed agents or switch to one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agents("agent", args...)
	},
}

var spokespersonCmd = &cobra.Command{
	Use:   "spokesperson [id|none]",
	Short: "Show or choose whose voice a flow speaks with",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return spokespersons("spokesperson", args...)
	},
}

var wakewordCmd = &cobra.Command{
	Use:       "wakeword on|off",
	Short:     "Enable or disable the wake word",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateLine("wakeword", args[0])
	},
}

var wakewordModelCmd = &cobra.Command{
	Use:   "model [id]",
	Short: "List wake word models or select one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return stateLine("wakeword-model", args[0])
		}
		return models("wakeword-model")
	},
}

var ttsCmd = &cobra.Command{
	Use:       "tts on|off",
	Short:     "Enable or disable spoken replies",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateLine("tts", args[0])
	},
}

var pairCmd = &cobra.Command{
	Use:   "pair <token>",
	Short: "Pair this device with the assistant server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return paired("pair", args[0])
	},
}

var meterCmd = &cobra.Command{
	Use:   "meter [bands]",
	Short: "Show the microphone level and spectrum",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !meterFollow {
			return level("level", args...)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		tick := time.NewTicker(meterInterval)
		defer tick.Stop()
		for {
			var l status.Level
			if err := call(&l, "level", args...); err != nil {
				return err
			}
			fmt.Print("\r\033[K" + renderLevel(l))

			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-tick.C:
			}
		}
	},
}

func init() {
	meterCmd.Flags().BoolVarP(&meterFollow, "follow", "f", false, "Keep redrawing until interrupted")
	meterCmd.Flags().DurationVar(&meterInterval, "interval", 100*time.Millisecond, "Redraw interval with --follow")

	sessionsCmd.AddCommand(sessionsNewCmd, sessionsSelectCmd, sessionsDeleteCmd)
	wakewordCmd.AddCommand(wakewordModelCmd)

	rootCmd.AddCommand(
		statusCmd,
		triggerCmd,
		startCmd,
		stopCmd,
		sayCmd,
		messagesCmd,
		notificationsCmd,
		sessionsCmd,
		agentCmd,
		spokespersonCmd,
		wakewordCmd,
		ttsCmd,
		pairCmd,
		meterCmd,
	)
}
