package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/logging/channel"
)

var sendFlags struct {
	group   string
	name    string
	props   []string
	session string
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Queue one event for delivery",
	Long: `Queue one event in the local store. It is delivered by the next
"agent run", or by the one already running against the same store once
its group's background flush interval elapses.

Examples:
  agent send --name deploy --prop env=prod --prop version=1.4.2
  agent send --group audit --name login --prop user=alice`,
	RunE: sendEvent,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendFlags.group, "group", "g", logging.GroupEvents, "group to queue the event in")
	sendCmd.Flags().StringVarP(&sendFlags.name, "name", "n", "", "event name")
	sendCmd.Flags().StringArrayVarP(&sendFlags.props, "prop", "p", nil, "event property as key=value (repeatable)")
	sendCmd.Flags().StringVar(&sendFlags.session, "session", "", "session id (UUID)")
	_ = sendCmd.MarkFlagRequired("name")
}

func sendEvent(cmd *cobra.Command, args []string) error {
	props, err := parseProperties(sendFlags.props)
	if err != nil {
		return err
	}
	event := logging.NewEventLog(sendFlags.name, props)
	if sendFlags.session != "" {
		sid, err := uuid.Parse(sendFlags.session)
		if err != nil {
			return fmt.Errorf("invalid session id: %w", err)
		}
		event.SessionID = &sid
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if _, ok := cfg.Groups[sendFlags.group]; !ok {
		return fmt.Errorf("group %q is not configured", sendFlags.group)
	}

	st, err := openStore(cfg, logger, nil, false)
	if err != nil {
		return err
	}
	defer st.Close()

	// The channel is never started: Enqueue only stamps and stores.
	ch := channel.New(st, nil, channel.Config{
		Device: deviceInfo(cfg.Device),
		Logger: logger,
	})
	if err := ch.AddGroup(channel.GroupConfig{Name: sendFlags.group}); err != nil {
		return err
	}
	if err := ch.Enqueue(cmd.Context(), sendFlags.group, event); err != nil {
		return fmt.Errorf("failed to queue event: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "queued %s in %s\n", event.ID, sendFlags.group)
	return nil
}

func parseProperties(pairs []string) (map[string]string, error) {
	props := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q (want key=value)", pair)
		}
		props[key] = value
	}
	return props, nil
}
