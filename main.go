package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/anicoll/hass-automation/cmd"
)

func main() {
	dataFlag := &cli.StringSliceFlag{
		Name:    "data",
		Aliases: []string{"d"},
		Usage:   "service data as key=value, values are parsed as json when possible",
	}

	app := &cli.App{
		Name:  "hass-automation",
		Usage: "home automation hub client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "INFO",
			},
			&cli.StringFlag{
				Name:    "namespaces-file",
				EnvVars: []string{"NAMESPACES_FILE"},
			},
			&cli.StringFlag{
				Name:    "default-namespace",
				EnvVars: []string{"DEFAULT_NAMESPACE"},
				Value:   "hass",
			},
			&cli.StringFlag{
				Name:    "namespace",
				Aliases: []string{"n"},
				Usage:   "namespace to act on, defaults to the default namespace",
			},
			&cli.StringFlag{
				Name:    "hass-url",
				EnvVars: []string{"HASS_URL"},
			},
			&cli.StringFlag{
				Name:    "hass-key",
				EnvVars: []string{"HASS_KEY"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				EnvVars: []string{"HASS_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				EnvVars: []string{"DATABASE_URL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "keep every namespace in sync and record state history",
				Action: cmd.RunCommand,
			},
			{
				Name:      "state",
				Usage:     "print all states, a device type or a single entity",
				ArgsUsage: "[device_type|entity_id]",
				Action:    cmd.StateCommand,
			},
			{
				Name:      "set-state",
				Usage:     "merge a state and attributes into an entity",
				ArgsUsage: "<entity_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "state", Aliases: []string{"s"}},
					&cli.StringSliceFlag{Name: "attr", Aliases: []string{"a"}, Usage: "attribute as key=value"},
				},
				Action: cmd.SetStateCommand,
			},
			{
				Name:      "call-service",
				Usage:     "call a hub service",
				ArgsUsage: "<domain/action>",
				Flags:     []cli.Flag{dataFlag},
				Action:    cmd.CallServiceCommand,
			},
			{
				Name:      "fire-event",
				Usage:     "fire a hub event",
				ArgsUsage: "<event>",
				Flags:     []cli.Flag{dataFlag},
				Action:    cmd.FireEventCommand,
			},
			{
				Name:      "turn-on",
				ArgsUsage: "<entity_id>",
				Flags:     []cli.Flag{dataFlag},
				Action:    cmd.TurnOnCommand,
			},
			{
				Name:      "turn-off",
				ArgsUsage: "<entity_id>",
				Flags:     []cli.Flag{dataFlag},
				Action:    cmd.TurnOffCommand,
			},
			{
				Name:      "toggle",
				ArgsUsage: "<entity_id>",
				Flags:     []cli.Flag{dataFlag},
				Action:    cmd.ToggleCommand,
			},
			{
				Name:      "notify",
				Usage:     "send a notification",
				ArgsUsage: "<message>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "notify service name"},
					&cli.StringFlag{Name: "title"},
					&cli.BoolFlag{Name: "persistent", Usage: "create a persistent notification instead"},
					&cli.StringFlag{Name: "notification-id"},
				},
				Action: cmd.NotifyCommand,
			},
			{
				Name:      "history",
				Usage:     "print the recorded changes of an entity",
				ArgsUsage: "<entity_id>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "since", Usage: "how far back to look, defaults to two days"},
				},
				Action: cmd.HistoryCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
