package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/anicoll/hass-automation/internal/pkg/database"
	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/entity"
	"github.com/anicoll/hass-automation/pkg/hass"
	"github.com/anicoll/hass-automation/pkg/state"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errMissingArgument = errors.New("missing argument")
	errMalformedPair   = errors.New("expected key=value")
)

// withHass connects the configured namespaces, waits for the target namespace
// to sync and then runs fn against the facade.
func withHass(c *cli.Context, fn func(ctx context.Context, h *hass.Hass, opts []hass.Option) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	cfg.CheckAccessKeys(logger, time.Now())

	store := state.New(state.WithLogger(logger))
	defer store.Close()
	client := dispatch.New(logger)
	transports, err := newTransports(cfg, store, client)
	if err != nil {
		return err
	}
	h := newHass(cfg, store, transports, client, logger)

	namespace := h.Namespace()
	if c.IsSet("namespace") {
		namespace = c.String("namespace")
	}
	target, ok := transports[namespace]
	if !ok {
		return fmt.Errorf("%w: %s", hass.ErrUnknownNamespace, namespace)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)
	for name, t := range transports {
		eg.Go(func() error {
			if err := t.Run(egCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("namespace %s: %w", name, err)
			}
			return nil
		})
	}

	err = waitReady(egCtx, target, cfg.SyncTimeout)
	if err == nil {
		err = fn(ctx, h, []hass.Option{hass.InNamespace(namespace)})
	}
	cancel()
	if werr := eg.Wait(); err == nil && werr != nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	return err
}

// parsePairs turns key=value arguments into a payload. Values that parse as
// json keep their type, anything else is a string.
func parsePairs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", errMalformedPair, pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstArg(c *cli.Context, name string) (string, error) {
	arg := c.Args().First()
	if arg == "" {
		return "", fmt.Errorf("%w: %s", errMissingArgument, name)
	}
	return arg, nil
}

func printResult(c *cli.Context, res hass.Result) error {
	if res.Skipped {
		fmt.Fprintln(c.App.ErrWriter, "hub is disconnected, nothing was sent")
		return nil
	}
	return writeJSON(c.App.Writer, res.Body)
}

func payloadOption(c *cli.Context) (hass.Option, error) {
	payload, err := parsePairs(c.StringSlice("data"))
	if err != nil {
		return nil, err
	}
	return hass.WithPayload(payload), nil
}

func StateCommand(c *cli.Context) error {
	return withHass(c, func(_ context.Context, h *hass.Hass, opts []hass.Option) error {
		res, err := h.Query(c.Args().First(), opts...)
		if err != nil {
			return err
		}
		if res.Kind == state.KindEntity {
			return writeJSON(c.App.Writer, res.Record)
		}
		return writeJSON(c.App.Writer, res.Entities)
	})
}

func SetStateCommand(c *cli.Context) error {
	id, err := firstArg(c, "entity id")
	if err != nil {
		return err
	}
	attrs, err := parsePairs(c.StringSlice("attr"))
	if err != nil {
		return err
	}
	update := entity.Update{}
	if c.IsSet("state") {
		update = entity.WithState(c.String("state"))
	}
	if len(attrs) > 0 {
		update = update.And(entity.WithAttributes(attrs))
	}
	return withHass(c, func(ctx context.Context, h *hass.Hass, opts []hass.Option) error {
		rec, err := h.SetState(ctx, id, update, opts...)
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, rec)
	})
}

func CallServiceCommand(c *cli.Context) error {
	service, err := firstArg(c, "service")
	if err != nil {
		return err
	}
	payload, err := payloadOption(c)
	if err != nil {
		return err
	}
	return withHass(c, func(ctx context.Context, h *hass.Hass, opts []hass.Option) error {
		res, err := h.CallService(ctx, service, append(opts, payload)...)
		if err != nil {
			return err
		}
		return printResult(c, res)
	})
}

func FireEventCommand(c *cli.Context) error {
	event, err := firstArg(c, "event")
	if err != nil {
		return err
	}
	payload, err := payloadOption(c)
	if err != nil {
		return err
	}
	return withHass(c, func(ctx context.Context, h *hass.Hass, opts []hass.Option) error {
		res, err := h.FireEvent(ctx, event, append(opts, payload)...)
		if err != nil {
			return err
		}
		return printResult(c, res)
	})
}

type entityAction func(h *hass.Hass, ctx context.Context, entityID string, opts ...hass.Option) (hass.Result, error)

// EntityCommand builds the turn-on, turn-off and toggle actions.
func EntityCommand(action entityAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		id, err := firstArg(c, "entity id")
		if err != nil {
			return err
		}
		payload, err := payloadOption(c)
		if err != nil {
			return err
		}
		return withHass(c, func(ctx context.Context, h *hass.Hass, opts []hass.Option) error {
			res, err := action(h, ctx, id, append(opts, payload)...)
			if err != nil {
				return err
			}
			return printResult(c, res)
		})
	}
}

var (
	TurnOnCommand  = EntityCommand((*hass.Hass).TurnOn)
	TurnOffCommand = EntityCommand((*hass.Hass).TurnOff)
	ToggleCommand  = EntityCommand((*hass.Hass).Toggle)
)

func NotifyCommand(c *cli.Context) error {
	message, err := firstArg(c, "message")
	if err != nil {
		return err
	}
	return withHass(c, func(ctx context.Context, h *hass.Hass, opts []hass.Option) error {
		if c.IsSet("name") {
			opts = append(opts, hass.WithNotifyName(c.String("name")))
		}
		if c.Bool("persistent") {
			if c.IsSet("title") {
				opts = append(opts, hass.WithTitle(c.String("title")))
			}
			if c.IsSet("notification-id") {
				opts = append(opts, hass.WithNotificationID(c.String("notification-id")))
			}
			res, err := h.PersistentNotification(ctx, message, opts...)
			if err != nil {
				return err
			}
			return printResult(c, res)
		}
		if c.IsSet("title") {
			opts = append(opts, hass.WithData("title", c.String("title")))
		}
		res, err := h.Notify(ctx, message, opts...)
		if err != nil {
			return err
		}
		return printResult(c, res)
	})
}

// HistoryCommand prints the recorded changes of one entity.
func HistoryCommand(c *cli.Context) error {
	id, err := firstArg(c, "entity id")
	if err != nil {
		return err
	}
	if err := entity.Validate(id); err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%w: database url", errMissingArgument)
	}
	db, err := database.New(c.Context, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var from, to *time.Time
	if c.IsSet("since") {
		start, end := time.Now().Add(-c.Duration("since")), time.Now()
		from, to = &start, &end
	}
	namespace := cfg.DefaultNamespace
	if c.IsSet("namespace") {
		namespace = c.String("namespace")
	}
	entries, err := db.History(c.Context, namespace, id, from, to)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, entries)
}
