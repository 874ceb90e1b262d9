package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/robertmeta/feedkit/browse"
	"github.com/robertmeta/feedkit/config"
	"github.com/robertmeta/feedkit/freshness"
	"github.com/robertmeta/feedkit/model"
	"github.com/robertmeta/feedkit/opml"
	"github.com/robertmeta/feedkit/queue"
	"github.com/robertmeta/feedkit/remote"
	"github.com/robertmeta/feedkit/search"
	"github.com/robertmeta/feedkit/store"
	"github.com/robertmeta/feedkit/task"
	"github.com/urfave/cli/v2"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
)

func main() {
	fetchFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "ttl",
			Value: "medium",
			Usage: "Accepted age of cached data (none, short, medium, long, forever)",
		},
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"f"},
			Usage:   "Refresh from the network, at most once per refresh window",
		},
	}

	app := &cli.App{
		Name:    "feedkit",
		Usage:   "Browse, search, and queue podcast feeds from a local cache",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file (default: config.yaml in ~/.config/feedkit or .)",
				EnvVars: []string{"FEEDKIT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Cache database file, overrides cache.path",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "feeds",
				Usage:     "Fetch feeds",
				ArgsUsage: "<url>...",
				Flags:     fetchFlags,
				Action:    fetchFeeds,
			},
			{
				Name:      "entries",
				Usage:     "Fetch the entries of a feed",
				ArgsUsage: "<url>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:    "since",
						Aliases: []string{"s"},
						Usage:   "Entries since duration (e.g., 7d, 2w, 3m, 1y)",
					},
					&cli.StringFlag{
						Name:    "guid",
						Aliases: []string{"g"},
						Usage:   "A single entry by guid",
					},
				}, fetchFlags...),
				Action: fetchEntries,
			},
			{
				Name:      "latest",
				Usage:     "Show the newest entry of a feed",
				ArgsUsage: "<url>",
				Action:    latestEntry,
			},
			{
				Name:      "search",
				Usage:     "Search feeds by term or look up a feed URL",
				ArgsUsage: "<term>...",
				Action:    searchFeeds,
			},
			{
				Name:      "suggest",
				Usage:     "Suggest terms, feeds, and entries for a term",
				ArgsUsage: "<term>...",
				Action:    suggestTerms,
			},
			{
				Name:      "subscribe",
				Usage:     "Subscribe to feeds",
				ArgsUsage: "<url>...",
				Action:    subscribe,
			},
			{
				Name:      "unsubscribe",
				Usage:     "Unsubscribe from feeds",
				ArgsUsage: "<url>...",
				Action:    unsubscribe,
			},
			{
				Name:   "subscriptions",
				Usage:  "List subscriptions",
				Action: listSubscriptions,
			},
			{
				Name:  "queue",
				Usage: "List the queue, most recently enqueued first",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "items",
						Usage: "Show queue items instead of entries",
					},
				},
				Action: listQueue,
			},
			{
				Name:      "enqueue",
				Usage:     "Enqueue entries of a feed",
				ArgsUsage: "<url> <guid>...",
				Action:    enqueue,
			},
			{
				Name:      "dequeue",
				Usage:     "Remove entries from the queue",
				ArgsUsage: "<guid>...",
				Action:    dequeue,
			},
			{
				Name:   "update",
				Usage:  "Poll subscriptions and enqueue their latest entries",
				Flags:  fetchFlags,
				Action: update,
			},
			{
				Name:      "import",
				Usage:     "Import subscriptions from an OPML file",
				ArgsUsage: "<opml-file>",
				Action:    importOPML,
			},
			{
				Name:  "export",
				Usage: "Export subscriptions to OPML",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (default: stdout)",
					},
				},
				Action: exportOPML,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

// env wires the components a command works with.
type env struct {
	store   *store.Store
	sched   *task.Scheduler
	browser *browse.Browser
	finder  *search.Finder
	queue   *queue.Queue
	logger  *slog.Logger
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if db := c.String("db"); db != "" {
		cfg.Cache.Path = db
	}

	logger, err := config.SetupLogger(&cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	s, err := store.New(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	client := remote.NewClient(remote.Config{
		Host:           cfg.Remote.Host,
		Timeout:        cfg.Remote.Timeout,
		MaxConcurrency: cfg.Remote.MaxConcurrency,
	}, nil, nil, logger)
	probe := remote.NewProbe(nil, cfg.Network.Metered, logger)
	sched := task.NewScheduler(task.SchedulerConfig{
		WorkerCount: cfg.Scheduler.Workers,
		QueueSize:   cfg.Scheduler.QueueSize,
	}, logger)
	engine := freshness.NewEngine(freshness.EngineConfig{
		RefreshWindow:  cfg.Refresh.Window,
		RefreshLogSize: cfg.Refresh.LogSize,
	}, nil, logger)

	browser := browse.New(s, client, probe, sched, engine, logger)
	return &env{
		store:   s,
		sched:   sched,
		browser: browser,
		finder:  search.New(s, client, browser, probe, sched, engine, logger),
		queue:   queue.New(s, browser, sched, queue.Config{Capacity: cfg.Cache.QueueCapacity}, logger),
		logger:  logger,
	}, nil
}

func (e *env) close() {
	e.sched.Stop()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("failed to close database", "error", err)
	}
}

func withEnv(c *cli.Context, fn func(e *env) error) error {
	e, err := setup(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer e.close()
	return fn(e)
}

// await waits for t, cancelling it when the command is interrupted.
func await[T any](c *cli.Context, t *task.Task[T]) (T, error) {
	select {
	case <-t.Done():
	case <-c.Context.Done():
		t.Cancel()
		<-t.Done()
	}
	return t.Result()
}

func options(c *cli.Context) (browse.Options, error) {
	ttl, err := model.ParseCacheTTL(c.String("ttl"))
	if err != nil {
		return browse.Options{}, err
	}
	// The zero TTL selects the default, so "none" is spelled as a forced refresh.
	return browse.Options{TTL: ttl, Force: c.Bool("force") || ttl == model.TTLNone}, nil
}

func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// report prints results. Unavailability with results at hand is a warning;
// anything else fails the command.
func report(v interface{}, n int, err error) error {
	if err != nil && (n == 0 || !errors.Is(err, model.ErrServiceUnavailable)) {
		return exitError(err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return outputJSON(v)
}

func exitError(err error) error {
	var invalid *model.InvalidError
	switch {
	case errors.Is(err, model.ErrInvalidSearchTerm), errors.As(err, &invalid):
		return cli.Exit(err.Error(), ExitUsageError)
	case errors.Is(err, model.ErrCancelled):
		return cli.Exit(err.Error(), ExitGeneralError)
	default:
		return cli.Exit(err.Error(), ExitDataError)
	}
}

func fetchFeeds(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedkit feeds <url>...", ExitUsageError)
	}
	opts, err := options(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}
	return withEnv(c, func(e *env) error {
		feeds, err := await(c, e.browser.Feeds(c.Args().Slice(), opts, nil, nil))
		return report(feeds, len(feeds), err)
	})
}

func fetchEntries(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("Usage: feedkit entries <url>", ExitUsageError)
	}
	opts, err := options(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}
	locator, err := store.BuildLocator(c.Args().First(), c.String("since"), c.String("guid"), time.Now())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid query options: %v", err), ExitUsageError)
	}
	return withEnv(c, func(e *env) error {
		entries, err := await(c, e.browser.Entries([]model.EntryLocator{locator}, opts, nil, nil))
		return report(entries, len(entries), err)
	})
}

func latestEntry(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("Usage: feedkit latest <url>", ExitUsageError)
	}
	return withEnv(c, func(e *env) error {
		entries, err := await(c, e.browser.LatestEntry(c.Args().First(), nil, nil))
		if len(entries) == 0 && err == nil {
			return cli.Exit("No entries", ExitDataError)
		}
		if len(entries) > 0 {
			return report(entries[0], 1, err)
		}
		return report(nil, 0, err)
	})
}

func term(c *cli.Context) string {
	return strings.Join(c.Args().Slice(), " ")
}

func searchFeeds(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedkit search <term>...", ExitUsageError)
	}
	return withEnv(c, func(e *env) error {
		finds, err := await(c, e.finder.Search(term(c), nil, nil))
		return report(finds, len(finds), err)
	})
}

func suggestTerms(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedkit suggest <term>...", ExitUsageError)
	}
	return withEnv(c, func(e *env) error {
		finds, err := await(c, e.finder.Suggest(term(c), nil, nil))
		return report(finds, len(finds), err)
	})
}

func subscribe(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedkit subscribe <url>...", ExitUsageError)
	}
	subs := make([]model.Subscription, 0, c.NArg())
	for _, u := range c.Args().Slice() {
		subs = append(subs, model.Subscription{URL: u})
	}
	return withEnv(c, func(e *env) error {
		// Fetch the feeds first so subscriptions get their titles.
		feeds, _ := await(c, e.browser.Feeds(c.Args().Slice(), browse.Options{}, nil, nil))
		titles := make(map[string]string, len(feeds))
		for _, f := range feeds {
			titles[f.URL] = f.Title
		}
		for i := range subs {
			subs[i].Title = titles[model.NormalizeURL(subs[i].URL)]
		}
		if err := e.queue.Subscribe(subs); err != nil {
			return exitError(err)
		}
		return outputJSON(map[string]interface{}{"subscribed": len(subs)})
	})
}

func unsubscribe(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedkit unsubscribe <url>...", ExitUsageError)
	}
	return withEnv(c, func(e *env) error {
		if err := e.queue.Unsubscribe(c.Args().Slice()); err != nil {
			return exitError(err)
		}
		return outputJSON(map[string]interface{}{"unsubscribed": c.NArg()})
	})
}

func listSubscriptions(c *cli.Context) error {
	return withEnv(c, func(e *env) error {
		subs, err := e.queue.Subscriptions()
		if err != nil {
			return exitError(err)
		}
		return outputJSON(subs)
	})
}

func listQueue(c *cli.Context) error {
	return withEnv(c, func(e *env) error {
		if c.Bool("items") {
			items, err := e.queue.Items()
			if err != nil {
				return exitError(err)
			}
			return outputJSON(items)
		}
		entries, err := e.queue.Entries()
		if err != nil {
			return exitError(err)
		}
		return outputJSON(entries)
	})
}

func enqueue(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("Usage: feedkit enqueue <url> <guid>...", ExitUsageError)
	}
	url := c.Args().First()
	var locators []model.EntryLocator
	for _, guid := range c.Args().Tail() {
		locators = append(locators, model.EntryLocator{URL: url, GUID: guid})
	}
	return withEnv(c, func(e *env) error {
		fetch := e.browser.NewEntriesTask(locators, browse.Options{}, nil, browse.Deps{})
		queued, err := await(c, e.queue.Enqueue(nil, queue.User, nil, fetch))
		if err != nil {
			return exitError(err)
		}
		if ferr := fetch.Err(); ferr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", ferr)
		}
		return outputJSON(queued)
	})
}

func dequeue(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedkit dequeue <guid>...", ExitUsageError)
	}
	return withEnv(c, func(e *env) error {
		if err := e.queue.Dequeue(c.Args().Slice()); err != nil {
			return exitError(err)
		}
		return outputJSON(map[string]interface{}{"dequeued": c.NArg()})
	})
}

func update(c *cli.Context) error {
	opts, err := options(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}
	return withEnv(c, func(e *env) error {
		queued, err := await(c, e.queue.Update(opts, nil))
		if err != nil {
			return exitError(err)
		}
		return outputJSON(queued)
	})
}

func importOPML(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("Usage: feedkit import <opml-file>", ExitUsageError)
	}
	file, err := os.Open(c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open OPML file: %v", err), ExitDataError)
	}
	defer file.Close()

	subs, err := opml.Parse(file)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to parse OPML: %v", err), ExitDataError)
	}
	return withEnv(c, func(e *env) error {
		if err := e.queue.Subscribe(subs); err != nil {
			return exitError(err)
		}
		return outputJSON(map[string]interface{}{"imported": len(subs)})
	})
}

func exportOPML(c *cli.Context) error {
	return withEnv(c, func(e *env) error {
		subs, err := e.queue.Subscriptions()
		if err != nil {
			return exitError(err)
		}

		var w io.Writer = os.Stdout
		if path := c.String("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
			}
			defer f.Close()
			w = f
		}
		if err := opml.Generate(w, subs, time.Now()); err != nil {
			return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
		}
		return nil
	})
}
