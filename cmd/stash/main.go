// Inspects and edits a persisted stash cache from the command line.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/nobletooth/stash/pkg/cache"
	"github.com/nobletooth/stash/pkg/config"
	"github.com/nobletooth/stash/pkg/location"
	"github.com/nobletooth/stash/pkg/memwatch"
	"github.com/nobletooth/stash/pkg/utils"
)

var (
	printVersion = flag.Bool("print_version", false, "Print the version and exit.")
	cacheName    = flag.String("cache_name", "stash", "Identifier of the cache to operate on; names its cache file.")
	cacheDir     = flag.String("cache_dir", "",
		"Directory holding the cache file. Defaults to the OS cache directory.")
	memoryPollInterval = flag.Duration("memory_poll_interval", time.Second, "How often free memory is checked.")
	memoryMinFreeRatio = flag.Float64("memory_min_free_ratio", 0.05,
		"Free memory ratio below which the cache sheds half of its entries.")
)

var (
	errUsage       = errors.New("usage: stash [flags] get KEY... | set KEY VALUE... | rm KEY... | clear | list")
	errKeyNotFound = errors.New("key not found")
)

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Stash build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)

	go func() { // Listen for OS interrupts in the background.
		select {
		case sig := <-signals:
			slog.Info("Received termination signal, cancelling command context.", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	err := run(ctx, flag.Args(), os.Stdout)
	cancel()
	if err != nil {
		slog.Error("Stash command failed.", "error", err)
		os.Exit(1)
	}
}

// resolveLocation returns --cache_dir if set, else the stash directory in the OS cache directory.
func resolveLocation() (*location.Location, error) {
	if *cacheDir != "" {
		return location.At(*cacheDir)
	}
	return location.Caches("stash", nil)
}

// run opens the cache, executes the command in `args` and closes the cache again.
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	loc, err := resolveLocation()
	if err != nil {
		return fmt.Errorf("failed to resolve cache location: %w", err)
	}
	opts := []cache.Option{cache.WithLocation(loc), cache.WithDelegate(cache.SlogDelegate{})}
	if pressure := memwatch.NewSystem(ctx, *memoryPollInterval, *memoryMinFreeRatio); pressure != nil {
		opts = append(opts, cache.WithMemoryPressure(pressure))
	}

	stash := cache.New[string, string](*cacheName, opts...)
	events, _ := stash.Subscribe()
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		for event := range events { // Closed by stash.Close.
			slog.Warn("Cache event.", "cache", stash.ID(), "event", event.String())
		}
	}()
	defer func() {
		stash.Close()
		<-logged
	}()

	return execute(stash, args[0], args[1:], out)
}

func execute(stash *cache.Cache[string, string], command string, args []string, out io.Writer) error {
	switch command {
	case "get":
		if len(args) == 0 {
			return errUsage
		}
		values := stash.Get(args...)
		var missing []string
		for _, key := range args {
			value, found := values[key]
			if !found {
				missing = append(missing, key)
				continue
			}
			_, _ = fmt.Fprintf(out, "%s=%s\n", key, value)
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", errKeyNotFound, strings.Join(missing, ", "))
		}
	case "set":
		if len(args) == 0 || len(args)%2 != 0 {
			return errUsage
		}
		values := make(map[string]string, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			values[args[i]] = args[i+1]
		}
		stash.SetAll(values)
	case "rm":
		if len(args) == 0 {
			return errUsage
		}
		stash.Remove(args...)
	case "clear":
		stash.RemoveAll()
	case "list":
		keys := stash.Keys()
		slices.Sort(keys)
		values := stash.Get(keys...)
		for _, key := range keys {
			if value, found := values[key]; found {
				_, _ = fmt.Fprintf(out, "%s=%s\n", key, value)
			}
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	return nil
}
