// Command watchfs watches directories and prints filesystem events
// until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/listenupapp/watchfs"
	"github.com/listenupapp/watchfs/internal/logger"
)

var cli struct {
	Paths []string `arg:"" name:"path" help:"Directories to watch." type:"existingdir"`

	Recursive       bool          `short:"r" help:"Watch subdirectories recursively."`
	Generic         bool          `short:"g" help:"Force the portable polling backend."`
	PollInterval    time.Duration `default:"1s" help:"Rescan period of the polling backend."`
	FollowSymlinks  bool          `help:"Descend into symlinked directories."`
	OutOfScopeLinks bool          `help:"Follow symlinks pointing outside the watched tree."`
	LogLevel        string        `default:"info" enum:"debug,info,warn,error" help:"Log verbosity."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("watchfs"),
		kong.Description("Watch directories and print filesystem events."),
		kong.UsageOnError(),
	)

	log := logger.New(os.Stderr, logger.ParseLevel(cli.LogLevel))

	fw, err := watchfs.New(watchfs.Options{
		Generic:      cli.Generic,
		Logger:       log,
		PollInterval: cli.PollInterval,
	})
	kctx.FatalIfErrorf(err)
	defer fw.Close()

	fw.SetFollowSymlinks(cli.FollowSymlinks)
	fw.SetAllowOutOfScopeLinks(cli.OutOfScopeLinks)

	printer := watchfs.ListenerFunc(func(ev watchfs.Event) {
		if ev.Action == watchfs.ActionMoved {
			fmt.Printf("%s %s -> %s (%s)\n", ev.Dir, ev.OldFilename, ev.Filename, ev.Action)
			return
		}
		fmt.Printf("%s %s (%s)\n", ev.Dir, ev.Filename, ev.Action)
	})

	for _, path := range cli.Paths {
		id, err := fw.AddWatch(path, printer, cli.Recursive)
		if err != nil {
			log.Error("cannot watch directory", "path", path, "error", err)
			continue
		}
		log.Info("watching", "path", path, "id", id, "recursive", cli.Recursive)
	}

	if len(fw.Directories()) == 0 {
		log.Error("nothing to watch")
		os.Exit(1)
	}
	fw.Watch()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
}
