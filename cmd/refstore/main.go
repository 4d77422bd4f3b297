package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"gitlab.com/gitlab-org/labkit/tracing"
	"gitlab.com/gitlab-org/refstore/internal/config"
	glog "gitlab.com/gitlab-org/refstore/internal/log"
)

const progname = "refstore"

var (
	flagConfig = flag.String("config", "", "Location for the config.toml")
	flagGitDir = flag.String("git-dir", "", "Git directory of the repository, overrides git_dir of the configuration")
	logger     = glog.Default()

	errNoGitDir = errors.New("either the config flag or the git-dir flag must be passed")
)

func main() {
	subcommands := newSubcommands(os.Stdin, os.Stdout, logger, openStore)

	flag.Usage = func() {
		cmds := make([]string, 0, len(subcommands))
		for k := range subcommands {
			cmds = append(cmds, k)
		}
		sort.Strings(cmds)

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	glog.Configure(glog.Loggers, cfg.Logging.Format, cfg.Logging.Level)
	if err := glog.RedirectToDir(glog.Loggers, cfg.Logging.Dir); err != nil {
		printfErr("%s: configuring log directory: %v\n", progname, err)
		os.Exit(1)
	}

	closer := tracing.Initialize(tracing.WithServiceName(progname))
	configureSentry(cfg.Logging.Sentry)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		<-interrupt
		os.Exit(130) // indicates program was interrupted
	}()

	code := subCommand(subcommands, cfg, args[0], args[1:])

	_ = closer.Close()
	os.Exit(code)
}

func initConfig() (config.Cfg, error) {
	var contents io.Reader = bytes.NewReader(nil)

	if *flagConfig != "" {
		cfgFile, err := os.Open(*flagConfig)
		if err != nil {
			return config.Cfg{}, fmt.Errorf("opening config file: %w", err)
		}
		defer cfgFile.Close()

		contents = cfgFile
	} else if *flagGitDir == "" {
		return config.Cfg{}, errNoGitDir
	}

	cfg, err := config.Load(contents)
	if err != nil {
		return config.Cfg{}, err
	}

	if *flagGitDir != "" {
		cfg.GitDir = *flagGitDir
	}

	if err := cfg.Validate(); err != nil {
		return config.Cfg{}, err
	}

	return cfg, nil
}
