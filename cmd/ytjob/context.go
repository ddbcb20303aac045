package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"sync"

	"ytjobs/internal/api"
	"ytjobs/internal/config"
	"ytjobs/internal/notify"
	"ytjobs/internal/poller"
	"ytjobs/internal/realtime"
	"ytjobs/internal/tracker"
)

type commandContext struct {
	configFlag  *string
	verboseFlag *bool
	logOutput   io.Writer

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, verboseFlag *bool) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		verboseFlag: verboseFlag,
		logOutput:   os.Stderr,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) setLogOutput(w io.Writer) {
	if w != nil {
		c.logOutput = w
	}
}

func (c *commandContext) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verboseFlag != nil && *c.verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(c.logOutput, &slog.HandlerOptions{Level: level}))
}

func (c *commandContext) apiClient() (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.API.BaseURL, &http.Client{Timeout: cfg.API.RequestTimeout}), nil
}

// newTracker wires the realtime client and the status poller behind one
// tracker. The returned func tears all three down.
func (c *commandContext) newTracker() (*tracker.Tracker, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	client, err := c.apiClient()
	if err != nil {
		return nil, nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	logger := c.logger()
	factory, err := realtime.FactoryFor(cfg.Notify.Protocol, logger)
	if err != nil {
		return nil, nil, err
	}
	nc := notify.New(notify.Options{
		BaseURL:           cfg.Notify.BaseURL,
		Path:              cfg.Notify.SocketPath,
		ConnectTimeout:    cfg.Notify.ConnectTimeout,
		MaxAttempts:       cfg.Notify.MaxAttempts,
		ReconnectDelay:    cfg.Notify.ReconnectDelay,
		ReconnectDelayMax: cfg.Notify.ReconnectDelayMax,
		Jar:               jar,
		Factory:           factory,
		Logger:            logger,
	})
	polls := poller.New(client, cfg.Poll.Interval, logger)
	tr := tracker.New(nc, polls, logger)

	return tr, func() {
		tr.Close()
		polls.Close()
		nc.Disconnect()
	}, nil
}
