package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"mediagen/internal/client"
	"mediagen/internal/config"
	"mediagen/internal/idempotency"
	"mediagen/internal/jobs"
	"mediagen/internal/logging"
	"mediagen/internal/poller"
	"mediagen/internal/submit"
	"mediagen/internal/workflow"
)

type commandContext struct {
	apiFlag     *string
	sessionFlag *string

	configOnce sync.Once
	config     config.Config
	logger     *slog.Logger
	configErr  error
}

func newCommandContext(apiFlag, sessionFlag *string) *commandContext {
	return &commandContext{apiFlag: apiFlag, sessionFlag: sessionFlag}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		cfg := config.Load()
		if v := strings.TrimSpace(*c.apiFlag); v != "" {
			cfg.APIBaseURL = strings.TrimRight(v, "/")
		}
		if v := strings.TrimSpace(*c.sessionFlag); v != "" {
			cfg.SessionCookie = v
		}
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			c.configErr = fmt.Errorf("logging: %w", err)
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.configErr
}

// runtime is everything one command invocation needs to drive a workflow.
type runtime struct {
	cfg       config.Config
	api       *client.Client
	tracker   *poller.Tracker
	submitter *submit.Submitter
	tokens    *idempotency.Factory
	machine   *workflow.Machine
}

func (c *commandContext) newRuntime() (*runtime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	policy, err := workflow.ParseUnknownActionPolicy(cfg.UnknownActionPolicy)
	if err != nil {
		return nil, err
	}
	api := client.New(cfg, c.logger)
	tracker := poller.NewTracker(jobs.NewRegistry(c.logger), api, cfg.PollIntervals, c.logger)
	tokens := idempotency.NewFactory()
	return &runtime{
		cfg:       cfg,
		api:       api,
		tracker:   tracker,
		submitter: submit.New(api, tokens, tracker, c.logger),
		tokens:    tokens,
		machine:   workflow.NewMachine(c.logger, workflow.WithPolicy(policy)),
	}, nil
}

func (r *runtime) Close() {
	r.tracker.Stop()
}
