package cmd

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/patchverify/patchverify/pkg/history"
	"github.com/patchverify/patchverify/pkg/metrics"
	"github.com/patchverify/patchverify/pkg/notify"
	"github.com/patchverify/patchverify/pkg/probe"
	"github.com/patchverify/patchverify/pkg/promise"
	"github.com/patchverify/patchverify/pkg/resolver"
	"github.com/patchverify/patchverify/pkg/risk"
	"github.com/patchverify/patchverify/pkg/sandbox"
	"github.com/patchverify/patchverify/pkg/scan"
	"github.com/patchverify/patchverify/pkg/source"
	"github.com/patchverify/patchverify/pkg/verdict"
	"github.com/patchverify/patchverify/pkg/vulndb"
)

// app holds the wired components of one CLI invocation.
type app struct {
	cfg       *Config
	scanner   *scan.Scanner
	registry  *source.Registry
	store     *history.SQLStore
	metrics   *metrics.Metrics
	sources   []string
	closers   []func() error
	dispatch  *notify.Dispatcher
	sandboxed string
}

// appOptions carries the per-command overrides of the wiring.
type appOptions struct {
	// OldSrc and NewSrc pin OldVer and NewVer to local source directories.
	OldSrc, NewSrc string
	OldVer, NewVer string
}

func openStore(cfg *Config) (*history.SQLStore, error) {
	if cfg.HistoryOff {
		return nil, nil
	}
	store, err := history.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	return store, nil
}

func newApp(cfg *Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.NewMetrics()}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if store != nil {
		a.store = store
		a.closers = append(a.closers, store.Close)
	}

	var feedStore resolver.FeedStore
	if store != nil {
		feedStore = store
	}
	cache, err := resolver.NewCache(cfg.CacheSize, feedStore)
	if err != nil {
		a.Close()
		return nil, err
	}

	clients := a.vulnClients()
	gh := promise.NewGitHubClient(cfg.GitHubURL, cfg.GitHubTok)

	a.registry = source.NewRegistry()
	if cfg.NPMURL != "" {
		a.registry.NPMURL = cfg.NPMURL
	}
	if cfg.PyPIURL != "" {
		a.registry.PyPIURL = cfg.PyPIURL
	}

	var fetcher source.Fetcher = a.registry
	if opts.OldSrc != "" || opts.NewSrc != "" {
		if opts.OldSrc == "" || opts.NewSrc == "" {
			a.Close()
			return nil, errors.New("--old-src and --new-src must be used together")
		}
		fetcher = source.Chain{
			source.DirFetcher{Dirs: map[string]string{opts.OldVer: opts.OldSrc, opts.NewVer: opts.NewSrc}},
			a.registry,
		}
	}

	a.scanner = &scan.Scanner{
		Resolver:   resolver.New(cache, promise.NewSource(gh), clients...),
		Fetcher:    fetcher,
		Identifier: a.registry,
		Engine:     verdict.NewEngine(cfg.Policy),
		Risk:       risk.NewAggregator(),
		Metrics:    a.metrics,
	}
	if store != nil {
		a.scanner.Store = store
	}

	if cfg.Probe.Enabled {
		if err := a.wireProbe(); err != nil {
			a.Close()
			return nil, err
		}
	}

	n, err := a.notifier()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dispatch = notify.NewDispatcher(n)
	a.scanner.Notifier = a.dispatch
	return a, nil
}

func (a *app) vulnClients() []vulndb.Client {
	var clients []vulndb.Client
	for _, name := range a.cfg.sourceNames() {
		switch name {
		case "osv":
			clients = append(clients, vulndb.NewOSVClient(a.cfg.OSVURL))
		case "nvd":
			clients = append(clients, vulndb.NewNVDClient(a.cfg.NVDURL, a.cfg.NVDAPIKey))
		case "file":
			clients = append(clients, vulndb.NewFileClient(a.cfg.FeedDir))
		}
	}
	for _, c := range clients {
		a.sources = append(a.sources, c.Name())
	}
	return clients
}

func (a *app) wireProbe() error {
	reg := probe.NewRegistry()
	if a.cfg.Probe.Procedures != "" {
		if err := reg.LoadFile(a.cfg.Probe.Procedures); err != nil {
			return fmt.Errorf("loading probe procedures: %w", err)
		}
	}

	var exec sandbox.Executor
	switch a.cfg.Probe.Sandbox {
	case sandboxDocker:
		d, err := sandbox.NewDockerExecutor(a.cfg.Probe.Images)
		if err != nil {
			return err
		}
		exec = d
	default:
		exec = sandbox.NewProcessExecutor()
	}
	a.sandboxed = a.cfg.Probe.Sandbox
	a.scanner.Installer = probe.NewCLIInstaller()
	a.scanner.Harness = probe.NewHarness(reg, exec)
	return nil
}

func (a *app) notifier() (notify.Notifier, error) {
	m := notify.Multi{notify.LogNotifier{}}
	if a.cfg.Notify.SlackWebhook != "" {
		m = append(m, &notify.SlackNotifier{WebhookURL: a.cfg.Notify.SlackWebhook})
	}
	if a.cfg.Notify.NATSURL != "" {
		nn, err := notify.NewNATSNotifier(a.cfg.Notify.NATSURL, a.cfg.Notify.NATSSubject)
		if err != nil {
			return nil, err
		}
		m = append(m, nn)
		a.closers = append(a.closers, nn.Close)
	}
	return m, nil
}

// Close waits for pending notifications, then releases connections.
func (a *app) Close() error {
	a.dispatch.Wait()
	var errs *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	a.closers = nil
	if err := errs.ErrorOrNil(); err != nil {
		log.Warnf("shutdown: %v", err)
		return err
	}
	return nil
}
