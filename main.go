package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/adsieve/adsieve-srv/config"
	"github.com/codefionn/adsieve/adsieve-srv/dashboard"
	"github.com/codefionn/adsieve/adsieve-srv/dump"
	"github.com/codefionn/adsieve/adsieve-srv/logger"
	"github.com/codefionn/adsieve/adsieve-srv/pac"
	"github.com/codefionn/adsieve/adsieve-srv/proxy"
	"github.com/codefionn/adsieve/adsieve-srv/stats"
)

var version string

type options struct {
	configPath string
	genPAC     string
}

func main() {
	cfg, opts := parseFlagsAndConfig()

	if opts.genPAC != "" {
		if err := generatePAC(cfg, opts.genPAC); err != nil {
			logger.Fatal("Failed to generate PAC file: %v", err)
		}
		logger.Info("Wrote PAC file to %s", opts.genPAC)
		return
	}

	runProxy(cfg, opts.configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (*config.Config, options) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	genPAC := flag.String("gen-pac", "", "Write a proxy auto-config file for the ad list and exit")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("adsieve version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	configureLogging(*debugMode)

	logger.Info("Starting adsieve proxy server")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	for i, server := range cfg.Servers {
		logger.Debug("Server %d: %s (enabled: %t)", i, server.ListenAddress, server.Enabled)
	}
	logger.Debug("Timeout: %d seconds, dial timeout: %d seconds", cfg.TimeoutSeconds, cfg.DialTimeoutSeconds)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)

	return cfg, options{configPath: *configPathPtr, genPAC: *genPAC}
}

// configureLogging applies ADSIEVE_LOGLEVEL, then -debug on top of it.
func configureLogging(debug bool) {
	if logger.LevelFromEnv() {
		logger.Debug("Log level taken from %s", logger.EnvLevel)
	}
	if debug {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}
}

// loadAdDomains merges ad-list.file with the inline ad-list.domains.
func loadAdDomains(cfg *config.Config) ([]string, error) {
	domains := append([]string(nil), cfg.AdList.Domains...)
	if cfg.AdList.File == "" {
		return domains, nil
	}
	fromFile, err := proxy.LoadAdDomainsFile(cfg.AdList.File)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded %d ad domains from %s", len(fromFile), cfg.AdList.File)
	return append(domains, fromFile...), nil
}

func generatePAC(cfg *config.Config, path string) error {
	domains, err := loadAdDomains(cfg)
	if err != nil {
		return err
	}
	proxyAddr := cfg.PAC.ProxyAddress
	if proxyAddr == "" {
		proxyAddr = cfg.FirstListenAddress()
	}
	return pac.WriteFile(path, proxy.NewAdDomainMatcher(domains).Domains(), proxyAddr, cfg.PAC.BlackholeAddress)
}

// instance is one running configuration: proxy, collector and portal.
type instance struct {
	proxy     *proxy.Proxy
	collector stats.Collector
	portal    *dashboard.Portal

	done chan error
}

func startInstance(cfg *config.Config) *instance {
	domains, err := loadAdDomains(cfg)
	if err != nil {
		logger.Fatal("Failed to load ad list: %v", err)
	}

	collector, err := stats.CreateCollector(&cfg.Statistics)
	if err != nil {
		logger.Error("[%s] Failed to initialize statistics collector: %v", proxy.ErrCodeStatsInitFailed, err)
		collector = stats.NewDummyCollector()
	}

	dumps, err := dump.NewWriter(cfg.Dump.Directory, cfg.Dump.Enabled)
	if err != nil {
		logger.Error("Disabling payload dumps: %v", err)
		dumps, _ = dump.NewWriter(cfg.Dump.Directory, false)
	}

	hub := dashboard.NewHub()
	notifying := stats.NewNotifyingCollector(collector, hub.Publish)

	inst := &instance{
		proxy:     proxy.NewProxy(cfg, proxy.NewAdDomainMatcher(domains), notifying, dumps),
		collector: collector,
		done:      make(chan error, 2),
	}

	if cfg.Portal.Enabled {
		inst.portal = dashboard.NewPortal(cfg, collector, inst.proxy, hub)
		inst.portal.SetVersion(versionString())
		go func() {
			if err := inst.portal.Start(); err != nil {
				logger.Error("Admin portal error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Starting proxy server...")
		inst.done <- inst.proxy.Start()
	}()
	return inst
}

func (inst *instance) stop() {
	if inst.portal != nil {
		if err := inst.portal.Stop(); err != nil {
			logger.Error("Error stopping admin portal: %v", err)
		}
	}
	if err := inst.proxy.Stop(); err != nil {
		logger.Error("Error stopping proxy: %v", err)
	}
	if err := inst.collector.Close(); err != nil {
		logger.Error("Error closing statistics collector: %v", err)
	}
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	current := startInstance(cfg)
	currentCfg := cfg

	for {
		select {
		case err := <-current.done:
			if err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := config.LoadConfig(configPath)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				if !config.HasChanged(currentCfg, newCfg) {
					logger.Info("Config unchanged after reload; refreshing ad list only.")
					if n, err := current.proxy.ReloadAdList(); err != nil {
						logger.Error("Failed to reload ad list: %v (keeping %d entries)", err, n)
					}
					continue
				}
				logger.Info("Config changed. Restarting proxy...")
				current.stop()
				current = startInstance(newCfg)
				currentCfg = newCfg
				logger.Info("Proxy restarted with new configuration.")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				current.stop()
				logger.Info("Proxy server shutdown complete")
				return
			}
		}
	}
}

func versionString() string {
	if version == "" {
		return "dev"
	}
	return version
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "export ")
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(strings.TrimSpace(key), val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
