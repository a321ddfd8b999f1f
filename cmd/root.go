package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"taleforge/gateway"
	"taleforge/internal"
	"taleforge/utils"
)

var (
	configPath      string
	credentialsPath string
	envFile         string
	proxyURL        string
	rateLimit       string
	gatewayHost     string
	quiet           bool
	debug           bool
	logLevel        string
	logFile         string
	config          *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "taleforge",
	Short:   "Publish story chapters to content-addressed storage",
	Version: "v1.0.0",
	Long: `TaleForge uploads chapters and their illustrations to an IPFS pinning
service through a pool of rate-limited API credentials, and prepares draft
chapters for review by rewriting local image references to permanent
content addresses.

Examples:
  taleforge upload chapter.txt
  taleforge upload --binary cover.png
  taleforge download -o cover.png QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG
  taleforge url ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG
  taleforge publish --db stories.db 6f1c0c4e-2d7e-4f4b-9d59-0d1f0b7c2a11
  taleforge credentials

Environment Variables:
  TALEFORGE_API_KEY        API key when no credentials file is present
  TALEFORGE_API_SECRET     API secret when no credentials file is present
  TALEFORGE_CREDENTIALS    Path to the TOML credentials file
  TALEFORGE_GATEWAY_HOST   Public gateway host
  TALEFORGE_PROXY          Proxy URL
  TALEFORGE_RATE_LIMIT     Upload bandwidth limit (e.g., 5M)
  TALEFORGE_DB             Chapter database path`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		internal.LogDebug("Configuration loaded: concurrent=%d, interval=%v, retries=%d, gateway=%s",
			config.MaxConcurrent, config.MinInterval, config.MaxRetries, config.GatewayHost)
		return nil
	},
}

// loadConfiguration layers defaults, the config file, the environment (plus an
// optional .env file) and finally CLI flags
func loadConfiguration() error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	config = internal.DefaultConfig()
	if configPath != "" {
		if err := config.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	config.LoadFromEnv()

	if credentialsPath != "" {
		config.CredentialsFile = credentialsPath
	}
	if proxyURL != "" {
		config.ProxyURL = proxyURL
	}
	if rateLimit != "" {
		config.UploadRateLimit = rateLimit
	}
	if gatewayHost != "" {
		config.GatewayHost = gatewayHost
	}

	if debug {
		config.EnableDebug = true
		config.LogLevel = "debug"
	}
	if quiet {
		config.QuietMode = true
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFile != "" {
		config.LogFile = logFile
	}

	return config.ValidateConfig()
}

// newGatewayClient wires the credential pool, queue and transport. The returned
// close function stops the queue.
func newGatewayClient() (*gateway.Client, func(), error) {
	creds, err := gateway.LoadCredentials(config)
	if err != nil {
		return nil, nil, err
	}

	pool, err := gateway.NewCredentialPool(creds, gateway.PoolOptions{
		MinSpacing:   config.CredentialSpacing,
		FastPathWait: config.FastPathWait,
	})
	if err != nil {
		return nil, nil, err
	}

	httpClient, err := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:           config.UploadTimeout + config.DownloadTimeout,
		ProxyURL:          config.ProxyURL,
		DefaultRetryAfter: config.DefaultRetryAfter,
	})
	if err != nil {
		return nil, nil, err
	}

	opts, err := gateway.ClientOptionsFromConfig(config)
	if err != nil {
		return nil, nil, err
	}

	queue := gateway.NewThrottledQueue(gateway.QueueOptionsFromConfig(config))
	internal.LogDebug("Gateway client ready with %d credentials", pool.Len())
	return gateway.NewClient(pool, queue, httpClient, opts), queue.Close, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			internal.LogInfo("Received signal %v, cancelling", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// reportError logs typed errors with their details before cobra prints the summary
func reportError(err error) error {
	internal.LogFailure(err)
	return err
}

func init() {
	config = internal.DefaultConfig()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (TOML, YAML or JSON)")
	flags.StringVar(&envFile, "env-file", ".env", "Environment file to load if present")
	flags.StringVarP(&credentialsPath, "credentials", "c", "", "TOML credentials file (env: TALEFORGE_CREDENTIALS)")
	flags.StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS proxy URL (env: TALEFORGE_PROXY)")
	flags.StringVarP(&rateLimit, "limit-rate", "r", "", "Upload bandwidth limit (e.g., 5M for 5MB/s) (env: TALEFORGE_RATE_LIMIT)")
	flags.StringVar(&gatewayHost, "gateway", "", "Public gateway host (env: TALEFORGE_GATEWAY_HOST)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars and informational output")
	flags.BoolVarP(&debug, "debug", "d", false, "Enable debug logging with file and line information (env: TALEFORGE_DEBUG)")
	flags.StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error) (env: TALEFORGE_LOG_LEVEL)")
	flags.StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr (env: TALEFORGE_LOG_FILE)")

	rootCmd.AddCommand(uploadCmd, downloadCmd, urlCmd, publishCmd, credentialsCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
