package cmd

import (
	u "net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tanq16/partdl/internal/config"
	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/utils"
)

var (
	cfgFile   string
	v         = viper.New()
	appConfig *config.Config
)

var PartdlVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "partdl",
	Short:         "partdl is a resumable multi-connection HTTP downloader",
	Version:       PartdlVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		if cfg.UserAgent == "randomize" {
			cfg.UserAgent = utils.GetRandomUserAgent()
		}
		splitProxyAuth(cfg)
		appConfig = cfg
		return utils.InitLogger(cfg.Debug, cfg.LogFile)
	},
}

// splitProxyAuth moves credentials embedded in the proxy URL into the
// username and password settings unless those were given explicitly.
func splitProxyAuth(cfg *config.Config) {
	parsedProxy, err := u.Parse(cfg.Proxy)
	if err != nil || parsedProxy.User == nil || cfg.ProxyUsername != "" {
		return
	}
	cfg.ProxyUsername = parsedProxy.User.Username()
	if password, set := parsedProxy.User.Password(); set {
		cfg.ProxyPassword = password
	}
	parsedProxy.User = nil
	cfg.Proxy = parsedProxy.String()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ~/.partdl/config.yaml)")
	flags.IntP("connections", "c", 8, "Number of connections per download (1-16)")
	flags.Int("throttle", 100, "Progress update interval in milliseconds (100-2000)")
	flags.IntP("workers", "w", 1, "Number of downloads to run in parallel")
	flags.DurationP("timeout", "t", 3*time.Minute, "Time to wait for response headers (eg. 5s, 10m)")
	flags.DurationP("keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringP("user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	flags.StringP("proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.String("proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.String("proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayP("header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.String("store", "", "Session store path (default ~/.partdl/sessions.db)")
	flags.String("log-file", "", "Write logs to this file instead of stderr")
	flags.Bool("debug", false, "Enable debug logging")

	bindings := map[string]string{
		"threads":            "connections",
		"throttle_ms":        "throttle",
		"workers":            "workers",
		"timeout":            "timeout",
		"keep_alive_timeout": "keep-alive-timeout",
		"user_agent":         "user-agent",
		"proxy":              "proxy",
		"proxy_username":     "proxy-username",
		"proxy_password":     "proxy-password",
		"headers":            "header",
		"store_path":         "store",
		"log_file":           "log-file",
		"debug":              "debug",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newRemoveCmd())
	rootCmd.AddCommand(newCleanCmd())
}
