package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/screenqueue/internal/app"
	"github.com/zjrosen/screenqueue/internal/config"
	"github.com/zjrosen/screenqueue/internal/engine"
	"github.com/zjrosen/screenqueue/internal/infrastructure/sqlite"
	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/protocol"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/screens"
	"github.com/zjrosen/screenqueue/internal/screens/catalog"
	"github.com/zjrosen/screenqueue/internal/session"
	"github.com/zjrosen/screenqueue/internal/touchlink"
	"github.com/zjrosen/screenqueue/internal/tracing"
)

func init() {
	// Force lipgloss/termenv to query terminal background color BEFORE
	// any Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in input fields.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "screenqueue",
	Short: "A terminal host for server-driven screen queues",
	Long: `screenqueue shows the screens a server queues for the signed-in user,
one at a time, advancing when each screen is done.

Open a touch link with --url https://host/l/<code>.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runApp,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/screenqueue/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"write debug.log and enable the log overlay (ctrl+x)")
	rootCmd.PersistentFlags().String("base-url", "", "queue server base URL")
	rootCmd.Flags().String("url", "", "launch URL carrying a touch link, merge token or checkout uid")

	// Bind flags to viper
	_ = viper.BindPFlag("api.base_url", rootCmd.PersistentFlags().Lookup("base-url"))
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	viper.SetEnvPrefix("SCREENQUEUE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .screenqueue/config.yaml (current directory)
		// 2. ~/.config/screenqueue/config.yaml (user config)
		if _, err := os.Stat(".screenqueue/config.yaml"); err == nil {
			viper.SetConfigFile(".screenqueue/config.yaml")
		} else {
			viper.AddConfigPath(config.Dir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
	}

	loaded, err := config.Load(viper.GetViper())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		loaded = config.Defaults()
	}
	cfg = loaded
}

// setupLogging enables the file logger when --debug or SCREENQUEUE_DEBUG
// is set. The returned cleanup is never nil.
func setupLogging(prefix string) (func(), error) {
	if !debugFlag && !log.DebugEnabled() {
		return func() {}, nil
	}
	logPath := os.Getenv("SCREENQUEUE_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}
	cleanup, err := log.InitWithTeaLog(logPath, prefix)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, "screenqueue starting", "version", version, "config", viper.ConfigFileUsed())
	return cleanup, nil
}

// services are the long-lived collaborators every command shares.
type services struct {
	db       *sqlite.DB
	tracer   *tracing.Provider
	client   *protocol.Client
	login    *pubsub.Value[session.Login]
	visitor  *session.VisitorSource
	closeFns []func()
}

func (s *services) Close() {
	for i := len(s.closeFns) - 1; i >= 0; i-- {
		s.closeFns[i]()
	}
}

func openServices(c config.Config) (*services, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s := &services{login: session.NewLoginValue()}

	provider, err := tracing.NewProvider(c.TracingConfig())
	if err != nil {
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}
	s.tracer = provider
	s.closeFns = append(s.closeFns, func() { _ = provider.Shutdown(context.Background()) })

	db, err := sqlite.NewDB(c.Storage.Path)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	s.db = db
	s.closeFns = append(s.closeFns, func() { _ = db.Close() })

	opts := []protocol.Option{}
	if provider.Enabled() {
		opts = append(opts, protocol.WithTransport(tracing.NewTransport(tracing.TransportConfig{Tracer: provider.Tracer()})))
	}
	client, err := protocol.NewClient(c.ProtocolConfig(), opts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating protocol client: %w", err)
	}
	s.client = client
	s.visitor = session.NewVisitorSource(db.VisitorRepository())
	return s, nil
}

func parseLaunchURL(raw string) (touchlink.Location, error) {
	if raw == "" {
		return touchlink.Location{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return touchlink.Location{}, fmt.Errorf("parsing --url: %w", err)
	}
	return touchlink.ParseLocation(u), nil
}

func runApp(cmd *cobra.Command, _ []string) error {
	cleanup, err := setupLogging("screenqueue")
	if err != nil {
		return err
	}
	defer cleanup()

	rawURL, _ := cmd.Flags().GetString("url")
	loc, err := parseLaunchURL(rawURL)
	if err != nil {
		return err
	}

	svc, err := openServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	registry, err := catalog.NewRegistry()
	if err != nil {
		return fmt.Errorf("building screen registry: %w", err)
	}
	sctx := screens.NewContext(cfg.UI.MarkdownStyle)

	resolver := touchlink.NewResolver(cfg.TouchLinkConfig(), loc, svc.db.TouchLinkRepository(), svc.client,
		svc.login, svc.visitor.Value(), touchlink.WithTracer(svc.tracer.Tracer()))

	eng := engine.New(cfg.EngineConfig(), engine.Deps{
		Client:   svc.client,
		Login:    svc.login,
		Visitor:  svc.visitor,
		Resolver: resolver,
		Registry: registry,
		Screens:  sctx,
		Tracer:   svc.tracer.Tracer(),
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	creds := session.NewFileSource(cfg.Session.CredentialsPath, svc.login, cfg.Session.ExpiryBuffer)
	errC := make(chan error, 2)
	go func() {
		errC <- creds.Run(ctx)
	}()
	go func() {
		errC <- eng.Run(ctx)
	}()

	model := app.New(ctx, eng, app.Options{
		Page:    resolver.LoggedOutPage(),
		Screens: sctx,
		Debug:   debugFlag || log.DebugEnabled(),
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	_, err = p.Run()
	cancel()
	for range 2 {
		if bgErr := <-errC; bgErr != nil && !errors.Is(bgErr, context.Canceled) {
			log.ErrorErr(log.CatUI, "Background task failed", bgErr)
			if err == nil {
				err = bgErr
			}
		}
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running program: %w", err)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
