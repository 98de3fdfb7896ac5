package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"poweron/internal/bot"
	"poweron/internal/config"
	"poweron/internal/history"
	"poweron/internal/logging"
	"poweron/internal/poweron"
	"poweron/internal/render"
	"poweron/internal/telegram"
	"poweron/internal/wizard"
)

const version = "1.0.0"

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "poweron",
	Short: "poweron - outage schedule lookup bot",
	Long: `poweron resolves street addresses against the poweron.toe.com.ua
autocomplete API in three steps (settlement, street, building) and captures
the matching outage-schedule fragment as a screenshot with a headless
browser. The serve command runs the conversational bot; resolve and render
exercise the same pipeline from the command line.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return logging.Initialize(logging.Options{
			Dir:        cfg.Logging.Dir,
			Debug:      cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSON,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot: long-poll loop, wizard, renderer",
	RunE:  runServe,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [query]",
	Short: "Resolve address candidates for one wizard step",
	Long: `Queries the upstream autocomplete API directly. Without flags the
query matches settlements; pass --city-id to match streets, and both
--city-id and --street-id to match buildings.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Capture the schedule screenshot for a resolved address",
	RunE:  runRender,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("poweron %s\n", version)
	},
}

var (
	cityID     int64
	streetID   int64
	buildingID int64
	cityName   string
	streetName string
	building   string
	outPath    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "poweron.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	resolveCmd.Flags().Int64Var(&cityID, "city-id", 0, "settlement ID to scope street search")
	resolveCmd.Flags().Int64Var(&streetID, "street-id", 0, "street ID to scope building search")

	renderCmd.Flags().Int64Var(&cityID, "city-id", 0, "settlement ID")
	renderCmd.Flags().Int64Var(&streetID, "street-id", 0, "street ID")
	renderCmd.Flags().Int64Var(&buildingID, "building-id", 0, "building ID")
	renderCmd.Flags().StringVar(&cityName, "city", "", "settlement name as the schedule site expects it")
	renderCmd.Flags().StringVar(&streetName, "street", "", "street name")
	renderCmd.Flags().StringVar(&building, "building", "", "building number")
	renderCmd.Flags().StringVarP(&outPath, "out", "o", "schedule.png", "output PNG path")
	_ = renderCmd.MarkFlagRequired("city")
	_ = renderCmd.MarkFlagRequired("street")
	_ = renderCmd.MarkFlagRequired("building")

	rootCmd.AddCommand(serveCmd, resolveCmd, renderCmd, versionCmd)
}

func newResolverClient() *poweron.Client {
	ccfg := poweron.DefaultConfig()
	if cfg.Upstream.BaseURL != "" {
		ccfg.BaseURL = cfg.Upstream.BaseURL
	}
	if cfg.Upstream.SiteURL != "" {
		ccfg.SiteURL = cfg.Upstream.SiteURL
	}
	ccfg.Timeout = cfg.UpstreamTimeout()
	if cfg.Upstream.Retries > 0 {
		ccfg.Retries = cfg.Upstream.Retries
	}
	if cfg.Upstream.Limit > 0 {
		ccfg.Limit = cfg.Upstream.Limit
	}
	return poweron.NewClient(ccfg)
}

func newRenderer(client *poweron.Client) (*render.Renderer, error) {
	rcfg := render.DefaultConfig()
	rcfg.SiteURL = client.SiteURL()
	rcfg.BrowserPath = cfg.Render.BrowserPath
	if cfg.Render.ViewportWidth > 0 {
		rcfg.ViewportWidth = cfg.Render.ViewportWidth
	}
	if cfg.Render.ViewportHeight > 0 {
		rcfg.ViewportHeight = cfg.Render.ViewportHeight
	}
	rcfg.NavTimeout = cfg.NavTimeout()
	rcfg.WaitBudget = cfg.WaitBudget()
	if cfg.Render.CacheDir != "" {
		rcfg.CacheDir = cfg.Render.CacheDir
	}
	rcfg.CacheTTL = cfg.CacheTTL()
	return render.New(rcfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	token, err := cfg.ResolveToken()
	if err != nil {
		return err
	}

	client := newResolverClient()
	renderer, err := newRenderer(client)
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := wizard.New(client, renderer, store)
	transport, err := telegram.NewClient(token)
	if err != nil {
		return err
	}
	router := bot.NewRouter(bot.Config{
		AllowedIDs: cfg.AllowedIDSet(),
		ExtraStatus: func() []string {
			m := renderer.Metrics()
			return []string{
				"Рендерів: " + strconv.FormatInt(m.Attempts, 10),
				"Помилок рендеру: " + strconv.FormatInt(m.Failures, 10),
				"Кеш: " + strconv.FormatInt(m.CacheHits, 10) + " влучень",
			}
		},
	}, engine, transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				engine.SweepIdle(cfg.IdleExpiry())
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("bot started",
		zap.Int("allowed_users", len(cfg.AllowedIDSet())),
		zap.String("db", cfg.Storage.DatabasePath))
	logging.Boot("serve started, db=%s", cfg.Storage.DatabasePath)

	err = transport.Poll(ctx, func(ev bot.Event) {
		router.Handle(ctx, ev)
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("bot stopped")
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	query := ""
	if len(args) > 0 {
		query = args[0]
	}

	step := poweron.StepSettlement
	parent := poweron.Address{}
	if cityID != 0 {
		parent.Settlement = poweron.Candidate{ID: cityID}
		step = poweron.StepStreet
	}
	if streetID != 0 {
		if cityID == 0 {
			return fmt.Errorf("--street-id requires --city-id")
		}
		parent.Street = poweron.Candidate{ID: streetID}
		step = poweron.StepBuilding
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := newResolverClient()
	candidates, err := client.Resolve(ctx, step, parent, query)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, c := range candidates {
		line := fmt.Sprintf("%d\t%s", c.ID, c.Label)
		if step == poweron.StepBuilding {
			line += "\tГПВ=" + c.Queues.GPV + " ГАВ=" + c.Queues.GAV + " АЧР=" + c.Queues.ACHR
		}
		fmt.Println(line)
	}
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	client := newResolverClient()
	renderer, err := newRenderer(client)
	if err != nil {
		return err
	}

	addr := poweron.Address{
		Settlement: poweron.Candidate{ID: cityID, Label: cityName, RawName: cityName},
		Street:     poweron.Candidate{ID: streetID, Label: streetName, RawName: streetName},
		Building:   poweron.Candidate{ID: buildingID, Label: building, RawName: building},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	logger.Info("rendering schedule", zap.String("address", addr.Caption()))
	data, err := renderer.Render(ctx, addr)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	logger.Info("screenshot written",
		zap.String("path", outPath),
		zap.Int("bytes", len(data)))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
