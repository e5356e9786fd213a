package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/formweaver/formweaver/internal/api"
	"github.com/formweaver/formweaver/internal/auth"
	"github.com/formweaver/formweaver/internal/flow"
	"github.com/formweaver/formweaver/internal/genai"
	"github.com/formweaver/formweaver/internal/observability"
	"github.com/formweaver/formweaver/internal/session"
	"github.com/formweaver/formweaver/internal/store"
	"github.com/formweaver/formweaver/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FormWeaver state data
	DefaultStateDir = "/var/lib/formweaver"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "formweaver.db"
	// MetricsNamespace is the Prometheus namespace for all counters
	MetricsNamespace = "formweaver"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Build module options
	sessionOpts := buildSessionOptions(flags)
	storeOpts, storeDriver := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping FormWeaver with configured modules")
	slog.Debug("Module options counts", "session", len(sessionOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "store_driver", storeDriver, "dsn_set", *flags.dbDSN != "", "redis_addr_set", *flags.redisAddr != "", "api_addr", *flags.apiAddr)

	if err := run(flags, sessionOpts, storeOpts, storeDriver, genaiOpts, apiOpts); err != nil {
		slog.Error("FormWeaver failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FormWeaver exited successfully")
}

func run(flags Flags, sessionOpts []session.Option, storeOpts []store.Option, storeDriver string, genaiOpts []genai.Option, apiOpts []api.Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions, err := buildSessionStore(flags, sessionOpts)
	if err != nil {
		return err
	}
	defer sessions.Close()

	st, err := buildStore(storeDriver, storeOpts)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(auth.WithSecret(*flags.jwtSecret))
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(MetricsNamespace)
	generator := flow.NewGenerator(sessions, client, st, metrics, buildFlowOptions(flags)...)

	server := api.NewServer(generator, st, authenticator, metrics, apiOpts...)
	return server.Run(ctx)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL        string
	StateDir           string
	RedisAddr          string
	RedisUsername      string
	RedisPassword      string
	OpenAIKey          string
	OpenAIModel        string
	APIAddr            string
	JWTSecret          string
	SessionTTLSeconds  int
	ValidationAttempts int
	RateLimitAttempts  int
}

// Flags holds command line flag values
type Flags struct {
	stateDir           *string
	dbDSN              *string
	redisAddr          *string
	redisUsername      *string
	redisPassword      *string
	openaiKey          *string
	openaiModel        *string
	apiAddr            *string
	jwtSecret          *string
	sessionTTL         *int
	validationAttempts *int
	rateLimitAttempts  *int
}

// initializeLogger sets up structured logging. Debug level is the default;
// set FORMWEAVER_DEBUG=false to reduce verbosity.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FORMWEAVER_DEBUG", true) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StateDir:           os.Getenv("FORMWEAVER_STATE_DIR"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisUsername:      os.Getenv("REDIS_USERNAME"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        os.Getenv("OPENAI_MODEL"),
		APIAddr:            os.Getenv("API_ADDR"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		SessionTTLSeconds:  util.ParseIntEnv("SESSION_TTL_SECONDS", 0),
		ValidationAttempts: util.ParseIntEnv("VALIDATION_ATTEMPTS", 0),
		RateLimitAttempts:  util.ParseIntEnv("RATE_LIMIT_ATTEMPTS", 0),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FORMWEAVER_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FORMWEAVER_STATE_DIR", config.StateDir,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"JWT_SECRET_SET", config.JWTSecret != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:           flag.String("state-dir", config.StateDir, "state directory for FormWeaver data (overrides $FORMWEAVER_STATE_DIR)"),
		dbDSN:              flag.String("db-dsn", config.DatabaseURL, "database DSN for the form store (overrides $DATABASE_URL)"),
		redisAddr:          flag.String("redis-addr", config.RedisAddr, "Redis address for session transcripts (overrides $REDIS_ADDR)"),
		redisUsername:      flag.String("redis-username", config.RedisUsername, "Redis username (overrides $REDIS_USERNAME)"),
		redisPassword:      flag.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		openaiKey:          flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:        flag.String("openai-model", config.OpenAIModel, "OpenAI model for schema generation (overrides $OPENAI_MODEL)"),
		apiAddr:            flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		jwtSecret:          flag.String("jwt-secret", config.JWTSecret, "HS256 secret for bearer tokens (overrides $JWT_SECRET)"),
		sessionTTL:         flag.Int("session-ttl", config.SessionTTLSeconds, "session TTL in seconds (overrides $SESSION_TTL_SECONDS)"),
		validationAttempts: flag.Int("validation-attempts", config.ValidationAttempts, "schema validation retry budget (overrides $VALIDATION_ATTEMPTS)"),
		rateLimitAttempts:  flag.Int("rate-limit-attempts", config.RateLimitAttempts, "rate limit retry budget (overrides $RATE_LIMIT_ATTEMPTS)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisAddr_set", *flags.redisAddr != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"jwtSecretSet", *flags.jwtSecret != "")

	return flags
}

// buildSessionOptions assembles session store options from flags
func buildSessionOptions(flags Flags) []session.Option {
	var opts []session.Option
	if *flags.redisAddr != "" {
		opts = append(opts, session.WithAddr(*flags.redisAddr))
	}
	if *flags.redisUsername != "" || *flags.redisPassword != "" {
		opts = append(opts, session.WithCredentials(*flags.redisUsername, *flags.redisPassword))
	}
	if *flags.sessionTTL > 0 {
		opts = append(opts, session.WithTTL(time.Duration(*flags.sessionTTL)*time.Second))
	}
	return opts
}

// buildSessionStore connects to Redis when configured, falling back to the
// in-memory store otherwise. The in-memory store loses sessions on restart,
// so it only suits single-node development setups.
func buildSessionStore(flags Flags, opts []session.Option) (session.Store, error) {
	if *flags.redisAddr == "" {
		slog.Warn("No Redis address configured, using in-memory session store")
		return session.NewInMemoryStore(opts...), nil
	}
	return session.NewRedisStore(opts...)
}

// buildStoreOptions assembles store options and reports the detected driver
func buildStoreOptions(flags Flags) ([]store.Option, string) {
	driver := store.DetectDSNType(*flags.dbDSN)
	if driver == "postgres" {
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}, driver
	}
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}, driver
}

func buildStore(driver string, opts []store.Option) (store.Store, error) {
	if driver == "postgres" {
		return store.NewPostgresStore(opts...)
	}
	return store.NewSQLiteStore(opts...)
}

// buildGenAIOptions assembles GenAI client options from flags
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		opts = append(opts, genai.WithModel(*flags.openaiModel))
	}
	return opts
}

// buildFlowOptions assembles generation pipeline options from flags
func buildFlowOptions(flags Flags) []flow.Option {
	var opts []flow.Option
	if *flags.validationAttempts > 0 {
		opts = append(opts, flow.WithValidationAttempts(*flags.validationAttempts))
	}
	if *flags.rateLimitAttempts > 0 {
		opts = append(opts, flow.WithRateLimitAttempts(*flags.rateLimitAttempts))
	}
	return opts
}

// buildAPIOptions assembles API server options from flags
func buildAPIOptions(flags Flags) []api.Option {
	var opts []api.Option
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	return opts
}
