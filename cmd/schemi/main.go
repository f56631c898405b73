package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schemi-dev/schemi"
	"github.com/schemi-dev/schemi/internal/config"
	"github.com/schemi-dev/schemi/internal/format"
)

var (
	settingsPath string
	verbose      bool

	initModule string
	initEnvs   string
	initForce  bool

	revisionMessage string

	migrateRevision string
	dryRun          bool
)

var rootCmd = &cobra.Command{
	Use:   "schemi",
	Short: "Manage database schemas across projects and environments",
	Long: `Schemi diffs a declared schema against a live database, records the
changes as revisions with derived inverses, and migrates environments
forward or back by applying them. Supports PostgreSQL, MySQL, and SQLite.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var initCmd = &cobra.Command{
	Use:   "init <project>",
	Short: "Register a project and initialize its revision store",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

var revisionCmd = &cobra.Command{
	Use:   "revision <project.environment>",
	Short: "Diff the declared schema against the environment and record a revision",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevision,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <project.environment>",
	Short: "Migrate the environment to the head revision, or to --revision",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrate,
}

var cloneCmd = &cobra.Command{
	Use:   "clone <project.src> <project.target>",
	Short: "Copy one environment's database to another (same engine only)",
	Args:  cobra.ExactArgs(2),
	RunE:  runClone,
}

var statusCmd = &cobra.Command{
	Use:   "status <project.environment>",
	Short: "Show the environment's revision pointer and pending revisions",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var describeCmd = &cobra.Command{
	Use:   "describe <project.environment>",
	Short: "Inspect the environment's live schema and print it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDescribe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings-path", "", "Settings file (default: $SCHEMI_SETTINGS_PATH or user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	initCmd.Flags().StringVar(&initModule, "module", "", "Path to the project's schema file (required)")
	initCmd.Flags().StringVar(&initEnvs, "env", "", "Environments as name=type:target pairs, comma-separated (e.g. dev=sqlite:./dev.db)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing project entry and store")
	_ = initCmd.MarkFlagRequired("module")

	revisionCmd.Flags().StringVarP(&revisionMessage, "message", "m", "", "Revision message (required)")
	_ = revisionCmd.MarkFlagRequired("message")

	migrateCmd.Flags().StringVar(&migrateRevision, "revision", "", "Target revision id (default: head)")
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Render SQL without executing or moving the pointer")

	cloneCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be cloned without copying")

	rootCmd.AddCommand(initCmd, revisionCmd, migrateCmd, cloneCmd, statusCmd, describeCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadSettings() (*config.Settings, error) {
	return config.Load(settingsPath)
}

func runInit(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	envs, err := parseEnvFlags(initEnvs)
	if err != nil {
		return err
	}

	if err := schemi.InitProject(settings, args[0], initModule, envs, initForce); err != nil {
		return err
	}
	fmt.Printf("Initialized project %s (settings: %s)\n", args[0], settings.Path())
	return nil
}

// parseEnvFlags parses "dev=sqlite:./dev.db,prod=postgres://u:p@host:5432/db"
// into environment configs.
func parseEnvFlags(s string) (map[string]config.DatabaseConfig, error) {
	envs := map[string]config.DatabaseConfig{}
	if s == "" {
		return envs, nil
	}
	for _, pair := range strings.Split(s, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --env entry %q: expected name=url", pair)
		}
		engine, connStr, err := schemi.ParseDatabaseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid --env entry %q: %w", pair, err)
		}
		if engine != "sqlite" {
			return nil, fmt.Errorf("--env only supports sqlite urls; add %s environments to the settings file directly", engine)
		}
		envs[name] = config.DatabaseConfig{Type: engine, Name: connStr}
	}
	return envs, nil
}

func runRevision(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	node, err := schemi.CreateRevision(context.Background(), settings, args[0], revisionMessage, newLogger())
	if err != nil {
		return err
	}
	if node == nil {
		fmt.Println("No schema changes detected; no revision created.")
		return nil
	}
	fmt.Printf("Created revision %s (%d operations)\n", node.ID, len(node.Operations))
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	result, err := schemi.Migrate(context.Background(), settings, args[0], migrateRevision, dryRun, newLogger())
	if err != nil {
		return err
	}

	if dryRun {
		return format.NewTextFormatter(os.Stdout).FormatPlan(result)
	}
	if result.NoOp() {
		fmt.Println("Already at target revision.")
		return nil
	}
	verb := "Applied"
	if result.Reverted {
		verb = "Reverted"
	}
	fmt.Printf("%s %d revision(s); %s is now at %s\n", verb, len(result.Applied), args[0], displayID(result.To))
	return nil
}

func runClone(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	summary, err := schemi.Clone(context.Background(), settings, args[0], args[1], dryRun, newLogger())
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	report, err := schemi.Status(settings, args[0])
	if err != nil {
		return err
	}
	return format.NewTextFormatter(os.Stdout).FormatStatus(
		report.Project, report.Environment, report.Pointer, report.Pending, report.Divergences)
}

func runDescribe(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	target, err := settings.ResolveTarget(args[0])
	if err != nil {
		return err
	}
	s, err := schemi.Inspect(context.Background(), target.Database.URL())
	if err != nil {
		return err
	}
	return format.NewTextFormatter(os.Stdout).FormatSchema(s)
}

func displayID(id string) string {
	if id == "" {
		return "(base)"
	}
	return id
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
