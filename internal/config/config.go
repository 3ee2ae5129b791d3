// Package config resolves the process-wide Settings bundle (§4.1) from
// flags, environment variables (prefix INDEXER_), and an optional config
// file, in the style the rest of the pack loads configuration: viper bound
// to a cobra command's flag set.
package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppy/elastic-indexer/internal/errs"
)

// Settings is the immutable, process-wide configuration bundle described in
// spec §4.1. It is resolved once at startup and passed explicitly through
// the call tree — no package-level singleton.
type Settings struct {
	SourceConnectionString  string
	SearchClusterURL        string
	CoordinationStoreURL    string
	SchemaTag               string
	AliasPrefix             string
	BatchSize               int
	QueueCapacity           int
	MaxParallelDispatch     int
	IsRebuild               bool
	IsNew                   bool
	IsPrepMode              bool
	ResumeFrom              *int64
	SwitchOnComplete        bool
	ReadDelayMS             int
	SchemaWatchInterval     int // seconds; default 5, see §4.8
	ShutdownDeadlineSeconds int
}

const envPrefix = "INDEXER"

// BindFlags registers the flags common to every subcommand that needs
// Settings onto cmd's flag set. Subcommands call this in their own init so
// `pump`, `schema`, and `run` all share the same flag vocabulary.
func BindFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.String("source-dsn", "", "relational source connection string (DSN)")
	fs.String("search-cluster-url", "http://localhost:9200", "search cluster base URL")
	fs.String("coordination-store-url", "redis://localhost:6379/0", "coordination store connection URL")
	fs.String("schema-tag", "", "schema version tag this process builds/serves")
	fs.String("alias-prefix", "scores", "alias name (and physical index prefix)")
	fs.Int("batch-size", 10000, "records per chunk")
	fs.Int("queue-capacity", 4, "bounded channel capacity between reader and dispatcher")
	fs.Int("max-parallel-dispatch", 4, "concurrent bulk dispatch workers")
	fs.Bool("is-rebuild", false, "run in cursor-scan rebuild mode instead of live queue mode")
	fs.Bool("is-new", false, "force creation of a new physical index even if one already matches")
	fs.Bool("is-prep-mode", false, "rebuild mode: stop at state Ready instead of committing the alias")
	fs.Int64("resume-from", -1, "override persisted last_id; -1 means unset")
	fs.Bool("switch-on-complete", true, "commit the alias immediately on rebuild completion (non-prep mode)")
	fs.Int("read-delay-ms", 0, "artificial delay between rebuild-scan chunks, for load shaping")
	fs.Int("schema-watch-interval", 5, "seconds between current_schema polls")
	fs.Int("shutdown-deadline-seconds", 30, "grace period for draining in-flight dispatch on cancellation")
}

// Load resolves Settings from cmd's bound flags, environment (INDEXER_*),
// and an optional config file set via --config. It validates per §4.1.
func Load(cmd *cobra.Command) (Settings, error) {
	s, err := LoadRaw(cmd)
	if err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadRaw resolves Settings like Load but skips validation, for
// administrative subcommands (schema get/set/clear) that need only the
// coordination-store connection and not a schema_tag.
func LoadRaw(cmd *cobra.Command) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errs.Wrap(err, "reading config file")
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Settings{}, errs.Wrap(err, "binding flags")
	}

	s := Settings{
		SourceConnectionString:  v.GetString("source-dsn"),
		SearchClusterURL:        v.GetString("search-cluster-url"),
		CoordinationStoreURL:    v.GetString("coordination-store-url"),
		SchemaTag:               v.GetString("schema-tag"),
		AliasPrefix:             v.GetString("alias-prefix"),
		BatchSize:               v.GetInt("batch-size"),
		QueueCapacity:           v.GetInt("queue-capacity"),
		MaxParallelDispatch:     v.GetInt("max-parallel-dispatch"),
		IsRebuild:               v.GetBool("is-rebuild"),
		IsNew:                   v.GetBool("is-new"),
		IsPrepMode:              v.GetBool("is-prep-mode"),
		SwitchOnComplete:        v.GetBool("switch-on-complete"),
		ReadDelayMS:             v.GetInt("read-delay-ms"),
		SchemaWatchInterval:     v.GetInt("schema-watch-interval"),
		ShutdownDeadlineSeconds: v.GetInt("shutdown-deadline-seconds"),
	}
	if rf := v.GetInt64("resume-from"); rf >= 0 {
		s.ResumeFrom = &rf
	}
	if s.MaxParallelDispatch <= 0 {
		s.MaxParallelDispatch = 4
	}
	return s, nil
}

// Validate enforces the invariants named in §4.1.
func (s Settings) Validate() error {
	if s.SchemaTag == "" {
		return errs.MissingSchema
	}
	if s.BatchSize < 1 {
		return errs.Wrapf(errs.MissingSchema, "batch_size must be >= 1, got %d", s.BatchSize)
	}
	if s.QueueCapacity < 1 {
		return errs.Wrapf(errs.MissingSchema, "queue_capacity must be >= 1, got %d", s.QueueCapacity)
	}
	return nil
}
