package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"espctl/pkg/espapi"
	"espctl/services/carver"
)

// Settings is the merged view of flags, ESP_* environment variables and the optional config file.
type Settings struct {
	Domain   string
	Username string
	Password string
	Insecure bool
	// BaseURL and StreamURL override the endpoints derived from Domain.
	BaseURL   string
	StreamURL string

	OutputDir string
	Workers   int
	PageSize  int

	LogLevel  string
	LogFormat string

	Pushgateway  string
	NATSURL      string
	S3Bucket     string
	DatabaseURL  string
	AgeRecipient string

	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollMaxAttempts int
	PollMaxErrors   int
	PollTimeout     time.Duration

	CSV2CPE string
	CPE2CVE string
}

// flagKeys maps persistent flag names to viper keys.
var flagKeys = map[string]string{
	"domain":            "domain",
	"username":          "username",
	"password":          "password",
	"insecure":          "insecure",
	"output-dir":        "output_dir",
	"workers":           "workers",
	"page-size":         "page_size",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"pushgateway":       "pushgateway",
	"nats-url":          "nats.url",
	"s3-bucket":         "s3.bucket",
	"database-url":      "database.url",
	"age-recipient":     "age.recipient",
	"poll-interval":     "poll.interval",
	"poll-max-interval": "poll.max_interval",
	"poll-max-attempts": "poll.max_attempts",
	"poll-max-errors":   "poll.max_errors",
	"poll-timeout":      "poll.timeout",
}

// credentialFlags must be set, by flag, environment or config file, for commands that talk to ESP.
var credentialFlags = []string{"domain", "username", "password"}

func addPersistentFlags(f *pflag.FlagSet) {
	f.String("config", "", "Optional yaml config file")
	f.String("domain", "", "Domain or IP of the ESP server")
	f.String("username", "", "Admin username")
	f.String("password", "", "Admin password")
	f.Bool("insecure", true, "Skip TLS certificate verification (the server ships a self-signed certificate)")
	f.String("output-dir", ".", "Root directory for carves and reports")
	f.Int("workers", 1, "Hosts scanned concurrently")
	f.Int("page-size", 5, "Recent activity page size")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "json", "Log format (json or text)")
	f.String("pushgateway", "", "Prometheus pushgateway URL to push run metrics to")
	f.String("nats-url", "", "NATS server URL for run events")
	f.String("s3-bucket", "", "Bucket to mirror carve archives to (S3_* environment for credentials)")
	f.String("database-url", "", "Postgres DSN for the run ledger and findings")
	f.String("age-recipient", "", "age recipient to encrypt carve archives to")
	f.Duration("poll-interval", carver.DefaultInterval, "Wait before every carve status check")
	f.Duration("poll-max-interval", 0, "Upper bound for exponential poll backoff (0 keeps a fixed interval)")
	f.Int("poll-max-attempts", 0, "Carve status checks before giving up (0 is unlimited)")
	f.Int("poll-max-errors", 0, "Consecutive poll errors before giving up (0 is unlimited)")
	f.Duration("poll-timeout", 0, "Overall carve wait timeout (0 is none)")
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	return bindSettings(cmd.Flags())
}

// bindSettings layers ESP_* variables and the --config file under the flags in fs.
func bindSettings(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("ESP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func loadSettings(v *viper.Viper) Settings {
	return Settings{
		Domain:          v.GetString("domain"),
		Username:        v.GetString("username"),
		Password:        v.GetString("password"),
		Insecure:        v.GetBool("insecure"),
		BaseURL:         v.GetString("api.base_url"),
		StreamURL:       v.GetString("api.stream_url"),
		OutputDir:       v.GetString("output_dir"),
		Workers:         v.GetInt("workers"),
		PageSize:        v.GetInt("page_size"),
		LogLevel:        v.GetString("log.level"),
		LogFormat:       v.GetString("log.format"),
		Pushgateway:     v.GetString("pushgateway"),
		NATSURL:         v.GetString("nats.url"),
		S3Bucket:        v.GetString("s3.bucket"),
		DatabaseURL:     v.GetString("database.url"),
		AgeRecipient:    v.GetString("age.recipient"),
		PollInterval:    v.GetDuration("poll.interval"),
		PollMaxInterval: v.GetDuration("poll.max_interval"),
		PollMaxAttempts: v.GetInt("poll.max_attempts"),
		PollMaxErrors:   v.GetInt("poll.max_errors"),
		PollTimeout:     v.GetDuration("poll.timeout"),
		CSV2CPE:         v.GetString("cve.csv2cpe"),
		CPE2CVE:         v.GetString("cve.cpe2cve"),
	}
}

// checkCredentials reports the credential settings that are empty, in the wording cobra uses for
// required flags.
func (s Settings) checkCredentials() error {
	values := map[string]string{"domain": s.Domain, "username": s.Username, "password": s.Password}
	var missing []string
	for _, name := range credentialFlags {
		if strings.TrimSpace(values[name]) == "" {
			missing = append(missing, `"`+name+`"`)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required flag(s) %s not set", strings.Join(missing, ", "))
	}
	return nil
}

func (s Settings) apiConfig() espapi.Config {
	return espapi.Config{
		Domain:    s.Domain,
		Username:  s.Username,
		Password:  s.Password,
		Insecure:  s.Insecure,
		BaseURL:   s.BaseURL,
		StreamURL: s.StreamURL,
		Timeout:   espapi.DefaultTimeout,
		RetryMax:  espapi.DefaultRetryMax,
	}
}

var errNoDatabase = errors.New("--database-url (or ESP_DATABASE_URL) is required")
