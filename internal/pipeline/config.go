package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. AUTODEPLOY_REGION, AUTODEPLOY_WAIT_BUILD_POLL_INTERVAL.
const EnvPrefix = "AUTODEPLOY_"

// Names of the environment variables the provisioner sets on the reactor
// function. The reactor's config is reconstructed from these at cold start.
const (
	envBucket       = "S3_BUCKET"
	envRepository   = "ECR_REPO"
	envAgentRoleARN = "AGENT_ROLE_ARN"
	envRegion       = "AWS_REGION"
)

// Config holds all pipeline configuration. Region and account identity are
// resolved once and threaded explicitly into every component; no component
// performs its own ambient lookup.
type Config struct {
	// Region is the AWS region every client operates in.
	Region string `koanf:"region"`

	// AccountID is the 12-digit AWS account ID. Resolved via STS
	// GetCallerIdentity when left empty.
	AccountID string `koanf:"account_id"`

	// Repository is the ECR repository name for tool-executor images.
	Repository string `koanf:"repository"`

	// Bucket is the config bucket name. Derived from the account ID when
	// left empty.
	Bucket string `koanf:"bucket"`

	// BuildProject is the CodeBuild project name.
	BuildProject string `koanf:"build_project"`

	// FoundationModel is the model identifier new agents are bound to.
	FoundationModel string `koanf:"foundation_model"`

	// AgentInstruction is the static instruction string for new agents.
	AgentInstruction string `koanf:"agent_instruction"`

	// ReactorBinaryPath is the local path of the compiled reactor bootstrap
	// binary packaged into the reactor function ZIP during setup.
	ReactorBinaryPath string `koanf:"reactor_binary_path"`

	// SourceFiles are the local files bundled into source.zip for CodeBuild.
	SourceFiles []string `koanf:"source_files"`

	// AgentAliasID is the alias used by the verification client.
	AgentAliasID string `koanf:"agent_alias_id"`

	// Wait tunes the pipeline's polling behavior.
	Wait WaitConfig `koanf:"wait"`

	// AgentRoleARN is populated at runtime (setup output or reactor env).
	// NOT read from the config file.
	AgentRoleARN string `koanf:"-"`
}

// WaitConfig holds the polling and readiness-probe tuning.
type WaitConfig struct {
	// BuildPollInterval is the fixed delay between build status checks.
	BuildPollInterval time.Duration `koanf:"build_poll_interval"`

	// ReadinessInitial is the initial backoff interval of readiness probes.
	ReadinessInitial time.Duration `koanf:"readiness_initial"`

	// ReadinessMax is the backoff interval ceiling of readiness probes.
	ReadinessMax time.Duration `koanf:"readiness_max"`

	// ReadinessDeadline bounds how long a readiness probe may run before
	// surfacing a timeout error.
	ReadinessDeadline time.Duration `koanf:"readiness_deadline"`
}

// DefaultConfig returns a configuration with the pipeline's conventional
// resource names and wait tuning.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Repository:       RepositoryName,
		BuildProject:     BuildProjectName,
		FoundationModel:  "anthropic.claude-3-sonnet-20240229-v1:0",
		AgentInstruction: "You are a helpful assistant with custom tools for weather, calculations, and more.",
		SourceFiles:      []string{"tool_executor", "Dockerfile", "buildspec.yml"},
		AgentAliasID:     "TSTALIASID",
		Wait: WaitConfig{
			BuildPollInterval: 15 * time.Second,
			ReadinessInitial:  2 * time.Second,
			ReadinessMax:      20 * time.Second,
			ReadinessDeadline: 5 * time.Minute,
		},
	}
}

// LoadConfig loads configuration from an optional YAML file and
// AUTODEPLOY_-prefixed environment variables, layered over the defaults.
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(newStructProvider(DefaultConfig()), nil); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", configPath, err)
			}
		}
	}

	// Environment names flatten the key path with underscores, which is
	// ambiguous for multi-word keys (account_id vs wait.build_poll_interval).
	// Resolve each name against the known key set instead of splitting it.
	envKeys := make(map[string]string, len(k.Keys()))
	for _, key := range k.Keys() {
		envKeys[strings.ReplaceAll(key, ".", "_")] = key
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if key, ok := envKeys[name]; ok {
			return key
		}
		return name
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result: &cfg,
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadReactorConfig builds the reactor's Config from the environment
// variables the provisioner set on the function. The reactor has no config
// file; the function environment is its only configuration channel.
func LoadReactorConfig() (*Config, error) {
	cfg := DefaultConfig()
	cfg.Region = os.Getenv(envRegion)
	cfg.Bucket = os.Getenv(envBucket)
	cfg.Repository = os.Getenv(envRepository)
	cfg.AgentRoleARN = os.Getenv(envAgentRoleARN)

	var missing []string
	for name, val := range map[string]string{
		envRegion:       cfg.Region,
		envBucket:       cfg.Bucket,
		envRepository:   cfg.Repository,
		envAgentRoleARN: cfg.AgentRoleARN,
	} {
		if val == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("reactor environment incomplete: missing %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

// validate returns a list of configuration errors, or nil if the config is
// usable. The account ID may still be empty here; it is resolved via STS
// before any component that needs it runs.
func (c *Config) validate() []string {
	var errs []string
	if !regionRe.MatchString(c.Region) {
		errs = append(errs, fmt.Sprintf("region %q is not a valid AWS region", c.Region))
	}
	if c.AccountID != "" && !accountIDRe.MatchString(c.AccountID) {
		errs = append(errs, fmt.Sprintf("account_id %q is not a 12-digit AWS account ID", c.AccountID))
	}
	if c.Repository == "" {
		errs = append(errs, "repository must not be empty")
	}
	if c.BuildProject == "" {
		errs = append(errs, "build_project must not be empty")
	}
	if c.Wait.BuildPollInterval <= 0 {
		errs = append(errs, "wait.build_poll_interval must be positive")
	}
	if c.Wait.ReadinessDeadline <= 0 {
		errs = append(errs, "wait.readiness_deadline must be positive")
	}
	return errs
}

// Validate checks the config and returns a single error naming every
// problem, or nil.
func (c *Config) Validate() error {
	if errs := c.validate(); len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// resolveDerived fills in fields derived from the account ID. Must be called
// after the account ID is known.
func (c *Config) resolveDerived() {
	if c.Bucket == "" && c.AccountID != "" {
		c.Bucket = configBucketName(c.AccountID)
	}
}

// structProvider loads configuration defaults from a struct.
type structProvider struct {
	cfg any
}

// newStructProvider creates a koanf provider backed by a defaults struct.
func newStructProvider(cfg any) *structProvider {
	return &structProvider{cfg: cfg}
}

// Read converts the struct to a map using the koanf tags.
func (s *structProvider) Read() (map[string]any, error) {
	var out map[string]any
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &out,
		TagName: "koanf",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(s.cfg); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadBytes is required by the Provider interface but not used here.
func (s *structProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("ReadBytes not supported for struct provider")
}
