package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Job modes for the worker start argument.
const (
	// JobModeCount passes the worker count as the positional argument.
	JobModeCount = "count"
	// JobModeDistributed passes the distributed-mode token instead.
	JobModeDistributed = "distributed"
)

// Config represents the complete deployment configuration.
type Config struct {
	Cluster ClusterConfig `yaml:"cluster"`
	Job     JobConfig     `yaml:"job"`
	Files   FilesConfig   `yaml:"files"`
	Timing  TimingConfig  `yaml:"timing"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Logging LoggingConfig `yaml:"logging"`
}

// ClusterConfig describes the nodes and how to reach them.
type ClusterConfig struct {
	User       string     `yaml:"user" env:"DEPLOY_USER"`
	LoginTool  string     `yaml:"login_tool" env:"DEPLOY_LOGIN_TOOL"`
	LoginFlags []string   `yaml:"login_flags" env:"DEPLOY_LOGIN_FLAGS"`
	CopyTool   string     `yaml:"copy_tool" env:"DEPLOY_COPY_TOOL"`
	CopyFlags  []string   `yaml:"copy_flags,omitempty" env:"DEPLOY_COPY_FLAGS"`
	SyncTool   string     `yaml:"sync_tool" env:"DEPLOY_SYNC_TOOL"`
	SyncFlags  []string   `yaml:"sync_flags" env:"DEPLOY_SYNC_FLAGS"`
	DeployDir  string     `yaml:"deploy_dir" env:"DEPLOY_DIR"`
	Nodes      []string   `yaml:"nodes" env:"DEPLOY_NODES"`
	Master     HostConfig `yaml:"master"`
	Server     HostConfig `yaml:"server"`
	Agents     []string   `yaml:"agents" env:"DEPLOY_AGENTS"`
	Interfaces []string   `yaml:"interfaces" env:"DEPLOY_INTERFACES"`
	// Workers defaults to Agents when empty.
	Workers []string `yaml:"workers,omitempty" env:"DEPLOY_WORKERS"`
}

// HostConfig binds a singleton role to one node and network interface.
type HostConfig struct {
	Address   string `yaml:"address"`
	Interface string `yaml:"interface"`
}

// JobConfig holds the role parameters of the compute job.
type JobConfig struct {
	WorkerNum        int    `yaml:"worker_num" env:"DEPLOY_WORKER_NUM"`
	ServerNum        int    `yaml:"server_num" env:"DEPLOY_SERVER_NUM"`
	ListenPort       int    `yaml:"listen_port" env:"DEPLOY_LISTEN_PORT"`
	ServerPort       int    `yaml:"server_port" env:"DEPLOY_SERVER_PORT"`
	AgentPort        int    `yaml:"agent_port" env:"DEPLOY_AGENT_PORT"`
	MasterIPPort     string `yaml:"master_ip_port" env:"DEPLOY_MASTER_IP_PORT"`
	KeyRange         int    `yaml:"key_range" env:"DEPLOY_KEY_RANGE"`
	Bound            int    `yaml:"bound" env:"DEPLOY_BOUND"`
	Mode             string `yaml:"mode" env:"DEPLOY_JOB_MODE"`
	DistributedToken string `yaml:"distributed_token" env:"DEPLOY_DISTRIBUTED_TOKEN"`
}

// FilesConfig names the local artifacts and data files.
type FilesConfig struct {
	LocalRoot     string `yaml:"local_root" env:"DEPLOY_LOCAL_ROOT"`
	TrainFile     string `yaml:"train_file" env:"DEPLOY_TRAIN_FILE"`
	EvalFile      string `yaml:"eval_file" env:"DEPLOY_EVAL_FILE"`
	KillScript    string `yaml:"kill_script" env:"DEPLOY_KILL_SCRIPT"`
	WorkerProgram string `yaml:"worker_program" env:"DEPLOY_WORKER_PROGRAM"`
}

// TimingConfig holds the settle durations inserted after each role tier.
type TimingConfig struct {
	MasterSettle time.Duration `yaml:"master_settle" env:"DEPLOY_MASTER_SETTLE"`
	ServerSettle time.Duration `yaml:"server_settle" env:"DEPLOY_SERVER_SETTLE"`
	AgentSettle  time.Duration `yaml:"agent_settle" env:"DEPLOY_AGENT_SETTLE"`
}

// RuntimeConfig controls how the orchestrator itself behaves.
type RuntimeConfig struct {
	Shell       string   `yaml:"shell" env:"DEPLOY_SHELL"`
	ShellArgs   []string `yaml:"shell_args,omitempty" env:"DEPLOY_SHELL_ARGS"`
	MaxParallel int      `yaml:"max_parallel" env:"DEPLOY_MAX_PARALLEL"`
	Strict      bool     `yaml:"strict" env:"DEPLOY_STRICT"`
	DryRun      bool     `yaml:"dry_run" env:"DEPLOY_DRY_RUN"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"DEPLOY_LOG_LEVEL"`
	Format     string `yaml:"format" env:"DEPLOY_LOG_FORMAT"`
	Output     string `yaml:"output" env:"DEPLOY_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"DEPLOY_LOG_FILE"`
	MaxSize    int    `yaml:"max_size" env:"DEPLOY_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"DEPLOY_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"DEPLOY_LOG_MAX_AGE"`
}

// DefaultConfig returns a Config with default values.
// Node lists are left empty; a usable plan must name its nodes.
func DefaultConfig() *Config {
	return &Config{
		Cluster: ClusterConfig{
			LoginTool:  "ssh",
			LoginFlags: []string{"-o", "StrictHostKeyChecking=no"},
			CopyTool:   "scp",
			SyncTool:   "rsync",
			SyncFlags:  []string{"-avz"},
			DeployDir:  "rpscc_deploy",
		},
		Job: JobConfig{
			WorkerNum:        1,
			ServerNum:        1,
			ListenPort:       16666,
			ServerPort:       17777,
			AgentPort:        15555,
			KeyRange:         100,
			Bound:            1,
			Mode:             JobModeCount,
			DistributedToken: "distributed",
		},
		Files: FilesConfig{
			LocalRoot:     "..",
			TrainFile:     "YearPredictionMSD.txt.train",
			EvalFile:      "YearPredictionMSD.txt.eval",
			KillScript:    "scripts/kill_all.py",
			WorkerProgram: "src/channel/linear_regression.py",
		},
		Timing: TimingConfig{
			MasterSettle: 5 * time.Second,
			ServerSettle: 5 * time.Second,
			AgentSettle:  5 * time.Second,
		},
		Runtime: RuntimeConfig{
			MaxParallel: 0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// MasterAddr returns the master's host:port, derived from the master address
// and listen port unless set explicitly.
func (c *Config) MasterAddr() string {
	if c.Job.MasterIPPort != "" {
		return c.Job.MasterIPPort
	}
	return net.JoinHostPort(c.Cluster.Master.Address, strconv.Itoa(c.Job.ListenPort))
}

// WorkerNodes returns the worker node list, falling back to the agent list.
func (c *Config) WorkerNodes() []string {
	if len(c.Cluster.Workers) > 0 {
		return c.Cluster.Workers
	}
	return c.Cluster.Agents
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "DEPLOY_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the prefix for environment variables. Only env tags
// starting with the prefix are honoured.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets command-line arguments for configuration override,
// keyed by dot-notation path such as "job.worker_num".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file. Unlike the defaults-only
// fallback of a missing optional file, a named plan file must exist.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	return l.applyEnvToStruct(reflect.ValueOf(cfg).Elem())
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || !strings.HasPrefix(envTag, l.envPrefix) {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// applyCmdOverrides applies command-line argument overrides to the configuration.
func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a configuration value by dot-notation path. Path parts
// match either the yaml tag or the Go field name, case-insensitively.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := lookupField(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func lookupField(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	plain := strings.ReplaceAll(name, "_", "")
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("yaml"), ",")[0]
		if strings.EqualFold(tag, name) || strings.EqualFold(f.Name, plain) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// Clone creates a deep copy of the configuration through a YAML round trip.
func (c *Config) Clone() (*Config, error) {
	data, err := c.Serialize()
	if err != nil {
		return nil, fmt.Errorf("复制配置失败: %w", err)
	}
	clone, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("复制配置失败: %w", err)
	}
	return clone, nil
}

// MustClone is like Clone but panics if the copy fails.
// Only use it on a configuration that has already been cloned once.
func (c *Config) MustClone() *Config {
	clone, err := c.Clone()
	if err != nil {
		panic(fmt.Sprintf("configuration clone failed: %v", err))
	}
	return clone
}
