package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/duke-git/lancet/v2/strutil"
	"github.com/duke-git/lancet/v2/validator"
)

// ConfigError represents one invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConfigErrors is a collection of configuration errors.
type ConfigErrors []ConfigError

func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any configuration errors.
func (e ConfigErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields 返回出错字段列表
func (e ConfigErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// IsConfigError checks if the error chain contains configuration errors.
func IsConfigError(err error) bool {
	var many ConfigErrors
	if errors.As(err, &many) {
		return true
	}
	var one *ConfigError
	return errors.As(err, &one)
}

// Validator validates configuration values.
type Validator struct {
	errors ConfigErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ConfigErrors, 0),
	}
}

// addError adds a validation error.
func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ConfigError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns ConfigErrors, or nil.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ConfigErrors, 0)

	v.validateClusterConfig(&cfg.Cluster)
	v.validateJobConfig(cfg)
	v.validateFilesConfig(&cfg.Files)
	v.validateTimingConfig(&cfg.Timing)
	v.validateRuntimeConfig(&cfg.Runtime)
	v.validateLoggingConfig(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// Validate is a convenience function that validates a configuration.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// validateClusterConfig validates node lists and remote tooling.
func (v *Validator) validateClusterConfig(cfg *ClusterConfig) {
	if strutil.IsBlank(cfg.User) {
		v.addError("cluster.user", "login user is required")
	}
	if strutil.IsBlank(cfg.LoginTool) {
		v.addError("cluster.login_tool", "login tool is required")
	}
	if strutil.IsBlank(cfg.CopyTool) {
		v.addError("cluster.copy_tool", "copy tool is required")
	}
	if strutil.IsBlank(cfg.SyncTool) {
		v.addError("cluster.sync_tool", "sync tool is required")
	}
	if strutil.IsBlank(cfg.DeployDir) {
		v.addError("cluster.deploy_dir", "remote deploy directory is required")
	}

	if len(cfg.Nodes) == 0 {
		v.addError("cluster.nodes", "at least one node is required")
	}
	v.validateHosts("cluster.nodes", cfg.Nodes)

	v.validateHost("cluster.master.address", cfg.Master.Address)
	v.validateHost("cluster.server.address", cfg.Server.Address)
	if strutil.IsBlank(cfg.Server.Interface) {
		v.addError("cluster.server.interface", "server network interface is required")
	}

	if len(cfg.Agents) == 0 {
		v.addError("cluster.agents", "at least one agent node is required")
	}
	v.validateHosts("cluster.agents", cfg.Agents)
	v.validateHosts("cluster.workers", cfg.Workers)

	// 节点与网卡列表必须逐项对齐
	if len(cfg.Interfaces) != len(cfg.Agents) {
		v.addError("cluster.interfaces",
			fmt.Sprintf("interface list length %d does not match agent list length %d",
				len(cfg.Interfaces), len(cfg.Agents)))
	}
	for i, iface := range cfg.Interfaces {
		if strutil.IsBlank(iface) {
			v.addError(fmt.Sprintf("cluster.interfaces[%d]", i), "interface name is empty")
		}
	}
}

// validateJobConfig validates role parameters and slot counts.
func (v *Validator) validateJobConfig(cfg *Config) {
	job := &cfg.Job

	if job.WorkerNum < 1 {
		v.addError("job.worker_num", "worker_num must be at least 1")
	} else {
		// worker_num 不能超过列表长度，超出部分的行为未定义
		if len(cfg.Cluster.Agents) > 0 && job.WorkerNum > len(cfg.Cluster.Agents) {
			v.addError("job.worker_num",
				fmt.Sprintf("worker_num %d exceeds agent list length %d", job.WorkerNum, len(cfg.Cluster.Agents)))
		}
		if workers := cfg.WorkerNodes(); len(workers) > 0 && job.WorkerNum > len(workers) {
			v.addError("job.worker_num",
				fmt.Sprintf("worker_num %d exceeds worker list length %d", job.WorkerNum, len(workers)))
		}
	}
	if job.ServerNum < 1 {
		v.addError("job.server_num", "server_num must be at least 1")
	}

	v.validatePort("job.listen_port", job.ListenPort)
	v.validatePort("job.server_port", job.ServerPort)
	v.validatePort("job.agent_port", job.AgentPort)

	if job.MasterIPPort != "" {
		host, port, err := net.SplitHostPort(job.MasterIPPort)
		if err != nil {
			v.addError("job.master_ip_port", "invalid address format, expected host:port")
		} else {
			v.validateHost("job.master_ip_port", host)
			if p, err := strconv.Atoi(port); err != nil {
				v.addError("job.master_ip_port", "port must be numeric")
			} else {
				v.validatePort("job.master_ip_port", p)
			}
		}
	}

	if job.KeyRange < 1 {
		v.addError("job.key_range", "key_range must be positive")
	}
	if job.Bound < 0 {
		v.addError("job.bound", "bound must be non-negative")
	}

	switch job.Mode {
	case JobModeCount:
	case JobModeDistributed:
		if strutil.IsBlank(job.DistributedToken) {
			v.addError("job.distributed_token", "token is required in distributed mode")
		}
	default:
		v.addError("job.mode", fmt.Sprintf("unknown job mode: %s (expected count or distributed)", job.Mode))
	}
}

// validateFilesConfig validates local file names.
func (v *Validator) validateFilesConfig(cfg *FilesConfig) {
	if strutil.IsBlank(cfg.TrainFile) {
		v.addError("files.train_file", "training file is required")
	}
	if strutil.IsBlank(cfg.EvalFile) {
		v.addError("files.eval_file", "evaluation file is required")
	}
	if strutil.IsBlank(cfg.KillScript) {
		v.addError("files.kill_script", "kill script is required")
	}
	if strutil.IsBlank(cfg.WorkerProgram) {
		v.addError("files.worker_program", "worker program is required")
	}
}

// validateTimingConfig validates settle durations.
func (v *Validator) validateTimingConfig(cfg *TimingConfig) {
	if cfg.MasterSettle < 0 {
		v.addError("timing.master_settle", "settle duration must be non-negative")
	}
	if cfg.ServerSettle < 0 {
		v.addError("timing.server_settle", "settle duration must be non-negative")
	}
	if cfg.AgentSettle < 0 {
		v.addError("timing.agent_settle", "settle duration must be non-negative")
	}
}

// validateRuntimeConfig validates orchestrator settings.
func (v *Validator) validateRuntimeConfig(cfg *RuntimeConfig) {
	if cfg.MaxParallel < 0 {
		v.addError("runtime.max_parallel", "max_parallel must be non-negative (0 means unlimited)")
	}
}

// validateLoggingConfig validates the logging configuration.
func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("logging.level", fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", cfg.Level))
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Format)] {
		v.addError("logging.format", fmt.Sprintf("invalid log format: %s (valid: json, console)", cfg.Format))
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true, "both": true}
	if !validOutputs[strings.ToLower(cfg.Output)] {
		v.addError("logging.output", fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", cfg.Output))
	}
	if (cfg.Output == "file" || cfg.Output == "both") && strutil.IsBlank(cfg.FilePath) {
		v.addError("logging.file_path", "file path is required when logging to a file")
	}
}

func (v *Validator) validateHosts(field string, hosts []string) {
	for i, h := range hosts {
		v.validateHost(fmt.Sprintf("%s[%d]", field, i), h)
	}
}

func (v *Validator) validateHost(field, host string) {
	if strutil.IsBlank(host) {
		v.addError(field, "address is required")
		return
	}
	if !isValidHost(host) {
		v.addError(field, fmt.Sprintf("invalid host: %s", host))
	}
}

func (v *Validator) validatePort(field string, port int) {
	if port < 1 || port > 65535 {
		v.addError(field, fmt.Sprintf("port %d out of range 1-65535", port))
	}
}

// hostLabel 匹配 RFC 1123 主机名中的单个标签
var hostLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// isValidHost accepts IP addresses and RFC 1123 host names, including
// single-label names such as localhost or ip6-server14.
func isValidHost(host string) bool {
	if validator.IsIp(host) {
		return true
	}
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if !hostLabel.MatchString(label) {
			return false
		}
	}
	return true
}
