package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "ssh", cfg.Cluster.LoginTool)
	assert.Equal(t, []string{"-o", "StrictHostKeyChecking=no"}, cfg.Cluster.LoginFlags)
	assert.Equal(t, "rsync", cfg.Cluster.SyncTool)
	assert.Equal(t, 16666, cfg.Job.ListenPort)
	assert.Equal(t, 17777, cfg.Job.ServerPort)
	assert.Equal(t, 15555, cfg.Job.AgentPort)
	assert.Equal(t, JobModeCount, cfg.Job.Mode)
	assert.Equal(t, 5*time.Second, cfg.Timing.MasterSettle)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join("testdata", "plan.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "deployer", cfg.Cluster.User)
	assert.Len(t, cfg.Cluster.Nodes, 6)
	assert.Equal(t, "162.105.146.128", cfg.Cluster.Master.Address)
	assert.Equal(t, "eno1", cfg.Cluster.Server.Interface)
	assert.Equal(t, 4, cfg.Job.WorkerNum)
	assert.Equal(t, "162.105.146.128:16666", cfg.MasterAddr())
	// 未在文件中出现的字段保留默认值
	assert.Equal(t, "rpscc_deploy", cfg.Cluster.DeployDir)
	assert.Equal(t, "YearPredictionMSD.txt.train", cfg.Files.TrainFile)

	require.NoError(t, Validate(cfg))
}

func TestLoadFromNonExistentFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/plan.yaml")
	assert.Error(t, err)
}

func TestLoadFromInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster: [unclosed"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEPLOY_USER", "ops")
	t.Setenv("DEPLOY_WORKER_NUM", "2")
	t.Setenv("DEPLOY_AGENTS", "node-a, node-b ,node-c")
	t.Setenv("DEPLOY_MASTER_SETTLE", "250ms")
	t.Setenv("DEPLOY_STRICT", "true")

	cfg, err := NewLoader().WithConfigPath(filepath.Join("testdata", "plan.yaml")).Load()
	require.NoError(t, err)

	assert.Equal(t, "ops", cfg.Cluster.User)
	assert.Equal(t, 2, cfg.Job.WorkerNum)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, cfg.Cluster.Agents)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.MasterSettle)
	assert.True(t, cfg.Runtime.Strict)
}

func TestEnvOverrides_Invalid(t *testing.T) {
	t.Setenv("DEPLOY_WORKER_NUM", "four")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestEnvOverrides_OtherPrefixIgnored(t *testing.T) {
	t.Setenv("DEPLOY_USER", "ops")

	cfg, err := NewLoader().WithEnvPrefix("OTHER_").Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Cluster.User)
}

func TestCmdOverrides(t *testing.T) {
	t.Setenv("DEPLOY_WORKER_NUM", "2")

	cfg, err := NewLoader().
		WithConfigPath(filepath.Join("testdata", "plan.yaml")).
		WithCmdArgs(map[string]string{
			"job.worker_num":         "3",
			"cluster.master.address": "10.0.0.9",
			"timing.agent_settle":    "1s",
			"runtime.dry_run":        "true",
			"Cluster.Interfaces":     "eth0,eth1,eth2,eth3,eth4",
			"logging.level":          "debug",
		}).
		Load()
	require.NoError(t, err)

	// 命令行优先于环境变量
	assert.Equal(t, 3, cfg.Job.WorkerNum)
	assert.Equal(t, "10.0.0.9", cfg.Cluster.Master.Address)
	assert.Equal(t, time.Second, cfg.Timing.AgentSettle)
	assert.True(t, cfg.Runtime.DryRun)
	assert.Equal(t, "eth4", cfg.Cluster.Interfaces[4])
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestCmdOverrides_UnknownPath(t *testing.T) {
	_, err := NewLoader().WithCmdArgs(map[string]string{"job.nope": "1"}).Load()
	assert.Error(t, err)

	_, err = NewLoader().WithCmdArgs(map[string]string{"job.worker_num.deeper": "1"}).Load()
	assert.Error(t, err)
}

func TestMasterAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster.Master.Address = "10.0.0.1"
	assert.Equal(t, "10.0.0.1:16666", cfg.MasterAddr())

	cfg.Job.MasterIPPort = "master.local:9999"
	assert.Equal(t, "master.local:9999", cfg.MasterAddr())
}

func TestWorkerNodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster.Agents = []string{"node-a", "node-b"}
	assert.Equal(t, []string{"node-a", "node-b"}, cfg.WorkerNodes())

	cfg.Cluster.Workers = []string{"node-c"}
	assert.Equal(t, []string{"node-c"}, cfg.WorkerNodes())
}

func TestSerializeAndParse(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join("testdata", "plan.yaml"))
	require.NoError(t, err)

	data, err := cfg.Serialize()
	require.NoError(t, err)

	parsed, err := ParseConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg.Cluster.Agents, parsed.Cluster.Agents)
	assert.Equal(t, cfg.Job, parsed.Job)
	assert.Equal(t, cfg.Timing, parsed.Timing)
}

func TestClone(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join("testdata", "plan.yaml"))
	require.NoError(t, err)

	clone, err := cfg.Clone()
	require.NoError(t, err)
	require.NotNil(t, clone)
	clone.Cluster.Agents[0] = "changed"
	clone.Job.WorkerNum = 1

	assert.Equal(t, "ip6-server11", cfg.Cluster.Agents[0])
	assert.Equal(t, 4, cfg.Job.WorkerNum)

	var must *Config
	assert.NotPanics(t, func() { must = cfg.MustClone() })
	assert.Equal(t, cfg.Cluster.Agents, must.Cluster.Agents)
}
