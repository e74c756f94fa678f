package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"yqhp/deployer/internal/config"
	"yqhp/deployer/internal/plan"
)

var testPlan = filepath.Join("testdata", "plan.yaml")

// execute 以给定参数运行根命令并返回标准输出
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"deploy", "stop", "partition", "plan"}, names)

	for _, flag := range []string{"config", "debug", "quiet", "log-level", "set"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestPlanCmd_Text(t *testing.T) {
	out, err := execute(t, "plan", "-c", testPlan)
	require.NoError(t, err)

	assert.Contains(t, out, "# cleanup\n")
	assert.Contains(t, out, `ssh -o StrictHostKeyChecking=no deployer@node-a 'cd rpscc_deploy/build/src/master; ./master_main --worker_num=2`)
	assert.Contains(t, out, "rsync -avz testdata/YearPredictionMSD.txt.train1 deployer@node-b:rpscc_deploy/YearPredictionMSD.txt.train")
	assert.Less(t, strings.Index(out, "# cleanup"), strings.Index(out, "# master"))
	assert.Less(t, strings.Index(out, "# agents"), strings.Index(out, "# workers"))
}

func TestPlanCmd_JSONAndYAML(t *testing.T) {
	out, err := execute(t, "plan", "-c", testPlan, "--format", "json")
	require.NoError(t, err)
	require.True(t, sonic.ValidString(out))

	node, err := sonic.Get([]byte(out), 6, "commands", 1, "node")
	require.NoError(t, err)
	worker, err := node.String()
	require.NoError(t, err)
	assert.Equal(t, "node-b", worker)

	out, err = execute(t, "plan", "-c", testPlan, "-f", "yaml")
	require.NoError(t, err)
	var stages []plan.Stage
	require.NoError(t, yaml.Unmarshal([]byte(out), &stages))
	assert.Len(t, stages, 7)

	_, err = execute(t, "plan", "-c", testPlan, "-f", "xml")
	assert.Error(t, err)
}

func TestPlanCmd_Overrides(t *testing.T) {
	out, err := execute(t, "plan", "-c", testPlan, "--set", "job.worker_num=3", "--set", "job.mode=distributed")
	require.NoError(t, err)
	assert.Contains(t, out, "deployer@node-c 'cd rpscc_deploy/src/channel; python3 linear_regression.py distributed'")

	_, err = execute(t, "plan", "-c", testPlan, "--set", "job.worker_num")
	assert.Error(t, err)
}

func TestPlanCmd_InvalidPlan(t *testing.T) {
	_, err := execute(t, "plan", "-c", testPlan, "--set", "job.worker_num=4")
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Contains(t, err.Error(), "exceeds agent list length 3")

	_, err = execute(t, "plan")
	assert.Error(t, err)
}

func TestDeployCmd_DryRun(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "run.json")

	out, err := execute(t, "deploy", "-c", testPlan, "--dry-run", "--report", reportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "dry-run")
	assert.Contains(t, out, "状态: running")

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	node, err := sonic.Get(data, "state")
	require.NoError(t, err)
	state, err := node.String()
	require.NoError(t, err)
	assert.Equal(t, "running", state)

	node, err = sonic.Get(data, "summary", "phases")
	require.NoError(t, err)
	phases, err := node.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(7), phases)

	// dry-run 不写分片文件
	_, statErr := os.Stat(filepath.Join("testdata", "YearPredictionMSD.txt.train0"))
	assert.True(t, os.IsNotExist(statErr))
}

// localToolArgs 用本地命令替代 ssh/scp/rsync，使整个流程在本机 shell 中执行
func localToolArgs(t *testing.T, loginTool string) []string {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "YearPredictionMSD.txt.train"), []byte("a\nb\nc\n"), 0644))
	return []string{
		"--set", "cluster.login_tool=" + loginTool,
		"--set", "cluster.copy_tool=true",
		"--set", "cluster.sync_tool=true",
		"--set", "files.local_root=" + root,
	}
}

func TestDeployCmd_LocalShell(t *testing.T) {
	skipOnWindows(t)
	args := append([]string{"deploy", "-c", testPlan, "-q"}, localToolArgs(t, "echo")...)

	_, err := execute(t, args...)
	require.NoError(t, err)
}

func TestDeployCmd_FailuresReported(t *testing.T) {
	skipOnWindows(t)
	args := append([]string{"deploy", "-c", testPlan, "-q"}, localToolArgs(t, "false")...)

	_, err := execute(t, args...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "部署存在失败")
	assert.Contains(t, err.Error(), "phase cleanup")
	assert.Contains(t, err.Error(), "phase workers")
}

func TestDeployCmd_Strict(t *testing.T) {
	skipOnWindows(t)
	reportPath := filepath.Join(t.TempDir(), "run.json")
	args := append([]string{"deploy", "-c", testPlan, "-q", "--strict", "--report", reportPath}, localToolArgs(t, "false")...)

	_, err := execute(t, args...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup")

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	node, err := sonic.Get(data, "failed_phase")
	require.NoError(t, err)
	phase, err := node.String()
	require.NoError(t, err)
	assert.Equal(t, "cleanup", phase)
}

func TestStopCmd(t *testing.T) {
	out, err := execute(t, "stop", "-c", testPlan, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "node-a")
	assert.Contains(t, out, "succeeded")
	assert.Equal(t, 3, strings.Count(out, "succeeded"))
}

func TestPartitionCmd(t *testing.T) {
	source := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(source, []byte("1\n2\n3\n4\n5\n"), 0644))

	out, err := execute(t, "partition", source, "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "共 5 行, 2 个分片")

	data, err := os.ReadFile(source + "1")
	require.NoError(t, err)
	assert.Equal(t, "2\n4\n", string(data))

	_, err = execute(t, "partition", source)
	assert.Error(t, err)

	_, err = execute(t, "partition", source+".missing", "-n", "2")
	assert.Error(t, err)
}
