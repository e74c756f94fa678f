package plan

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"yqhp/deployer/internal/config"
	"yqhp/deployer/internal/partition"
	"yqhp/deployer/pkg/types"
)

// AgentSlot pairs an agent node with the network interface it binds.
type AgentSlot struct {
	Node      string `json:"node" yaml:"node"`
	Interface string `json:"interface" yaml:"interface"`
}

// Stage is one phase together with its rendered commands and the settle
// duration observed after it.
type Stage struct {
	Phase    types.Phase     `json:"phase" yaml:"phase"`
	Commands []types.Command `json:"commands" yaml:"commands"`
	Settle   time.Duration   `json:"settle,omitempty" yaml:"settle,omitempty"`
}

// Plan is the immutable deployment plan built once from a validated
// configuration. Accessors return copies.
type Plan struct {
	cfg        *config.Config
	render     *Renderer
	nodes      []string
	agents     []AgentSlot
	workers    []string
	masterAddr string
}

// New validates cfg and builds a Plan from a private copy of it.
func New(cfg *config.Config) (*Plan, error) {
	if cfg == nil {
		return nil, &config.ConfigError{Field: "config", Message: "configuration is required"}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	c, err := cfg.Clone()
	if err != nil {
		return nil, err
	}
	w := c.Job.WorkerNum

	agents := make([]AgentSlot, 0, w)
	for i, node := range Truncate(c.Cluster.Agents, w) {
		agents = append(agents, AgentSlot{Node: node, Interface: c.Cluster.Interfaces[i]})
	}

	return &Plan{
		cfg: c,
		render: &Renderer{
			user:       c.Cluster.User,
			loginTool:  c.Cluster.LoginTool,
			loginFlags: c.Cluster.LoginFlags,
			copyTool:   c.Cluster.CopyTool,
			copyFlags:  c.Cluster.CopyFlags,
			syncTool:   c.Cluster.SyncTool,
			syncFlags:  c.Cluster.SyncFlags,
		},
		nodes:      append([]string(nil), c.Cluster.Nodes...),
		agents:     agents,
		workers:    Truncate(c.WorkerNodes(), w),
		masterAddr: c.MasterAddr(),
	}, nil
}

// Truncate returns a copy of the first n entries of list, in order and
// without deduplication. n larger than the list keeps every entry.
func Truncate[T any](list []T, n int) []T {
	if n < 0 {
		n = 0
	}
	if n > len(list) {
		n = len(list)
	}
	out := make([]T, n)
	copy(out, list[:n])
	return out
}

// Config returns a copy of the configuration the plan was built from.
func (p *Plan) Config() *config.Config {
	return p.cfg.MustClone()
}

// WorkerNum returns the number of compute slots.
func (p *Plan) WorkerNum() int {
	return p.cfg.Job.WorkerNum
}

// Strict reports whether a failing phase stops the run.
func (p *Plan) Strict() bool {
	return p.cfg.Runtime.Strict
}

// MaxParallel returns the batch concurrency cap, 0 meaning unlimited.
func (p *Plan) MaxParallel() int {
	return p.cfg.Runtime.MaxParallel
}

// Nodes returns the full node list used by cleanup and artifact distribution.
func (p *Plan) Nodes() []string {
	return append([]string(nil), p.nodes...)
}

// Agents returns the first worker_num agent slots.
func (p *Plan) Agents() []AgentSlot {
	return append([]AgentSlot(nil), p.agents...)
}

// Workers returns the first worker_num worker nodes.
func (p *Plan) Workers() []string {
	return append([]string(nil), p.workers...)
}

// MasterAddr returns the master host:port handed to every role.
func (p *Plan) MasterAddr() string {
	return p.masterAddr
}

// TrainSource returns the local path of the training file to partition.
func (p *Plan) TrainSource() string {
	return filepath.Join(p.cfg.Files.LocalRoot, p.cfg.Files.TrainFile)
}

// Settle returns the settle duration observed after phase.
func (p *Plan) Settle(phase types.Phase) time.Duration {
	switch phase {
	case types.PhaseMaster:
		return p.cfg.Timing.MasterSettle
	case types.PhaseServer:
		return p.cfg.Timing.ServerSettle
	case types.PhaseAgents:
		return p.cfg.Timing.AgentSettle
	default:
		return 0
	}
}

// Commands renders the commands of one phase.
func (p *Plan) Commands(phase types.Phase) []types.Command {
	switch phase {
	case types.PhaseCleanup:
		return p.CleanupCommands()
	case types.PhaseArtifacts:
		return p.ArtifactCommands()
	case types.PhaseData:
		return p.DataCommands()
	case types.PhaseMaster:
		return []types.Command{p.MasterCommand()}
	case types.PhaseServer:
		return []types.Command{p.ServerCommand()}
	case types.PhaseAgents:
		return p.AgentCommands()
	case types.PhaseWorkers:
		return p.WorkerCommands()
	default:
		return nil
	}
}

// Stages renders every phase in execution order.
func (p *Plan) Stages() []Stage {
	stages := make([]Stage, 0, len(types.Phases))
	for _, phase := range types.Phases {
		stages = append(stages, Stage{
			Phase:    phase,
			Commands: p.Commands(phase),
			Settle:   p.Settle(phase),
		})
	}
	return stages
}

// CleanupCommands renders the kill-all invocation for every node, in list
// order, duplicates kept.
func (p *Plan) CleanupCommands() []types.Command {
	dir, script := p.remoteSplit(p.cfg.Files.KillScript)
	remote := fmt.Sprintf("cd %s/; python3 %s", dir, script)

	cmds := make([]types.Command, 0, len(p.nodes))
	for _, node := range p.nodes {
		cmds = append(cmds, types.Command{
			Phase: types.PhaseCleanup,
			Node:  node,
			Line:  p.render.Remote(node, remote),
		})
	}
	return cmds
}

// ArtifactCommands renders the copies of the kill script and the worker
// program to every node.
func (p *Plan) ArtifactCommands() []types.Command {
	files := []string{p.cfg.Files.KillScript, p.cfg.Files.WorkerProgram}

	cmds := make([]types.Command, 0, len(files)*len(p.nodes))
	for _, file := range files {
		local := filepath.Join(p.cfg.Files.LocalRoot, file)
		dir, _ := p.remoteSplit(file)
		for _, node := range p.nodes {
			cmds = append(cmds, types.Command{
				Phase: types.PhaseArtifacts,
				Node:  node,
				Line:  p.render.Copy(local, node, dir+"/"),
			})
		}
	}
	return cmds
}

// DataCommands renders the shard copies (shard i to worker i, renamed to the
// training file name) followed by the evaluation file copies.
func (p *Plan) DataCommands() []types.Command {
	train := path.Join(p.cfg.Cluster.DeployDir, path.Base(filepath.ToSlash(p.cfg.Files.TrainFile)))
	evalLocal := filepath.Join(p.cfg.Files.LocalRoot, p.cfg.Files.EvalFile)
	eval := path.Join(p.cfg.Cluster.DeployDir, path.Base(filepath.ToSlash(p.cfg.Files.EvalFile)))

	cmds := make([]types.Command, 0, 2*len(p.workers))
	for i, node := range p.workers {
		cmds = append(cmds, types.Command{
			Phase: types.PhaseData,
			Node:  node,
			Line:  p.render.Sync(partition.ShardPath(p.TrainSource(), i), node, train),
		})
	}
	for _, node := range p.workers {
		cmds = append(cmds, types.Command{
			Phase: types.PhaseData,
			Node:  node,
			Line:  p.render.Sync(evalLocal, node, eval),
		})
	}
	return cmds
}

// MasterCommand renders the master start on the master node.
func (p *Plan) MasterCommand() types.Command {
	job := p.cfg.Job
	remote := fmt.Sprintf("cd %s; ./master_main --worker_num=%d --server_num=%d --listen_port=%d --master_ip_port=%s --key_range=%d --bound=%d",
		p.buildDir("master"), job.WorkerNum, job.ServerNum, job.ListenPort, p.masterAddr, job.KeyRange, job.Bound)

	node := p.cfg.Cluster.Master.Address
	return types.Command{
		Phase: types.PhaseMaster,
		Role:  types.RoleMaster,
		Node:  node,
		Line:  p.render.Remote(node, remote),
	}
}

// ServerCommand renders the server start on the server node.
func (p *Plan) ServerCommand() types.Command {
	server := p.cfg.Cluster.Server
	remote := fmt.Sprintf("cd %s; ./server_main --master_ip_port=%s --net_interface=%s --server_port=%d",
		p.buildDir("server"), p.masterAddr, server.Interface, p.cfg.Job.ServerPort)

	return types.Command{
		Phase: types.PhaseServer,
		Role:  types.RoleServer,
		Node:  server.Address,
		Line:  p.render.Remote(server.Address, remote),
	}
}

// AgentCommands renders one agent start per agent slot.
func (p *Plan) AgentCommands() []types.Command {
	cmds := make([]types.Command, 0, len(p.agents))
	for _, slot := range p.agents {
		remote := fmt.Sprintf("cd %s; ./agent_main --net_interface=%s --listen_port=%d --master_ip_port=%s",
			p.buildDir("agent"), slot.Interface, p.cfg.Job.AgentPort, p.masterAddr)
		cmds = append(cmds, types.Command{
			Phase: types.PhaseAgents,
			Role:  types.RoleAgent,
			Node:  slot.Node,
			Line:  p.render.Remote(slot.Node, remote),
		})
	}
	return cmds
}

// WorkerCommands renders one worker start per worker node.
func (p *Plan) WorkerCommands() []types.Command {
	dir, program := p.remoteSplit(p.cfg.Files.WorkerProgram)
	remote := fmt.Sprintf("cd %s; python3 %s %s", dir, program, p.WorkerArg())

	cmds := make([]types.Command, 0, len(p.workers))
	for _, node := range p.workers {
		cmds = append(cmds, types.Command{
			Phase: types.PhaseWorkers,
			Role:  types.RoleWorker,
			Node:  node,
			Line:  p.render.Remote(node, remote),
		})
	}
	return cmds
}

// WorkerArg returns the positional argument passed to every worker.
func (p *Plan) WorkerArg() string {
	if p.cfg.Job.Mode == config.JobModeDistributed {
		return p.cfg.Job.DistributedToken
	}
	return strconv.Itoa(p.cfg.Job.WorkerNum)
}

// remoteSplit maps a file path relative to the local root onto the remote
// deploy directory, returning the remote directory and the file name.
func (p *Plan) remoteSplit(file string) (string, string) {
	file = strings.TrimPrefix(filepath.ToSlash(file), "/")
	dir, name := path.Split(file)
	return path.Join(p.cfg.Cluster.DeployDir, dir), name
}

func (p *Plan) buildDir(role string) string {
	return path.Join(p.cfg.Cluster.DeployDir, "build", "src", role)
}
