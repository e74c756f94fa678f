// Package report renders a deployment run as a JSON document.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"yqhp/deployer/internal/sequencer"
	"yqhp/deployer/pkg/types"
)

// Report is the JSON document written after a run.
type Report struct {
	RunID       string        `json:"run_id"`
	State       string        `json:"state"`
	FailedPhase string        `json:"failed_phase,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	DurationMs  int64         `json:"duration_ms"`
	Summary     Summary       `json:"summary"`
	Phases      []PhaseRecord `json:"phases"`
}

// Summary counts tasks across every phase.
type Summary struct {
	Phases       int `json:"phases"`
	FailedPhases int `json:"failed_phases"`
	Tasks        int `json:"tasks"`
	FailedTasks  int `json:"failed_tasks"`
}

// PhaseRecord is one phase of the run.
type PhaseRecord struct {
	Phase      string       `json:"phase"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
	Shards     []ShardInfo  `json:"shards,omitempty"`
	Tasks      []TaskRecord `json:"tasks"`
}

// ShardInfo describes one data shard produced by the data phase.
type ShardInfo struct {
	Path  string `json:"path"`
	Lines int    `json:"lines"`
}

// TaskRecord is one command of a phase.
type TaskRecord struct {
	Index      int    `json:"index"`
	Node       string `json:"node"`
	Role       string `json:"role,omitempty"`
	Command    string `json:"command"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Build converts a deployment into a report.
func Build(dep *sequencer.Deployment) *Report {
	r := &Report{
		RunID:       dep.RunID,
		State:       string(dep.State),
		FailedPhase: string(dep.FailedPhase),
		StartTime:   dep.StartTime,
		EndTime:     dep.EndTime,
		DurationMs:  dep.EndTime.Sub(dep.StartTime).Milliseconds(),
		Phases:      make([]PhaseRecord, 0, len(dep.Phases)),
	}

	for _, p := range dep.Phases {
		rec := PhaseRecord{
			Phase:      string(p.Phase),
			StartTime:  p.StartTime,
			EndTime:    p.EndTime,
			DurationMs: p.EndTime.Sub(p.StartTime).Milliseconds(),
			Error:      p.ErrorText,
			Tasks:      make([]TaskRecord, 0, len(p.Tasks)),
		}
		if p.Partition != nil {
			for i, path := range p.Partition.Shards {
				info := ShardInfo{Path: path}
				if i < len(p.Partition.Lines) {
					info.Lines = p.Partition.Lines[i]
				}
				rec.Shards = append(rec.Shards, info)
			}
		}
		for _, t := range p.Tasks {
			rec.Tasks = append(rec.Tasks, taskRecord(t))
			if t.State == types.TaskStateFailed {
				r.Summary.FailedTasks++
			}
		}
		r.Summary.Tasks += len(p.Tasks)
		if p.Failed() {
			r.Summary.FailedPhases++
		}
		r.Phases = append(r.Phases, rec)
	}
	r.Summary.Phases = len(r.Phases)
	return r
}

func taskRecord(t *types.TaskResult) TaskRecord {
	return TaskRecord{
		Index:      t.Index,
		Node:       t.Command.Node,
		Role:       string(t.Command.Role),
		Command:    t.Command.Line,
		Status:     string(t.State),
		ExitCode:   t.ExitCode,
		DurationMs: t.Duration.Milliseconds(),
		Error:      t.ErrorText,
	}
}

// Marshal 将报告序列化为格式化的 JSON
func Marshal(r *Report) ([]byte, error) {
	return sonic.MarshalIndent(r, "", "  ")
}

// WriteFile writes the report to path, creating parent directories.
func WriteFile(path string, r *Report) error {
	data, err := Marshal(r)
	if err != nil {
		return fmt.Errorf("序列化报告失败: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("写入报告失败: %w", err)
	}
	return nil
}
