package types

import "time"

// TaskState 任务生命周期状态
type TaskState string

const (
	// TaskStateCreated 任务已创建，尚未启动
	TaskStateCreated TaskState = "created"
	// TaskStateStarted 任务已启动
	TaskStateStarted TaskState = "started"
	// TaskStateSucceeded 任务成功结束
	TaskStateSucceeded TaskState = "succeeded"
	// TaskStateFailed 任务失败结束
	TaskStateFailed TaskState = "failed"
)

// IsTerminal 判断状态是否为终态
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed
}

// TaskResult contains the outcome of one command execution.
// 推荐使用 NewTaskResult 创建，结束时调用 Succeed 或 Fail。
type TaskResult struct {
	Index     int           `json:"index"`
	Command   Command       `json:"command"`
	State     TaskState     `json:"state"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Error     error         `json:"-"`
	ErrorText string        `json:"error,omitempty"`
}

// NewTaskResult 创建一个处于 created 状态的结果
func NewTaskResult(index int, cmd Command) *TaskResult {
	return &TaskResult{
		Index:   index,
		Command: cmd,
		State:   TaskStateCreated,
	}
}

// Start 标记任务已启动
func (r *TaskResult) Start() {
	r.State = TaskStateStarted
	r.StartTime = time.Now()
}

// Succeed 标记任务成功
func (r *TaskResult) Succeed() {
	r.State = TaskStateSucceeded
	r.finish()
}

// Fail 标记任务失败
func (r *TaskResult) Fail(err error) {
	r.State = TaskStateFailed
	r.Error = err
	if err != nil {
		r.ErrorText = err.Error()
	}
	r.finish()
}

func (r *TaskResult) finish() {
	r.EndTime = time.Now()
	if !r.StartTime.IsZero() {
		r.Duration = r.EndTime.Sub(r.StartTime)
	}
}

// IsSuccess 判断任务是否成功
func (r *TaskResult) IsSuccess() bool {
	return r.State == TaskStateSucceeded
}
