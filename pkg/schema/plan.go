package schema

// Plan is the serializable, already-leveled job plan format. The front-end
// compiler that resolves the dependency graph into levels is an external
// collaborator; kiln consumes its output and never reorders it.
type Plan struct {
	Name      string            `json:"name,omitempty" yaml:"name,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`             // workflow-level defaults
	EnvFile   string            `json:"env_file,omitempty" yaml:"env_file,omitempty"`   // optional dotenv file merged into Env
	Providers []ProviderSpec    `json:"providers,omitempty" yaml:"providers,omitempty"` // environment providers, declaration order
	Levels    []Level           `json:"levels" yaml:"levels"`
}

// Level is a set of mutually independent jobs executed concurrently.
// Levels run strictly in sequence.
type Level struct {
	Jobs []JobSpec `json:"jobs" yaml:"jobs"`
}

// JobSpec describes one named unit of work within a level.
type JobSpec struct {
	Name            string            `json:"name" yaml:"name"`
	Condition       string            `json:"condition,omitempty" yaml:"condition,omitempty"` // default: success()
	ContinueOnError bool              `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Executor        ExecutorSpec      `json:"executor,omitempty" yaml:"executor,omitempty"`
	Actions         []ActionSpec      `json:"actions" yaml:"actions"`
	Inputs          []ArtifactInput   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs         []ArtifactOutput  `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// ExecutorSpec selects the execution backend for a job.
// Kind "local" (default) runs on the host; "container" runs inside a
// container keyed by (image, alias).
type ExecutorSpec struct {
	Kind  string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Image string `json:"image,omitempty" yaml:"image,omitempty"`
	Alias string `json:"alias,omitempty" yaml:"alias,omitempty"`
}

// ActionSpec describes one external command execution within a job.
type ActionSpec struct {
	Name      string            `json:"name" yaml:"name"`
	Command   string            `json:"command" yaml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Condition string            `json:"condition,omitempty" yaml:"condition,omitempty"` // default: success()
	Retry     *RetryPolicy      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// RetryPolicy configures retry behavior for an action.
// MaxAttempts defaults to 1 (no retry).
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	Backoff     string `json:"backoff,omitempty" yaml:"backoff,omitempty"`     // constant | linear | exponential
	MinDelay    string `json:"min_delay,omitempty" yaml:"min_delay,omitempty"` // e.g. "1s", "500ms"
	MaxDelay    string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Backoff kinds accepted by RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// ArtifactInput declares a named artifact restored into the job workspace
// before any action runs.
type ArtifactInput struct {
	Name string `json:"name" yaml:"name"`
}

// ArtifactOutput declares a named artifact saved from a workspace-relative
// path after the job's actions finish.
type ArtifactOutput struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// ProviderSpec describes an external process whose stdout KEY=VALUE lines are
// merged into the environment. A provider exiting non-zero aborts the run.
type ProviderSpec struct {
	Name    string   `json:"name" yaml:"name"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}
