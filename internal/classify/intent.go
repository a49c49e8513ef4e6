package classify

// Kinds of intent.
const (
	KindQuickQuery    = "quick_query"
	KindTaskExecution = "task_execution"
)

// Where a decision came from.
const (
	SourceTrigger  = "trigger"
	SourceRepo     = "repo"
	SourceAction   = "action"
	SourceModel    = "model"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// Intent is the outcome of classification. It is either a QuickQuery or a
// TaskExecution.
type Intent interface {
	Kind() string
	intent()
}

// QuickQuery is answered directly by the model from session history.
type QuickQuery struct {
	Source string
}

func (QuickQuery) Kind() string { return KindQuickQuery }
func (QuickQuery) intent()      {}

// TaskExecution runs the agent in a container.
type TaskExecution struct {
	Source string
	// Prompt is the message with any explicit trigger removed.
	Prompt string
	// RepoRef is the first repository URL found in the message, if any.
	RepoRef string
}

func (TaskExecution) Kind() string { return KindTaskExecution }
func (TaskExecution) intent()      {}

// SourceOf returns how intent was decided.
func SourceOf(intent Intent) string {
	switch v := intent.(type) {
	case QuickQuery:
		return v.Source
	case TaskExecution:
		return v.Source
	default:
		return ""
	}
}
