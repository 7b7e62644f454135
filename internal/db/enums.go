package db

// SourceKind discriminates task source types.
type SourceKind string

const (
	SourceGitLabIssues SourceKind = "gitlab_issues"
	SourceGitHubIssues SourceKind = "github_issues"
	SourceJira         SourceKind = "jira"
	SourceManual       SourceKind = "manual"
)

// SyncStatus is the lifecycle of a task-source sync.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncQueued    SyncStatus = "queued"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// RemoteStatus mirrors the remote issue state.
type RemoteStatus string

const (
	RemoteOpened RemoteStatus = "opened"
	RemoteClosed RemoteStatus = "closed"
)

// EvalStatus is the shared state alphabet for evaluation and
// implementation phases.
type EvalStatus string

const (
	EvalNotStarted   EvalStatus = "not_started"
	EvalPending      EvalStatus = "pending"
	EvalQueued       EvalStatus = "queued"
	EvalEvaluating   EvalStatus = "evaluating"
	EvalImplementing EvalStatus = "implementing"
	EvalCompleted    EvalStatus = "completed"
	EvalFailed       EvalStatus = "failed"
	EvalCanceled     EvalStatus = "canceled"
)

// Verdict is the outcome of an evaluation.
type Verdict string

const (
	VerdictReady              Verdict = "ready"
	VerdictNeedsClarification Verdict = "needs_clarification"
)

// Runner identifies which phase a session drives.
type Runner string

const (
	RunnerEvaluation     Runner = "evaluation"
	RunnerImplementation Runner = "implementation"
)

// PipelineStatus is the internal CI status alphabet.
type PipelineStatus string

const (
	PipelinePending  PipelineStatus = "pending"
	PipelineRunning  PipelineStatus = "running"
	PipelineSuccess  PipelineStatus = "success"
	PipelineFailed   PipelineStatus = "failed"
	PipelineCanceled PipelineStatus = "canceled"
)

// Terminal reports whether a pipeline status will never change again.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineSuccess || s == PipelineFailed || s == PipelineCanceled
}

// ArtifactType discriminates pipeline artifact payloads.
type ArtifactType string

const (
	ArtifactMergeRequest       ArtifactType = "merge_request"
	ArtifactIssue              ArtifactType = "issue"
	ArtifactBranch             ArtifactType = "branch"
	ArtifactCommit             ArtifactType = "commit"
	ArtifactExecutionResult    ArtifactType = "execution_result"
	ArtifactText               ArtifactType = "text"
	ArtifactTaskEvaluation     ArtifactType = "task_evaluation"
	ArtifactTaskImplementation ArtifactType = "task_implementation"
)

// QuotaKind selects which quota counters an operation draws from.
type QuotaKind string

const (
	QuotaSimple   QuotaKind = "simple"
	QuotaAdvanced QuotaKind = "advanced"
)
