package azuredevops

import (
	"strings"
	"time"
)

// Config holds the connection settings for one Azure DevOps organization.
type Config struct {
	PAT          string        `yaml:"pat"`          // Personal Access Token
	Organization string        `yaml:"organization"` // Azure DevOps org name
	BaseURL      string        `yaml:"base_url"`     // Default: https://dev.azure.com
	Timeout      time.Duration `yaml:"timeout"`      // Per-request timeout (default 30s)
	MaxRetries   int           `yaml:"max_retries"`  // Transport retries for 429/5xx (default 3)
}

// DefaultConfig returns connection defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    defaultBaseURL,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// Pull request states
const (
	PRStateActive    = "active"
	PRStateCompleted = "completed"
	PRStateAbandoned = "abandoned"
)

// Merge statuses as reported by the asynchronous merge evaluation.
const (
	MergeStatusNotSet           = "notSet"
	MergeStatusQueued           = "queued"
	MergeStatusSucceeded        = "succeeded"
	MergeStatusConflicts        = "conflicts"
	MergeStatusFailure          = "failure"
	MergeStatusRejectedByPolicy = "rejectedByPolicy"
)

const refsHeadsPrefix = "refs/heads/"

// PullRequest is the subset of the Azure DevOps pull request resource the
// seeder reads.
type PullRequest struct {
	PullRequestID         int           `json:"pullRequestId"`
	Title                 string        `json:"title"`
	Description           string        `json:"description"`
	Status                string        `json:"status"` // active, completed, abandoned
	SourceRefName         string        `json:"sourceRefName"`
	TargetRefName         string        `json:"targetRefName"`
	MergeStatus           string        `json:"mergeStatus"`
	IsDraft               bool          `json:"isDraft"`
	CreationDate          time.Time     `json:"creationDate"`
	ClosedDate            time.Time     `json:"closedDate,omitempty"`
	URL                   string        `json:"url"`
	Repository            *GitRepo      `json:"repository,omitempty"`
	CreatedBy             *Identity     `json:"createdBy,omitempty"`
	MergeID               string        `json:"mergeId,omitempty"`
	LastMergeSourceCommit *GitCommitRef `json:"lastMergeSourceCommit,omitempty"`
	LastMergeTargetCommit *GitCommitRef `json:"lastMergeTargetCommit,omitempty"`
	LastMergeCommit       *GitCommitRef `json:"lastMergeCommit,omitempty"`
}

// SourceBranch returns the source ref without the refs/heads/ prefix.
// Path separators in branch names are preserved.
func (pr *PullRequest) SourceBranch() string {
	return BranchName(pr.SourceRefName)
}

// TargetBranch returns the target ref without the refs/heads/ prefix.
func (pr *PullRequest) TargetBranch() string {
	return BranchName(pr.TargetRefName)
}

// MergeCommitID returns the commit the completion call must reference: the
// source commit the last merge evaluation was computed against. Empty when the
// evaluation has not produced one yet.
func (pr *PullRequest) MergeCommitID() string {
	if pr.LastMergeSourceCommit == nil {
		return ""
	}
	return pr.LastMergeSourceCommit.CommitID
}

// BranchName strips refs/heads/ from a ref name.
func BranchName(ref string) string {
	return strings.TrimPrefix(ref, refsHeadsPrefix)
}

// RefName adds refs/heads/ to a branch name unless it is already a full ref.
func RefName(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return refsHeadsPrefix + branch
}

type GitRepo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	URL           string   `json:"url"`
	RemoteURL     string   `json:"remoteUrl"`
	DefaultBranch string   `json:"defaultBranch"`
	Project       *Project `json:"project,omitempty"`
}

// ProjectName returns the owning project's name, or "" if unknown.
func (r *GitRepo) ProjectName() string {
	if r.Project == nil {
		return ""
	}
	return r.Project.Name
}

// FullName returns "project/repository".
func (r *GitRepo) FullName() string {
	return r.ProjectName() + "/" + r.Name
}

// Ref returns the identifier used in API paths: the id when known, else the name.
func (r *GitRepo) Ref() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

// DefaultBranchName returns the default branch without refs/heads/, falling
// back to "main" for repositories that report none.
func (r *GitRepo) DefaultBranchName() string {
	if r.DefaultBranch == "" {
		return "main"
	}
	return BranchName(r.DefaultBranch)
}

type Project struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	State string `json:"state"`
}

type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

type GitCommitRef struct {
	CommitID string `json:"commitId"`
	URL      string `json:"url,omitempty"`
}

// PullRequestInput describes a pull request to create.
type PullRequestInput struct {
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	SourceRefName string `json:"sourceRefName"` // branch name or refs/heads/...
	TargetRefName string `json:"targetRefName"`
	IsDraft       bool   `json:"isDraft,omitempty"`
}

// CompletionOptions are sent with a completion request.
type CompletionOptions struct {
	BypassPolicy        bool   `json:"bypassPolicy"`
	BypassReason        string `json:"bypassReason,omitempty"`
	DeleteSourceBranch  bool   `json:"deleteSourceBranch"`
	MergeCommitMessage  string `json:"mergeCommitMessage,omitempty"`
	MergeStrategy       string `json:"mergeStrategy,omitempty"` // noFastForward, squash, rebase, rebaseMerge
	TransitionWorkItems bool   `json:"transitionWorkItems"`
}
