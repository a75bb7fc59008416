package pipeline

import "path/filepath"

// StageRequest is what the sequencer hands to a stage action. Input is the
// artifact named by Stage.Input, nil for the first stage. WorkDir is a
// directory private to the run that the action may write into.
type StageRequest struct {
	Pipeline Definition
	RunID    string
	Trigger  Trigger
	Stage    StageSpec
	Input    *Artifact
	WorkDir  string
}

// Revision returns the revision the run builds: the input artifact's when
// known, otherwise the trigger's.
func (r StageRequest) Revision() string {
	if r.Input != nil && r.Input.Revision != "" {
		return r.Input.Revision
	}
	return r.Trigger.Revision
}

// SourceDir is where the Source stage checks the revision out. It lives in
// the run's workspace and is gone once the run ends.
func (r StageRequest) SourceDir() string {
	return filepath.Join(r.WorkDir, "source")
}

// SourceRef names a commit durably, as <repository URL>#<revision>. It is
// the payload reference of a source artifact.
func SourceRef(repositoryURL, revision string) string {
	return repositoryURL + "#" + revision
}

// Branch returns the trigger branch, falling back to the pipeline's branch.
func (r StageRequest) Branch() string {
	if r.Trigger.Branch != "" {
		return r.Trigger.Branch
	}
	return r.Pipeline.Source.Branch
}
