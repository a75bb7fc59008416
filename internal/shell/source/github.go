package source

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v72/github"

	"github.com/artpar/stackpipe/internal/core/pipeline"
)

var (
	// ErrIgnoredEvent marks deliveries that never start a run: pings, tag
	// pushes and branch deletions.
	ErrIgnoredEvent = errors.New("event does not trigger a run")

	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Push is a branch push parsed from a GitHub webhook delivery.
type Push struct {
	Repository string // owner/name
	CloneURL   string
	Trigger    pipeline.Trigger
}

// ParsePush verifies the X-Hub-Signature-256 header with secret and decodes
// a push event. An empty secret skips verification.
func ParsePush(r *http.Request, secret []byte) (Push, error) {
	payload, err := github.ValidatePayload(r, secret)
	if err != nil {
		return Push{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		return Push{}, fmt.Errorf("%w: %v", ErrIgnoredEvent, err)
	}

	push, ok := event.(*github.PushEvent)
	if !ok {
		return Push{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, github.WebHookType(r))
	}
	if push.GetDeleted() {
		return Push{}, fmt.Errorf("%w: branch deleted", ErrIgnoredEvent)
	}
	branch, ok := strings.CutPrefix(push.GetRef(), "refs/heads/")
	if !ok {
		return Push{}, fmt.Errorf("%w: ref %s", ErrIgnoredEvent, push.GetRef())
	}

	actor := push.GetSender().GetLogin()
	if actor == "" {
		actor = push.GetPusher().GetName()
	}
	return Push{
		Repository: push.GetRepo().GetFullName(),
		CloneURL:   push.GetRepo().GetCloneURL(),
		Trigger: pipeline.Trigger{
			Branch:   branch,
			Revision: push.GetAfter(),
			Source:   pipeline.TriggerWebhook,
			Actor:    actor,
		},
	}, nil
}

// Matches reports whether a push targets the pipeline's repository and
// branch. Repository names compare case-insensitively.
func (p Push) Matches(def pipeline.Definition) bool {
	if p.Trigger.Branch != def.Source.Branch {
		return false
	}
	repo := strings.TrimSuffix(def.Source.Repository, ".git")
	switch {
	case strings.EqualFold(repo, p.Repository):
		return true
	case p.CloneURL != "" && strings.EqualFold(RepositoryURL(def.Source.Repository), p.CloneURL):
		return true
	}
	return false
}
