package docker

import (
	"errors"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"
)

// Daemon failures the platform reacts to. A *CallError matches at most one.
var (
	ErrDaemonUnreachable = errors.New("docker daemon unreachable")
	ErrContainerNotFound = errors.New("container not found")
	ErrContainerExists   = errors.New("container name in use")
	ErrNetworkNotFound   = errors.New("network not found")
	ErrNetworkExists     = errors.New("network name in use")
	ErrNetworkInUse      = errors.New("network has active endpoints")
	ErrImageNotFound     = errors.New("image not found")
	ErrImagePull         = errors.New("image pull failed")
	ErrPortAllocated     = errors.New("host port already allocated")
)

// object is the kind of daemon object a call addresses.
type object int

const (
	daemonObject object = iota
	containerObject
	networkObject
	imageObject
)

// CallError is a failed daemon API call.
type CallError struct {
	Call   string // daemon endpoint, e.g. ContainerCreate
	Object string // name or ID the call addressed
	Kind   error  // classification, nil when the failure is not one we react to
	Err    error  // what the daemon or SDK returned
}

func (e *CallError) Error() string {
	msg := "docker " + e.Call
	if e.Object != "" {
		msg += " " + e.Object
	}
	switch {
	case e.Err != nil:
		return msg + ": " + e.Err.Error()
	case e.Kind != nil:
		return msg + ": " + e.Kind.Error()
	}
	return msg + " failed"
}

func (e *CallError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// callError wraps err from call and classifies it for the object kind.
func callError(call, name string, obj object, err error) *CallError {
	return &CallError{Call: call, Object: name, Kind: classify(obj, err), Err: err}
}

func classify(obj object, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case client.IsErrConnectionFailed(err):
		return ErrDaemonUnreachable
	case strings.Contains(msg, "port is already allocated"):
		return ErrPortAllocated
	}

	switch obj {
	case containerObject:
		if cerrdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		if cerrdefs.IsConflict(err) || strings.Contains(msg, "Conflict") {
			return ErrContainerExists
		}
	case networkObject:
		if cerrdefs.IsNotFound(err) {
			return ErrNetworkNotFound
		}
		if strings.Contains(msg, "has active endpoints") {
			return ErrNetworkInUse
		}
		if cerrdefs.IsConflict(err) || strings.Contains(msg, "already exists") {
			return ErrNetworkExists
		}
	case imageObject:
		if cerrdefs.IsNotFound(err) ||
			strings.Contains(msg, "manifest unknown") ||
			strings.Contains(msg, "repository does not exist") ||
			strings.Contains(msg, "pull access denied") {
			return ErrImageNotFound
		}
		return ErrImagePull
	}
	return nil
}
