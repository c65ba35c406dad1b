package lens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// SubprocessClusterer delegates clustering to an external process across
// an explicit serialization boundary: the request is written as JSON to
// stdin and the partition is read as JSON from stdout. No native objects
// cross the boundary.
type SubprocessClusterer struct {
	// Command is the program and its arguments.
	Command []string
	// Dir optionally overrides the working directory.
	Dir string
}

func (s *SubprocessClusterer) Cluster(ctx context.Context, req ClusterRequest) (*ClusterResponse, error) {
	if len(s.Command) == 0 {
		return nil, &ClusteringError{Cause: errors.New("no collaborator command configured")}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &ClusteringError{Cause: fmt.Errorf("encode request: %w", err)}
	}

	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	stderr := newLockedBuffer()
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		clusterErr := &ClusteringError{
			Stderr: stderr.String(),
			Cause:  err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			clusterErr.ExitCode = exitErr.ExitCode()
		}
		return nil, clusterErr
	}

	var resp ClusterResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, &ClusteringError{
			Stderr: stderr.String(),
			Cause:  fmt.Errorf("decode collaborator response: %w", err),
		}
	}
	return &resp, nil
}
