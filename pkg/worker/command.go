package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// maxStderr bounds how much stderr is copied into a failure message.
const maxStderr = 2000

// CommandHandler runs an external program per task. The resolved input is
// written to its stdin and its stdout becomes the step output. A non-zero
// exit fails the step with the tail of stderr.
type CommandHandler struct {
	Argv []string
	Dir  string
	Env  []string
}

var _ Handler = (*CommandHandler)(nil)

func (h *CommandHandler) Handle(ctx context.Context, task Task) (string, error) {
	if len(h.Argv) == 0 {
		return "", errors.New("command handler: empty command")
	}
	cmd := exec.CommandContext(ctx, h.Argv[0], h.Argv[1:]...)
	cmd.Dir = h.Dir
	cmd.Stdin = strings.NewReader(task.Input)
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Env = append(cmd.Env,
		"ANTFARM_AGENT_ID="+task.AgentID,
		"ANTFARM_RUN_ID="+task.RunID,
		"ANTFARM_STEP_ID="+task.StepID,
		"ANTFARM_STORY_ID="+task.StoryID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = "..." + msg[len(msg)-maxStderr:]
		}
		if msg == "" {
			return "", fmt.Errorf("%s: %w", h.Argv[0], err)
		}
		return "", fmt.Errorf("%s: %w: %s", h.Argv[0], err, msg)
	}
	return stdout.String(), nil
}
