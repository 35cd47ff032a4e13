package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/get2knowio/maverick-sub001/internal/utils"
)

// defaultShellTimeout bounds shell actions that declare no timeout. The
// engine itself never cancels in-flight work, so timeouts are enforced here
// at the action layer.
const defaultShellTimeout = 5 * time.Minute

// RegisterBuiltins adds the built-in actions usable from documents without
// any host code: echo, fail, sleep, shell, read_file, write_file.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Action{
		"echo":       echoAction,
		"fail":       failAction,
		"sleep":      sleepAction,
		"shell":      shellAction,
		"read_file":  readFileAction,
		"write_file": writeFileAction,
	}
	for name, action := range builtins {
		if err := r.RegisterAction(name, action); err != nil {
			return err
		}
	}
	return nil
}

// echoAction returns its message argument, or the whole kwargs map when no
// message is given.
func echoAction(_ context.Context, kwargs map[string]interface{}) (interface{}, error) {
	if msg, ok := kwargs["message"]; ok {
		return msg, nil
	}
	return kwargs, nil
}

func failAction(_ context.Context, kwargs map[string]interface{}) (interface{}, error) {
	msg := utils.SafeString(kwargs["message"])
	if msg == "" {
		msg = "fail action invoked"
	}
	return nil, fmt.Errorf("%s", msg)
}

func sleepAction(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
	seconds := utils.SafeInt(kwargs["seconds"])
	if seconds < 0 {
		return nil, fmt.Errorf("sleep: seconds must be >= 0, got %d", seconds)
	}
	select {
	case <-time.After(time.Duration(seconds) * time.Second):
		return map[string]interface{}{"slept_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shellAction(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
	command := utils.SafeString(kwargs["command"])
	if command == "" {
		return nil, fmt.Errorf("shell: command is required")
	}

	timeout := defaultShellTimeout
	if secs := utils.SafeInt(kwargs["timeout"]); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug().Str("command", command).Dur("timeout", timeout).Msg("Running shell action")

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if dir := utils.SafeString(kwargs["working_dir"]); dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	trimmed := strings.TrimRight(string(output), "\n")
	if err != nil {
		return nil, fmt.Errorf("shell: command failed: %w (output: %s)", err, trimmed)
	}
	return map[string]interface{}{
		"output":    trimmed,
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}

func readFileAction(_ context.Context, kwargs map[string]interface{}) (interface{}, error) {
	path := utils.SafeString(kwargs["path"])
	if path == "" {
		return nil, fmt.Errorf("read_file: path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	return string(data), nil
}

func writeFileAction(_ context.Context, kwargs map[string]interface{}) (interface{}, error) {
	path := utils.SafeString(kwargs["path"])
	if path == "" {
		return nil, fmt.Errorf("write_file: path is required")
	}
	content := utils.SafeString(kwargs["content"])
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	return map[string]interface{}{"path": path, "bytes": len(content)}, nil
}
