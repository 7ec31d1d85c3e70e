package workerpool

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/poppobuilder/poppod/internal/taskqueue"
)

// Executor runs one task against the external AI command-line tool and reports
// its outcome. The production implementation shells out to a configured
// executable; tests substitute a fake.
type Executor interface {
	Run(ctx context.Context, projectDir string, t taskqueue.Task) (ExecResult, error)
}

// CommandExecutor invokes an external executable once per task, resolving the
// project's environment from a .env file when present.
type CommandExecutor struct {
	Command string
	Args    []string
}

// NewCommandExecutor constructs an Executor that shells out to command.
func NewCommandExecutor(command string, args ...string) *CommandExecutor {
	return &CommandExecutor{Command: command, Args: args}
}

func (e *CommandExecutor) Run(ctx context.Context, projectDir string, t taskqueue.Task) (ExecResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = projectDir

	env, _ := godotenv.Read(projectDir + "/.env")
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	result := ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: float64(duration.Milliseconds()),
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if runErr == nil {
		result.ExitCode = 0
	} else {
		result.ExitCode = -1
	}

	if sig := parseUsageLimit(result.Stdout + result.Stderr); sig != nil {
		result.RateLimitInfo = sig
	}

	return result, nil
}

var usageLimitPattern = regexp.MustCompile(`usage limit reached\|(\d+)`)

// parseUsageLimit recognizes the "usage limit reached|<unlockEpoch>" pattern
// from combined executor output.
func parseUsageLimit(output string) *RateLimitSignal {
	m := usageLimitPattern.FindStringSubmatch(output)
	if m == nil {
		return nil
	}
	epoch, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return &RateLimitSignal{UnlockAt: time.Unix(epoch, 0).UTC()}
}

var invalidKeyPattern = regexp.MustCompile(`Invalid API key`)

// classify maps a raw ExecResult into the failure taxonomy (§7), used by the
// pool to decide retry vs surface vs fatal.
func classify(result ExecResult, timedOut bool) FailureClass {
	if timedOut {
		return ClassTimeout
	}
	if result.RateLimitInfo != nil {
		return ClassRateLimit
	}
	combined := result.Stdout + result.Stderr
	if invalidKeyPattern.MatchString(combined) {
		return ClassSessionInv
	}
	if result.ExitCode == 0 {
		return ClassSuccess
	}
	if transientPattern.MatchString(combined) {
		return ClassTransient
	}
	return ClassPermanent
}

var transientPattern = regexp.MustCompile(`(?i)timeout|temporarily unavailable|connection reset|ECONNRESET|rate limit exceeded`)
