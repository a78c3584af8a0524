// Package ffmpeg wraps the ffmpeg and ffprobe binaries behind small
// command-building, probing, and capability-detection helpers.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// maxStderrLines bounds the stderr tail kept per command. ffmpeg is chatty
// on broken streams and only the last lines matter for diagnosis.
const maxStderrLines = 100

// killDelay is how long a process gets to honor SIGTERM after its context
// is canceled before it is killed outright.
const killDelay = 10 * time.Second

// CommandBuilder assembles an ffmpeg argument list. Argument groups are
// emitted in the order ffmpeg expects: global flags, input flags, the
// input itself, filters, output flags, then the output path.
type CommandBuilder struct {
	binary     string
	hideBanner bool
	logLevel   string
	overwrite  bool
	globalArgs []string
	inputArgs  []string
	input      string
	filters    []string
	outputArgs []string
	output     string
	env        []string
}

// NewCommandBuilder creates a builder for the given ffmpeg binary path.
func NewCommandBuilder(binary string) *CommandBuilder {
	return &CommandBuilder{binary: binary}
}

// HideBanner suppresses the ffmpeg startup banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.hideBanner = true
	return b
}

// LogLevel sets the -loglevel flag.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// Overwrite adds -y so existing output files are replaced.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// GlobalArgs appends flags that precede all input options.
func (b *CommandBuilder) GlobalArgs(args ...string) *CommandBuilder {
	b.globalArgs = append(b.globalArgs, args...)
	return b
}

// InputArgs appends flags that apply to the next input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Headers adds an HTTP header block for network inputs. Keys are emitted
// in sorted order and every header, including the last, is terminated
// with CRLF as ffmpeg's -headers option requires.
func (b *CommandBuilder) Headers(headers map[string]string) *CommandBuilder {
	if len(headers) == 0 {
		return b
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(headers[k])
		sb.WriteString("\r\n")
	}
	return b.InputArgs("-headers", sb.String())
}

// Input sets the input URL or file path.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// VideoFilter appends a filter to the -vf chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filters = append(b.filters, filter)
	return b
}

// OutputArgs appends flags that apply to the output.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Duration limits the output to d, truncated to whole seconds.
func (b *CommandBuilder) Duration(d time.Duration) *CommandBuilder {
	return b.OutputArgs("-t", strconv.Itoa(int(d.Seconds())))
}

// Format forces the output container format.
func (b *CommandBuilder) Format(format string) *CommandBuilder {
	return b.OutputArgs("-f", format)
}

// Output sets the output file path.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Env appends extra environment variables (KEY=value) for the child process.
func (b *CommandBuilder) Env(vars ...string) *CommandBuilder {
	b.env = append(b.env, vars...)
	return b
}

// Build returns the assembled argument list.
func (b *CommandBuilder) Build() []string {
	var args []string
	if b.hideBanner {
		args = append(args, "-hide_banner")
	}
	if b.logLevel != "" {
		args = append(args, "-loglevel", b.logLevel)
	}
	args = append(args, b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}
	args = append(args, b.inputArgs...)
	if b.input != "" {
		args = append(args, "-i", b.input)
	}
	if len(b.filters) > 0 {
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}
	return args
}

// Command returns a runnable Command for the assembled argument list.
func (b *CommandBuilder) Command() *Command {
	cmd := NewCommand(b.binary, b.Build())
	cmd.SetEnv(b.env)
	return cmd
}

// Command is a single ffmpeg process invocation. It captures the tail of
// stderr so failures can be reported with context, and supports graceful
// termination via signals.
type Command struct {
	binary string
	args   []string
	env    []string

	mu          sync.Mutex
	cmd         *exec.Cmd
	stderrLines []string
	captureDone chan struct{}
	started     bool
	finished    bool
}

// NewCommand creates a command; Start launches it.
func NewCommand(binary string, args []string) *Command {
	return &Command{binary: binary, args: args}
}

// SetEnv sets extra environment variables (KEY=value) appended to the
// parent environment. Must be called before Start.
func (c *Command) SetEnv(vars []string) {
	c.env = vars
}

// Start launches the process and begins capturing stderr. Canceling ctx
// sends SIGTERM and escalates to SIGKILL if the process lingers.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("command already started")
	}

	cmd := exec.CommandContext(ctx, c.binary, c.args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.binary, err)
	}

	c.cmd = cmd
	c.started = true
	c.captureDone = make(chan struct{})
	go c.captureStderr(stderr)

	return nil
}

// captureStderr keeps the last maxStderrLines lines of process stderr.
func (c *Command) captureStderr(r io.Reader) {
	defer close(c.captureDone)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.mu.Lock()
		c.stderrLines = append(c.stderrLines, scanner.Text())
		if len(c.stderrLines) > maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.mu.Unlock()
	}
}

// Wait blocks until the process exits and returns its exit error, if any.
// All stderr is drained before the process is reaped.
func (c *Command) Wait() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return fmt.Errorf("command not started")
	}
	done := c.captureDone
	cmd := c.cmd
	c.mu.Unlock()

	<-done
	err := cmd.Wait()

	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()

	return err
}

// Run starts the process and waits for it to finish.
func (c *Command) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.Wait()
}

// Signal delivers sig to the running process. Signaling a process that
// already exited is not an error.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return fmt.Errorf("command not started")
	}
	if err := c.cmd.Process.Signal(sig); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// Terminate asks the process to shut down cleanly.
func (c *Command) Terminate() error {
	return c.Signal(syscall.SIGTERM)
}

// Kill forcibly ends the process.
func (c *Command) Kill() error {
	return c.Signal(os.Kill)
}

// IsRunning reports whether the process has started and not yet been reaped.
func (c *Command) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.finished
}

// StderrTail returns a copy of the captured stderr tail.
func (c *Command) StderrTail() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// String renders the full command line for logging.
func (c *Command) String() string {
	return c.binary + " " + strings.Join(c.args, " ")
}
