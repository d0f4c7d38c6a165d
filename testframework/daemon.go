package testframework

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/breez/swapd-itest/log"
	"golang.org/x/sys/unix"
)

// ProcessState is the lifecycle state of a DaemonProcess. States only ever
// move forward.
type ProcessState int

const (
	StateNotStarted ProcessState = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateCrashed
)

func (s ProcessState) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

const (
	defaultLogName = "log"
	errLogName     = "errlog"
)

// DaemonProcess supervises exactly one subprocess. It is single use: once
// the process exited a new DaemonProcess has to be created to run it again.
type DaemonProcess struct {
	CmdLine []string
	Env     []string
	Cmd     *exec.Cmd
	StdOut  *logBuffer
	StdErr  *logBuffer

	workDir string
	logName string
	errLog  bool
	prefix  string

	mu       sync.Mutex
	state    ProcessState
	cursor   int
	exitCode int
	exited   chan struct{}
	stdout   *lockedWriter
	stderr   *lockedWriter
	files    []*os.File
}

func NewDaemonProcess(cmdline []string, workDir, prefix string) *DaemonProcess {
	return &DaemonProcess{
		CmdLine: cmdline,
		StdOut:  newLogBuffer(),
		StdErr:  newLogBuffer(),
		workDir: workDir,
		logName: defaultLogName,
		prefix:  prefix,
		exited:  make(chan struct{}),
	}
}

// WithCmd replaces the executable of the command line.
func (d *DaemonProcess) WithCmd(cmd string) {
	if len(d.CmdLine) > 0 {
		cmdLine := []string{cmd}
		d.CmdLine = append(cmdLine, d.CmdLine[1:]...)
		return
	}
	d.CmdLine = []string{cmd}
}

// WithLogName sets the file name of the log under the working directory.
func (d *DaemonProcess) WithLogName(name string) {
	d.logName = name
}

// WithErrLog redirects stderr into a separate errlog file instead of the log.
func (d *DaemonProcess) WithErrLog() {
	d.errLog = true
}

// Start spawns the process. Stdout (and stderr unless WithErrLog is set) is
// appended to the log file under the working directory.
func (d *DaemonProcess) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateNotStarted {
		return fmt.Errorf("%w: %s is %s", ErrStart, d.prefix, d.state)
	}
	if len(d.CmdLine) == 0 {
		d.state = StateCrashed
		close(d.exited)
		return fmt.Errorf("%w: %s has no command line", ErrStart, d.prefix)
	}

	if err := os.MkdirAll(d.workDir, 0o755); err != nil {
		return fmt.Errorf("%w: MkdirAll() %v", ErrStart, err)
	}

	logFile, err := openAppend(d.LogPath())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStart, err)
	}
	d.files = append(d.files, logFile)
	d.stdout = &lockedWriter{out: logFile, buf: d.StdOut}

	if d.errLog {
		errFile, err := openAppend(d.ErrLogPath())
		if err != nil {
			d.closeFiles()
			return fmt.Errorf("%w: %v", ErrStart, err)
		}
		d.files = append(d.files, errFile)
		d.stderr = &lockedWriter{out: errFile, buf: d.StdErr}
	} else {
		d.stderr = &lockedWriter{out: logFile, buf: d.StdOut}
	}

	cmd := exec.Command(d.CmdLine[0], d.CmdLine[1:]...)
	cmd.Stdout = d.stdout
	cmd.Stderr = d.stderr
	if len(d.Env) > 0 {
		cmd.Env = append(os.Environ(), d.Env...)
	}
	d.Cmd = cmd

	if err := cmd.Start(); err != nil {
		d.closeFiles()
		d.state = StateCrashed
		d.exitCode = -1
		close(d.exited)
		return fmt.Errorf("%w: %s: %v", ErrStart, d.CmdLine[0], err)
	}

	d.state = StateStarting
	log.Debugf("%s: started pid %d", d.prefix, cmd.Process.Pid)
	go d.reap()
	return nil
}

func (d *DaemonProcess) reap() {
	err := d.Cmd.Wait()
	code := d.Cmd.ProcessState.ExitCode()

	d.stdout.flush()
	d.stderr.flush()

	d.mu.Lock()
	d.closeFiles()
	d.exitCode = code
	if d.state == StateStopping || (code == 0 && err == nil) {
		d.state = StateStopped
	} else {
		d.state = StateCrashed
	}
	state := d.state
	d.mu.Unlock()

	log.Debugf("%s: exited with code %d (%s)", d.prefix, code, state)
	close(d.exited)
}

func (d *DaemonProcess) closeFiles() {
	for _, f := range d.files {
		f.Close()
	}
	d.files = nil
}

// MarkReady moves a starting process into the ready state.
func (d *DaemonProcess) MarkReady() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateStarting {
		d.state = StateReady
	}
}

// WaitForReady waits for the readiness log line and marks the process ready.
func (d *DaemonProcess) WaitForReady(regex string, timeout time.Duration) error {
	if err := d.WaitForLog(regex, timeout); err != nil {
		return err
	}
	d.MarkReady()
	return nil
}

func (d *DaemonProcess) State() ProcessState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsRunning reports whether the process was started and not yet reaped.
func (d *DaemonProcess) IsRunning() bool {
	switch d.State() {
	case StateStarting, StateReady, StateStopping:
		return true
	}
	return false
}

// ExitCode returns the exit code and whether the process was reaped.
func (d *DaemonProcess) ExitCode() (int, bool) {
	select {
	case <-d.exited:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.exitCode, true
	default:
		return 0, false
	}
}

// Exited is closed once the process was reaped.
func (d *DaemonProcess) Exited() <-chan struct{} {
	return d.exited
}

func (d *DaemonProcess) Pid() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Cmd == nil || d.Cmd.Process == nil {
		return 0
	}
	return d.Cmd.Process.Pid
}

// HasLog reports whether any line of the log matches regex, regardless of the
// read cursor.
func (d *DaemonProcess) HasLog(regex string) (bool, error) {
	rx, err := regexp.Compile(regex)
	if err != nil {
		return false, fmt.Errorf("Compile(regex) %w", err)
	}
	lines, _, _ := d.StdOut.since(0)
	for _, line := range lines {
		if rx.MatchString(line) {
			return true, nil
		}
	}
	return false, nil
}

// WaitForLog blocks until a line after the read cursor matches regex. On a
// match the cursor moves past the matched line.
func (d *DaemonProcess) WaitForLog(regex string, timeout time.Duration) error {
	rx, err := regexp.Compile(regex)
	if err != nil {
		return fmt.Errorf("Compile(regex) %w", err)
	}

	if d.State() == StateNotStarted {
		return fmt.Errorf("%s: wait for `%s`: %w", d.prefix, regex, ErrNotRunning)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	d.mu.Lock()
	pos := d.cursor
	d.mu.Unlock()

	for {
		exited := isClosed(d.exited)

		lines, next, changed := d.StdOut.since(pos)
		for i, line := range lines {
			if rx.MatchString(line) {
				d.mu.Lock()
				d.cursor = pos + i + 1
				d.mu.Unlock()
				return nil
			}
		}
		pos = next

		if exited {
			code, _ := d.ExitCode()
			return timeoutErrorf("%s exited with code %d before `%s` appeared in logs",
				d.prefix, code, regex)
		}

		select {
		case <-changed:
		case <-d.exited:
		case <-timer.C:
			return timeoutErrorf("timeout reached while waiting for `%s` in %s logs",
				regex, d.prefix)
		}
	}
}

// Terminate sends SIGTERM to the process.
func (d *DaemonProcess) Terminate() error {
	return d.signal(unix.SIGTERM)
}

// Kill sends SIGKILL to the process if it is still running.
func (d *DaemonProcess) Kill() {
	if err := d.signal(unix.SIGKILL); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Debugf("%s: kill: %v", d.prefix, err)
	}
}

func (d *DaemonProcess) signal(sig unix.Signal) error {
	pid := d.Pid()
	if pid == 0 || isClosed(d.exited) {
		return ErrNotRunning
	}
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// Stop sends SIGTERM, waits up to timeout for the process to exit and kills
// it afterwards. It returns the observed exit code, or ErrNotRunning if the
// process had already been reaped before the call.
func (d *DaemonProcess) Stop(timeout time.Duration) (int, error) {
	return d.stop(timeout, true)
}

// AwaitExit is Stop for processes that were asked to shut down out of band,
// for example through a stop RPC. No signal is sent before the timeout.
func (d *DaemonProcess) AwaitExit(timeout time.Duration) (int, error) {
	return d.stop(timeout, false)
}

func (d *DaemonProcess) stop(timeout time.Duration, terminate bool) (int, error) {
	d.mu.Lock()
	switch d.state {
	case StateNotStarted:
		d.mu.Unlock()
		return 0, ErrNotRunning
	case StateStopped, StateCrashed:
		code := d.exitCode
		d.mu.Unlock()
		return code, ErrNotRunning
	}
	d.state = StateStopping
	d.mu.Unlock()

	if terminate {
		if err := d.Terminate(); err != nil && !errors.Is(err, ErrNotRunning) {
			log.Debugf("%s: terminate: %v", d.prefix, err)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.exited:
	case <-timer.C:
		log.Warnf("%s: did not exit within %v, killing", d.prefix, timeout)
		d.Kill()
		<-d.exited
	}

	code, _ := d.ExitCode()
	return code, nil
}

func (d *DaemonProcess) Prefix() string {
	return d.prefix
}

func (d *DaemonProcess) WorkDir() string {
	return d.workDir
}

func (d *DaemonProcess) LogPath() string {
	return filepath.Join(d.workDir, d.logName)
}

func (d *DaemonProcess) ErrLogPath() string {
	return filepath.Join(d.workDir, errLogName)
}

// Tail returns the last n log lines matching regex.
func (d *DaemonProcess) Tail(n int, regex string) string {
	return d.StdOut.Tail(n, regex)
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// logBuffer holds complete log lines and wakes up waiters on every append.
type logBuffer struct {
	mu      sync.RWMutex
	lines   []string
	changed chan struct{}
}

func newLogBuffer() *logBuffer {
	return &logBuffer{changed: make(chan struct{})}
}

func (b *logBuffer) append(lines ...string) {
	if len(lines) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, lines...)
	close(b.changed)
	b.changed = make(chan struct{})
}

// since returns the lines starting at index from, the index after the last
// returned line and a channel closed on the next append.
func (b *logBuffer) since(from int) ([]string, int, <-chan struct{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if from >= len(b.lines) {
		return nil, len(b.lines), b.changed
	}
	lines := make([]string, len(b.lines)-from)
	copy(lines, b.lines[from:])
	return lines, len(b.lines), b.changed
}

func (b *logBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

// Tail returns the last n lines matching regex joined by newlines. n < 1
// returns every matching line.
func (b *logBuffer) Tail(n int, regex string) string {
	rx, err := regexp.Compile(regex)
	if err != nil {
		return ""
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var lines []string
	for _, line := range b.lines {
		if rx.MatchString(line) {
			lines = append(lines, line)
		}
	}

	if n < 1 || n > len(lines) {
		n = len(lines)
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// lockedWriter splits a byte stream into lines for a logBuffer and mirrors
// the raw bytes to out. Incomplete lines are held back until their newline
// arrives or flush is called.
type lockedWriter struct {
	sync.Mutex

	partial []byte
	out     io.Writer
	buf     *logBuffer
}

func (w *lockedWriter) Write(b []byte) (int, error) {
	w.Lock()
	defer w.Unlock()

	if w.out != nil {
		if _, err := w.out.Write(b); err != nil {
			return 0, err
		}
	}

	w.partial = append(w.partial, b...)
	var lines []string
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	w.buf.append(lines...)
	return len(b), nil
}

func (w *lockedWriter) flush() {
	if w == nil {
		return
	}
	w.Lock()
	defer w.Unlock()
	if len(w.partial) > 0 {
		w.buf.append(string(w.partial))
		w.partial = nil
	}
}
