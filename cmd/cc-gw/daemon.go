package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sevlyar/go-daemon"
)

func pidFilePath(home string) string {
	return filepath.Join(home, "cc-gw.pid")
}

// getPidFromFile reads the pid file and reports whether that process is
// still alive, removing a stale pid file when it is not.
func getPidFromFile(pidFile string) (int, bool) {
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidFile)
		return pid, false
	}
	return pid, true
}

// startDaemon forks the gateway into the background via go-daemon's Reborn,
// the same double-fork-free reparenting idiom the secondary reference
// repo's CLI uses for its own supervisor. The parent process returns
// immediately once the child has reported readiness by writing its pid
// file; the child continues as the foreground server.
func startDaemon(home string, port int) int {
	pidFile := pidFilePath(home)
	if _, running := getPidFromFile(pidFile); running {
		fmt.Fprintln(os.Stderr, "cc-gw is already running")
		return 1
	}

	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	cntxt := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0o644,
		LogFileName: filepath.Join(logDir, "cc-gw.daemon.log"),
		LogFilePerm: 0o640,
		WorkDir:     "/",
		Umask:       0o027,
	}

	child, err := cntxt.Reborn()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: daemonize failed: %v\n", err)
		return 1
	}
	if child != nil {
		// Parent: the child has its pid file, we're done.
		fmt.Printf("cc-gw started (pid %d)\n", child.Pid)
		return 0
	}

	// Child: run in the foreground until signaled.
	defer cntxt.Release()
	if err := serve(home, port); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if isConfigError(err) {
			return 2
		}
		return 1
	}
	return 0
}

func runStop() int {
	home, err := resolveHome()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	pidFile := pidFilePath(home)
	pid, running := getPidFromFile(pidFile)
	if !running {
		fmt.Println("cc-gw is not running")
		return 1
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to stop: %v\n", err)
		return 1
	}

	for range 30 {
		if _, stillRunning := getPidFromFile(pidFile); !stillRunning {
			fmt.Println("cc-gw stopped")
			return 0
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "cc-gw did not stop within the timeout")
	return 1
}

func runStatus() int {
	home, err := resolveHome()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	pid, running := getPidFromFile(pidFilePath(home))
	if !running {
		fmt.Println("cc-gw: not running")
		return 1
	}
	fmt.Printf("cc-gw: running (pid %d)\n", pid)
	return 0
}
