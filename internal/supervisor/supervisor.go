// Package supervisor runs the event side of a deck: it arms press,
// longpress and release state machines, repeats and caps executions,
// spawns and reaps child processes, and hands non-process actions
// (page changes, variable writes, brightness) back to the core loop.
package supervisor

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Request is a non-exec action handed back to the core loop, which
// owns page state, the filesystem and the device.
type Request struct {
	Source *Spec
}

// Dispatch receives fired non-exec actions on the core loop's side.
type Dispatch func(Request)

// DefaultGrace is the SIGTERM → SIGKILL window for children of a
// deactivated entity.
const DefaultGrace = 500 * time.Millisecond

// Supervisor owns all child processes of one deck.
type Supervisor struct {
	log      *slog.Logger
	grace    time.Duration
	dispatch Dispatch
	readFile func(string) (string, error)

	mu      sync.Mutex
	running map[string]int // live process count per spec ID, for unique
	procs   map[*exec.Cmd]struct{}
}

// Config wires a Supervisor.
type Config struct {
	Log      *slog.Logger
	Grace    time.Duration
	Dispatch Dispatch
	ReadFile func(string) (string, error) // for command=__inside__
}

// New builds a supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(Request) {}
	}
	if cfg.ReadFile == nil {
		cfg.ReadFile = func(path string) (string, error) {
			b, err := os.ReadFile(path)
			return string(b), err
		}
	}
	return &Supervisor{
		log:      cfg.Log,
		grace:    cfg.Grace,
		dispatch: cfg.Dispatch,
		readFile: cfg.ReadFile,
		running:  map[string]int{},
		procs:    map[*exec.Cmd]struct{}{},
	}
}

// Stop terminates every tracked child with the grace protocol.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	procs := make([]*exec.Cmd, 0, len(s.procs))
	for c := range s.procs {
		procs = append(procs, c)
	}
	s.mu.Unlock()
	for _, c := range procs {
		s.terminate(c)
	}
}

// Handle is the event runtime of one displayed entity (key, page or
// deck). All methods are called from the core loop.
type Handle struct {
	sup   *Supervisor
	specs map[string]*Spec

	mu       sync.Mutex
	active   bool
	pressed  bool
	pressAt  time.Time
	session  int // bumped per press and per activation, stales timers
	children map[*exec.Cmd]struct{}
}

// Activate starts the lifecycle for a newly visible entity and fires
// its start event.
func (s *Supervisor) Activate(specs map[string]*Spec) *Handle {
	h := &Handle{
		sup:      s,
		specs:    specs,
		active:   true,
		children: map[*exec.Cmd]struct{}{},
	}
	if start, ok := specs["start"]; ok {
		h.mu.Lock()
		session := h.session
		h.mu.Unlock()
		h.runTimed(start, session, func() bool { return h.isActive() })
	}
	return h
}

// UpdateSpecs swaps the event definitions in place without touching
// the lifecycle: no start refire, running children keep going.
func (h *Handle) UpdateSpecs(specs map[string]*Spec) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.specs = specs
}

// Deactivate fires the end event exactly once, drops every pending
// timer, and terminates all non-detached children.
func (h *Handle) Deactivate() {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.active = false
	h.pressed = false
	h.session++
	children := make([]*exec.Cmd, 0, len(h.children))
	for c := range h.children {
		children = append(children, c)
	}
	h.children = map[*exec.Cmd]struct{}{}
	h.mu.Unlock()

	if end, ok := h.specs["end"]; ok {
		h.sup.fire(h, end)
	}
	for _, c := range children {
		h.sup.terminate(c)
	}
}

// Press drives the press and longpress machines.
func (h *Handle) Press(now time.Time) {
	h.mu.Lock()
	if !h.active || h.pressed {
		h.mu.Unlock()
		return
	}
	h.pressed = true
	h.pressAt = now
	h.session++
	session := h.session
	h.mu.Unlock()

	if press, ok := h.specs["press"]; ok && press.Timing.DurationMax == 0 {
		if press.Timing.Every == 0 {
			// A plain press fires as scheduled even when the key is
			// released before the wait elapses.
			h.runTimed(press, session, func() bool { return h.isActive() })
		} else {
			h.runTimed(press, session, func() bool { return h.isPressedSession(session) })
		}
	}
	if long, ok := h.specs["longpress"]; ok {
		spec := long
		time.AfterFunc(spec.Timing.DurationMin, func() {
			if h.isPressedSession(session) {
				h.sup.fire(h, spec)
			}
		})
	}
}

// Release completes the press machines: deferred press (duration-max),
// release events (duration-min gate), and repeat shutdown.
func (h *Handle) Release(now time.Time) {
	h.mu.Lock()
	if !h.pressed {
		h.mu.Unlock()
		return
	}
	h.pressed = false
	held := now.Sub(h.pressAt)
	h.session++
	h.mu.Unlock()

	if press, ok := h.specs["press"]; ok && press.Timing.DurationMax > 0 {
		if held <= press.Timing.DurationMax {
			h.fireAfterWait(press)
		}
	}
	if rel, ok := h.specs["release"]; ok {
		if held >= rel.Timing.DurationMin {
			h.fireAfterWait(rel)
		}
	}
}

func (h *Handle) isActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Handle) isPressedSession(session int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active && h.pressed && h.session == session
}

func (h *Handle) fireAfterWait(spec *Spec) {
	if spec.Timing.Wait > 0 {
		s := spec
		time.AfterFunc(s.Timing.Wait, func() {
			if h.isActive() {
				h.sup.fire(h, s)
			}
		})
		return
	}
	h.sup.fire(h, spec)
}

// runTimed fires after wait and then repeats on every= while alive()
// holds, capped by max-runs.
func (h *Handle) runTimed(spec *Spec, session int, alive func() bool) {
	launch := func() {
		if !alive() {
			return
		}
		h.sup.fire(h, spec)
	}

	if spec.Timing.Every == 0 {
		if spec.Timing.Wait > 0 {
			time.AfterFunc(spec.Timing.Wait, launch)
		} else {
			launch()
		}
		return
	}

	go func() {
		runs := 0
		if spec.Timing.Wait > 0 {
			time.Sleep(spec.Timing.Wait)
		}
		ticker := time.NewTicker(spec.Timing.Every)
		defer ticker.Stop()
		for {
			if !alive() {
				return
			}
			if h.sup.fire(h, spec) {
				runs++
			}
			if spec.Timing.MaxRuns > 0 && runs >= spec.Timing.MaxRuns {
				return
			}
			<-ticker.C
		}
	}()
}

// fire executes one trigger of a spec: processes spawn, everything
// else goes back to the core loop. It reports whether the trigger
// actually ran (unique re-entry skips do not count against max-runs).
func (s *Supervisor) fire(h *Handle, spec *Spec) bool {
	if spec.Action.Kind != ActExec {
		s.dispatch(Request{Source: spec})
		return true
	}

	if spec.Timing.Unique {
		s.mu.Lock()
		alive := s.running[spec.ID] > 0
		s.mu.Unlock()
		if alive {
			if !spec.Timing.Quiet {
				s.log.Debug("skipping re-entry", "event", spec.ID)
			}
			return false
		}
	}
	return s.launch(h, spec)
}

func (s *Supervisor) launch(h *Handle, spec *Spec) bool {
	var cmd *exec.Cmd
	switch {
	case spec.Action.Inside:
		content, err := s.readFile(spec.FilePath)
		if err != nil {
			s.log.Warn("event failed", "event", spec.ID, "err", err)
			return false
		}
		cmd = exec.Command("sh", "-c", content)
	case spec.Action.Command != "":
		cmd = exec.Command("sh", "-c", spec.Action.Command)
	default:
		cmd = exec.Command(spec.FilePath)
	}
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// A detached child gets its own session; setsid already makes it a
	// group leader, and setpgid would fail on a session leader.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: !spec.Timing.Detach, Setsid: spec.Timing.Detach}

	if err := cmd.Start(); err != nil {
		s.log.Warn("event spawn failed", "event", spec.ID, "err", err)
		return false
	}
	if !spec.Timing.Quiet {
		s.log.Info("event process started", "event", spec.ID, "pid", cmd.Process.Pid)
	}

	if spec.Timing.Detach {
		// Severed: never tracked or terminated; this goroutine only
		// reaps it if it exits while the program runs.
		go func() { _ = cmd.Wait() }()
		return true
	}

	s.mu.Lock()
	s.running[spec.ID]++
	s.procs[cmd] = struct{}{}
	s.mu.Unlock()
	h.mu.Lock()
	h.children[cmd] = struct{}{}
	h.mu.Unlock()

	go func() {
		err := cmd.Wait()

		s.mu.Lock()
		s.running[spec.ID]--
		if s.running[spec.ID] <= 0 {
			delete(s.running, spec.ID)
		}
		delete(s.procs, cmd)
		s.mu.Unlock()
		h.mu.Lock()
		delete(h.children, cmd)
		h.mu.Unlock()

		if !spec.Timing.Quiet {
			code := 0
			if exit, ok := err.(*exec.ExitError); ok {
				code = exit.ExitCode()
			}
			s.log.Info("event process exited", "event", spec.ID, "pid", cmd.Process.Pid, "code", code)
		}
	}()
	return true
}

// terminate applies SIGTERM, the grace period, then SIGKILL to the
// process group.
func (s *Supervisor) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	go func() {
		done := make(chan struct{})
		go func() {
			// Wait may already be claimed by the reaper; polling the
			// group keeps this independent of it.
			for {
				if syscall.Kill(pgid, 0) != nil {
					close(done)
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}()
		select {
		case <-done:
		case <-time.After(s.grace):
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
	}()
}
