// Package spawn starts the detached profiling daemon.
//
// A Go process cannot fork without exec, so the daemon is the host binary
// re-executed with MEMPROF_ROLE set. The profiled process runs a short-lived
// launcher and waits for it; the launcher scrubs inherited descriptors, starts
// the daemon in a new session and exits. The daemon is therefore reparented
// to init and no zombie is left behind in the profiled process.
package spawn

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/constants"
	"github.com/coral-mesh/memprof/internal/sockpair"
	"github.com/coral-mesh/memprof/internal/sys/proc"
)

// Role is the part a re-executed binary plays.
type Role string

const (
	// RoleNone is an ordinary process, possibly a profiled one.
	RoleNone Role = ""
	// RoleLauncher is the intermediate child that starts the daemon and exits.
	RoleLauncher Role = "launcher"
	// RoleDaemon is the detached profiling daemon.
	RoleDaemon Role = "daemon"
)

const envDescriptorCeiling = "MEMPROF_DESCRIPTOR_CEILING"

var (
	// ErrPairCreation is returned when the control channel cannot be created.
	ErrPairCreation = errors.New("failed to create control channel")

	// ErrSpawnFailed is returned when the launcher could not start the daemon.
	ErrSpawnFailed = errors.New("failed to spawn daemon")
)

// CurrentRole returns the role selected by MEMPROF_ROLE.
func CurrentRole() Role {
	switch Role(os.Getenv(constants.EnvRole)) {
	case RoleLauncher:
		return RoleLauncher
	case RoleDaemon:
		return RoleDaemon
	default:
		return RoleNone
	}
}

// Spawner creates the daemon for a profiled process and returns the
// process-side end of the persistent control channel.
type Spawner interface {
	Spawn(id proc.Identity) (*sockpair.Endpoint, error)
}

// ReexecSpawner spawns the daemon by re-executing Executable.
type ReexecSpawner struct {
	// Executable is the binary run as launcher and daemon.
	Executable string
	// DescriptorCeiling bounds the descriptor scrub in the launcher.
	DescriptorCeiling int
	// Env is appended to the inherited environment of the launcher.
	Env []string
	// PairFunc creates the control channel. Defaults to sockpair.CreatePair.
	PairFunc sockpair.PairFunc

	Logger zerolog.Logger
}

// NewReexecSpawner returns a spawner for executable, or for the running
// binary when executable is empty.
func NewReexecSpawner(executable string, ceiling int, logger zerolog.Logger) (*ReexecSpawner, error) {
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}
		executable = exe
	}
	if ceiling <= constants.ControlChannelFD {
		ceiling = constants.DefaultDescriptorCeiling
	}

	return &ReexecSpawner{
		Executable:        executable,
		DescriptorCeiling: ceiling,
		PairFunc:          sockpair.CreatePair,
		Logger:            logger.With().Str("component", "spawner").Logger(),
	}, nil
}

// Spawn creates the control channel, runs the launcher to completion and
// returns the blocking process-side endpoint. The daemon keeps the other end
// as descriptor 3.
func (s *ReexecSpawner) Spawn(id proc.Identity) (*sockpair.Endpoint, error) {
	pair := s.PairFunc
	if pair == nil {
		pair = sockpair.CreatePair
	}

	client, daemon, err := pair(sockpair.FamilyUnix, sockpair.TypeStream)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to create control channel")
		return nil, fmt.Errorf("%w: %w", ErrPairCreation, err)
	}

	daemonFile := os.NewFile(uintptr(daemon.ReleaseFD()), "memprof-control")
	// The launcher and daemon hold their own copies once the launcher has run.
	defer func() { _ = daemonFile.Close() }()

	cmd := exec.Command(s.Executable)
	cmd.Env = append(withEnv(os.Environ(),
		constants.EnvRole, string(RoleLauncher),
		constants.EnvTargetPID, strconv.Itoa(id.PID),
		constants.EnvTargetCmdline, id.Cmdline,
		envDescriptorCeiling, strconv.Itoa(s.DescriptorCeiling),
	), s.Env...)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{daemonFile}

	s.Logger.Debug().
		Str("executable", s.Executable).
		Int("target_pid", id.PID).
		Msg("Starting daemon launcher")

	if err := cmd.Run(); err != nil {
		_ = client.Close()
		s.Logger.Error().Err(err).Msg("Daemon launcher failed")
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	if err := client.SetBlocking(true); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// IdentityFromEnv returns the profiled process identity handed to the daemon.
func IdentityFromEnv() (proc.Identity, error) {
	raw := os.Getenv(constants.EnvTargetPID)
	if raw == "" {
		return proc.Identity{}, fmt.Errorf("%s is not set", constants.EnvTargetPID)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return proc.Identity{}, fmt.Errorf("invalid %s %q", constants.EnvTargetPID, raw)
	}
	return proc.Identity{PID: pid, Cmdline: os.Getenv(constants.EnvTargetCmdline)}, nil
}

// withEnv returns env with each key/value pair in kv set, replacing any
// previous value of the same key.
func withEnv(env []string, kv ...string) []string {
	out := make([]string, 0, len(env)+len(kv)/2)
	for _, entry := range env {
		keep := true
		for i := 0; i+1 < len(kv); i += 2 {
			if strings.HasPrefix(entry, kv[i]+"=") {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, entry)
		}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, kv[i]+"="+kv[i+1])
	}
	return out
}
