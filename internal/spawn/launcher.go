package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/memprof/internal/constants"
	"github.com/coral-mesh/memprof/internal/sys/proc"
)

// ControlFile returns the daemon-side control endpoint inherited as
// descriptor 3, or nil if it is not open.
func ControlFile() *os.File {
	if _, err := unix.FcntlInt(uintptr(constants.ControlChannelFD), unix.F_GETFD, 0); err != nil {
		return nil
	}
	return os.NewFile(uintptr(constants.ControlChannelFD), "memprof-control")
}

// DescriptorCeiling returns the scrub bound handed down by the spawner.
func DescriptorCeiling() int {
	n, err := strconv.Atoi(os.Getenv(envDescriptorCeiling))
	if err != nil || n <= constants.ControlChannelFD {
		return constants.DefaultDescriptorCeiling
	}
	return n
}

// SanitizeDescriptors marks every descriptor in [3, ceiling) except keep as
// close-on-exec, so that nothing the profiled process leaked without
// O_CLOEXEC reaches the daemon. It returns the number of open descriptors
// that were marked. Open descriptors are listed from /proc when available;
// otherwise every number below the ceiling is tried.
func SanitizeDescriptors(ceiling int, keep int) int {
	fds, err := proc.OpenDescriptors(os.Getpid())
	if err != nil {
		for fd := 3; fd < ceiling; fd++ {
			fds = append(fds, fd)
		}
	}

	marked := 0
	for _, fd := range fds {
		if fd < 3 || fd >= ceiling || fd == keep {
			continue
		}
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil {
			continue
		}
		if flags&unix.FD_CLOEXEC != 0 {
			continue
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC); err == nil {
			marked++
		}
	}
	return marked
}

// RunLauncher is the body of the launcher role: it starts the daemon detached
// from the profiled process and returns without waiting for it. The daemon
// runs in its own session with / as working directory, the null device on
// stdin and stdout, the inherited stderr and the control endpoint on
// descriptor 3.
func RunLauncher(logger zerolog.Logger, ceiling int) error {
	logger = logger.With().Str("component", "launcher").Logger()

	control := ControlFile()
	if control == nil {
		return fmt.Errorf("control channel descriptor %d is not open", constants.ControlChannelFD)
	}
	defer func() { _ = control.Close() }()

	marked := SanitizeDescriptors(ceiling, constants.ControlChannelFD)
	logger.Debug().Int("marked", marked).Int("ceiling", ceiling).Msg("Sanitized inherited descriptors")

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = withEnv(os.Environ(), constants.EnvRole, string(RoleDaemon))
	cmd.Dir = "/"
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{control}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		logger.Warn().Err(err).Msg("Failed to release daemon process")
	}

	logger.Debug().Int("daemon_pid", pid).Msg("Daemon started")
	return nil
}
