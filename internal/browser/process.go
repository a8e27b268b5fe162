package browser

import (
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// process is a launched browser running in its own process group.
type process struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	output  *zapio.Writer
}

func launch(cfg Config, args []string, logger *zap.Logger) (*process, error) {
	cmd := exec.Command(cfg.Executable, args...)
	setProcessGroup(cmd)
	output := &zapio.Writer{Log: logger.Named("chrome"), Level: zap.DebugLevel}
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Executable, err)
	}
	p := &process{cmd: cmd, exited: make(chan struct{}), output: output}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	logger.Info("launched browser", zap.String("executable", cfg.Executable), zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// stop sends SIGTERM to the process group and escalates to SIGKILL after timeout.
func (p *process) stop(timeout time.Duration, logger *zap.Logger) {
	defer func() {
		if err := p.output.Close(); err != nil {
			logger.Debug("flush browser output", zap.Error(err))
		}
	}()
	select {
	case <-p.exited:
		return
	default:
	}
	pid := p.cmd.Process.Pid
	if err := terminateGroup(p.cmd); err != nil {
		logger.Warn("terminate browser", zap.Int("pid", pid), zap.Error(err))
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		logger.Debug("browser exited", zap.Int("pid", pid), zap.NamedError("wait", p.waitErr))
		return
	case <-timer.C:
	}
	logger.Warn("browser did not exit after terminate; killing", zap.Int("pid", pid), zap.Duration("waited", timeout))
	if err := killGroup(p.cmd); err != nil {
		logger.Error("kill browser", zap.Int("pid", pid), zap.Error(err))
	}
	<-p.exited
}
