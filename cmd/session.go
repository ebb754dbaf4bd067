package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/term"

	"hostmux/capability"
	"hostmux/config"
	errs "hostmux/internal/errors"
	"hostmux/remote"
	"hostmux/util"
)

// runSession sets up the configured forwards, runs the command if one
// was given, and otherwise serves forwards until interrupted.
func runSession(ctx context.Context, host *remote.Host, cfg *config.Config, logger *util.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, fw := range cfg.RemoteForwards {
		ln, err := host.Network().ReverseForward(ctx, capability.Address{
			Network: fw.BindNetwork,
			Addr:    fw.BindAddr,
		})
		if err != nil {
			return fmt.Errorf("remote forward %s: %w", fw, err)
		}
		defer ln.Close() //nolint:errcheck
		logger.Info("remote forward listening on %s", ln.Addr().Addr)
		go serveRemoteForward(ctx, ln, fw, logger)
	}

	for _, fw := range cfg.LocalForwards {
		ln, err := net.Listen(fw.BindNetwork, fw.BindAddr)
		if err != nil {
			return fmt.Errorf("local forward %s: %w", fw, err)
		}
		defer ln.Close() //nolint:errcheck
		logger.Info("local forward listening on %s", ln.Addr())
		go serveLocalForward(ctx, ln, host, fw, logger)
	}

	if len(cfg.Command) > 0 {
		return runCommand(ctx, host, cfg, logger)
	}

	// Forwards only: stay up until the user interrupts or the session
	// dies underneath us.
	select {
	case <-ctx.Done():
		return nil
	case <-host.Session().Done():
		return host.Session().Err()
	}
}

// serveRemoteForward relays connections the peer accepted back out to
// the local target.
func serveRemoteForward(ctx context.Context, ln capability.Listener, fw config.ForwardSpec, logger *util.Logger) {
	for {
		c, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errs.Is(err, errs.ErrChannelClosed) {
				logger.Warn("remote forward %s: %v", fw, err)
			}
			return
		}
		go func() {
			local, err := net.Dial(fw.TargetNetwork, fw.TargetAddr)
			if err != nil {
				logger.Warn("forward target %s: %v", fw.TargetAddr, err)
				c.Close() //nolint:errcheck
				return
			}
			if err := util.BidirectionalCopy(ctx, c, local); err != nil {
				logger.Debug("relay %s: %v", fw, err)
			}
		}()
	}
}

// serveLocalForward relays locally accepted connections to the peer.
func serveLocalForward(ctx context.Context, ln net.Listener, host *remote.Host, fw config.ForwardSpec, logger *util.Logger) {
	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("local forward %s: %v", fw, err)
			}
			return
		}
		go func() {
			rc, err := host.Network().DirectForward(ctx, capability.Address{
				Network: fw.TargetNetwork,
				Addr:    fw.TargetAddr,
			})
			if err != nil {
				logger.Warn("forward target %s: %v", fw.TargetAddr, err)
				c.Close() //nolint:errcheck
				return
			}
			if err := util.BidirectionalCopy(ctx, c, rc); err != nil {
				logger.Debug("relay %s: %v", fw, err)
			}
		}()
	}
}

// runCommand executes cfg.Command on the peer, wiring local stdio
// through, and maps the remote exit state onto our own.
func runCommand(ctx context.Context, host *remote.Host, cfg *config.Config, logger *util.Logger) error {
	pc := capability.NewProcessConfig(cfg.Command[0])
	for _, a := range cfg.Command[1:] {
		pc.Arg(a)
	}
	for _, e := range cfg.Env {
		k, v, _ := strings.Cut(e, "=")
		pc.SetEnv(k, v)
	}
	if cfg.Dir != "" {
		pc.WorkingDir(cfg.Dir)
	}
	pc.RedirectStdio()

	stdinFd := int(os.Stdin.Fd())
	interactive := cfg.PTY && term.IsTerminal(stdinFd)
	if cfg.PTY {
		termName := os.Getenv("TERM")
		if termName == "" {
			termName = "xterm"
		}
		cols, rows := 80, 24
		if interactive {
			if c, r, err := term.GetSize(stdinFd); err == nil {
				cols, rows = c, r
			}
		}
		pc.WithPTY(termName, uint16(cols), uint16(rows))
	}

	p, err := host.Executor().Start(ctx, pc)
	if err != nil {
		return err
	}
	defer p.Close() //nolint:errcheck

	if interactive {
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdinFd, state) //nolint:errcheck
		go watchResize(ctx, p, stdinFd, logger)
	}

	go func() {
		io.Copy(p, os.Stdin) //nolint:errcheck
		p.CloseStdin()       //nolint:errcheck
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(os.Stdout, p.Stdout()) //nolint:errcheck
	}()
	go func() {
		defer wg.Done()
		io.Copy(os.Stderr, p.Stderr()) //nolint:errcheck
	}()

	exit, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	wg.Wait()

	if exit.Signaled() {
		return fmt.Errorf("remote command killed by SIG%s", exit.Signal)
	}
	if exit.Code != 0 {
		return &ExitCodeError{Code: exit.Code}
	}
	return nil
}

// watchResize mirrors local terminal size changes to the remote PTY.
func watchResize(ctx context.Context, p capability.Process, fd int, logger *util.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	defer signal.Stop(ch)
	for {
		select {
		case <-ch:
			cols, rows, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			if err := p.Resize(uint16(cols), uint16(rows)); err != nil {
				logger.Debug("resize: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
