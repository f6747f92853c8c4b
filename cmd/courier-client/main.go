package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"courier/internal/client"
	"courier/internal/config"
	"courier/internal/logger"

	"github.com/rs/zerolog"
)

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.LoadClient(args)
	if err != nil {
		return err
	}

	log, err := logger.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	session, err := client.Dial(ctx, client.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Logger:   &log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug().Err(err).Msg("close failed")
		}
	}()

	if cfg.Robot > 0 {
		return robot(ctx, session, cfg, stdout, log)
	}
	return interactive(ctx, session, stdin, stdout)
}

func printEvent(w io.Writer, ev client.Event) {
	if ev.Kind == client.EventWarning {
		fmt.Fprintf(w, "* %s\n", ev.Text)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", ev.From, ev.Text)
}

// interactive reads commands from stdin:
//
//	<recipient> <text>   send a message
//	/name <new>          change username
//	/quit                disconnect
func interactive(ctx context.Context, s *client.Session, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.OnMessage(func(ev client.Event) { printEvent(stdout, ev) })
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- s.Listen(ctx)
		cancel()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			err := <-listenErr
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := command(s, strings.TrimSpace(line), stdout)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

func command(s *client.Session, line string, stdout io.Writer) (quit bool, err error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case strings.HasPrefix(line, "/name "):
		return false, s.Rename(strings.TrimSpace(strings.TrimPrefix(line, "/name ")))
	}

	recipient, text, ok := strings.Cut(line, " ")
	if !ok {
		fmt.Fprintln(stdout, "* usage: <recipient> <message> | /name <new> | /quit")
		return false, nil
	}
	return false, s.Send(recipient, text)
}

// robot sends cfg.Robot messages to random users, then keeps reading for
// cfg.Linger so delays of late deliveries are still collected.
func robot(ctx context.Context, s *client.Session, cfg *config.ClientConfig, stdout io.Writer, log zerolog.Logger) error {
	ticker := time.NewTicker(max(cfg.Interval, time.Millisecond))
	defer ticker.Stop()

	drain := func(timeout time.Duration) error {
		for {
			ev, ok, err := s.Poll(timeout)
			if err != nil || !ok {
				return err
			}
			printEvent(stdout, ev)
			timeout = 0
		}
	}

	for i := range cfg.Robot {
		if err := s.SendRobot(fmt.Sprintf("%s message %d", s.Username(), i+1)); err != nil {
			return err
		}
		if err := drain(0); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}

	deadline := time.Now().Add(cfg.Linger)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if err := drain(time.Until(deadline)); err != nil {
			return err
		}
	}

	log.Info().Int("sent", cfg.Robot).Int("received", len(s.Delays())).Msg("robot done")
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "courier-client: %v\n", err)
		os.Exit(1)
	}
}
