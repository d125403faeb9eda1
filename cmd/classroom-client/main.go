// Command classroom-client joins a relay as a teacher or a student. A teacher
// sends each stdin line as a final transcription; a student prints the
// translations it receives.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"classrelay/internal/config"
	"classrelay/pkg/client"
	"classrelay/pkg/protocol"
)

type options struct {
	server     string
	configPath string
	role       string
	language   string
	teacherID  string
	sessionID  string
	verbose    bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("classroom-client", pflag.ContinueOnError)
	flags.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "relay page URL; the socket URL is derived from it")
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file supplying the client section")
	flags.StringVarP(&opts.role, "role", "r", string(protocol.RoleStudent), "teacher or student")
	flags.StringVarP(&opts.language, "lang", "l", "en-US", "BCP-47 language code")
	flags.StringVar(&opts.teacherID, "teacher-id", "", "stable teacher identity used to resume a session")
	flags.StringVar(&opts.sessionID, "session-id", "", "classroom session to join")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log connection events to stderr")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	role := protocol.Role(opts.role)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", protocol.ErrInvalidRole, opts.role)
	}
	return opts, nil
}

func run(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	url, err := client.RelayURL(opts.server)
	if err != nil {
		return err
	}

	mgr, err := client.New(cfg.Client.Options(), client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer mgr.Disconnect()

	mgr.OnConfirmed(func(c *protocol.ConnectionConfirmed) {
		fmt.Fprintf(out, "joined session %s as %s (%s)\n", c.SessionID, c.Role, c.LanguageCode)
	})
	mgr.OnError(func(e *protocol.Error) {
		fmt.Fprintf(out, "relay error [%s]: %s\n", e.Code, e.Message)
	})
	mgr.OnTranslation(func(t *protocol.Translation) {
		fmt.Fprintf(out, "[%s] %s\n", t.TranslatedLanguage, t.Text)
	})
	mgr.OnStatusChange(func(s client.Status) {
		logger.Info("status changed", zap.String("status", string(s)))
	})

	var regOpts []client.RegisterOption
	if opts.teacherID != "" {
		regOpts = append(regOpts, client.WithTeacherID(opts.teacherID))
	}
	if opts.sessionID != "" {
		regOpts = append(regOpts, client.WithSessionID(opts.sessionID))
	}
	role := protocol.Role(opts.role)
	if err := mgr.Register(role, opts.language, regOpts...); err != nil {
		return err
	}
	if err := mgr.Connect(ctx, url); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if role != protocol.RoleTeacher {
		<-ctx.Done()
		return nil
	}
	return speak(ctx, mgr, in)
}

// speak forwards non-empty input lines until EOF or cancellation.
func speak(ctx context.Context, mgr *client.Manager, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if err := mgr.SendFinalTranscription(text); err != nil && !errors.Is(err, client.ErrNotConnected) {
				return err
			}
		}
	}
}
