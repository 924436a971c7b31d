package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
	"github.com/vango-go/vai-dialog/pkg/gateway/conversation"
	"github.com/vango-go/vai-dialog/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-dialog/pkg/gateway/orchestrator"
	gatewayserver "github.com/vango-go/vai-dialog/pkg/gateway/server"
)

var errLinkClosed = errors.New("realtime link closed by peer")

type connectOptions struct {
	sessionID string
	serve     bool
	micPath   string
	micRate   int
	// mic is the opened microphone stream; nil when no --mic was given.
	mic io.Reader
}

var connectFlagKeys = map[string]string{
	"session-api-url": "VAI_DIALOG_SESSION_API_URL",
	"voice":           "VAI_DIALOG_VOICE",
	"input-language":  "VAI_DIALOG_INPUT_LANGUAGE",
	"reply-language":  "VAI_DIALOG_REPLY_LANGUAGE",
	"barge-in":        "VAI_DIALOG_BARGE_IN",
}

func newConnectCommand(v *viper.Viper, deps cliDeps) *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a realtime voice session and stream its reconciled transcript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, sync, err := setup(cmd, v, deps)
			if err != nil {
				return err
			}
			defer func() { _ = sync() }()
			mic, err := openMic(opts.micPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if mic != nil {
				defer func() { _ = mic.Close() }()
				opts.mic = mic
			}
			return runConnect(cmd.Context(), cfg, opts, logger, cmd.OutOrStdout(), deps)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.sessionID, "session-id", "", "reuse an existing session instead of creating one")
	flags.BoolVar(&opts.serve, "serve", false, "also serve the gateway HTTP surface for this process's transcript")
	flags.StringVar(&opts.micPath, "mic", "", "raw s16le mono microphone stream, a file path or - for stdin")
	flags.IntVar(&opts.micRate, "mic-rate", 24000, "microphone sample rate in Hz")
	flags.String("session-api-url", "", "realtime session API base URL (VAI_DIALOG_SESSION_API_URL)")
	flags.String("voice", "", "assistant voice (VAI_DIALOG_VOICE)")
	flags.String("input-language", "", "language spoken by the human (VAI_DIALOG_INPUT_LANGUAGE)")
	flags.String("reply-language", "", "language the assistant replies in (VAI_DIALOG_REPLY_LANGUAGE)")
	flags.Bool("barge-in", false, "let the human interrupt the assistant (VAI_DIALOG_BARGE_IN)")
	for name, key := range connectFlagKeys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func openMic(path string, stdin io.Reader) (io.ReadCloser, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open microphone stream: %w", err)
	}
	return f, nil
}

func newUpstreamClient(cfg config.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.UpstreamConnectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ResponseHeaderTimeout: cfg.UpstreamResponseHeaderTimeout,
		},
	}
}

func runConnect(ctx context.Context, cfg config.Config, opts connectOptions, logger *slog.Logger, stdout io.Writer, deps cliDeps) error {
	if cfg.SessionAPIURL == "" {
		return errors.New("session API URL is required (VAI_DIALOG_SESSION_API_URL or --session-api-url)")
	}

	rt, err := openHub(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	defer rt.close(logger)

	orch, err := orchestrator.New(orchestrator.Config{
		Retry: cfg.Retry(),
		Voice: cfg.Voice,
	}, orchestrator.Dependencies{
		Sessions:  deps.newSessionAPI(cfg),
		Transport: deps.newTransport(cfg, logger),
		Logger:    logger,
		OnStateChange: func(op uint64, state orchestrator.State) {
			logger.Debug("connection state", "op", op, "state", state.String())
		},
	})
	if err != nil {
		return err
	}

	conn, err := orch.Connect(ctx, orchestrator.Request{
		SessionID:     opts.sessionID,
		Voice:         cfg.Voice,
		InputLanguage: cfg.InputLanguage,
		ReplyLanguage: cfg.ReplyLanguage,
	})
	if err != nil {
		return err
	}
	defer func() { _ = orch.Disconnect() }()

	actor, err := conversation.New(conversation.Dependencies{
		SessionID:   conn.SessionID,
		Broadcaster: rt.hub,
		Control:     conn.Link,
		Logger:      logger,
		Config: conversation.Config{
			BargeIn:  cfg.BargeIn,
			Voice:    cfg.Voice,
			Endpoint: cfg.Endpoint(),
		},
	})
	if err != nil {
		return err
	}

	sub, err := rt.hub.Subscribe(ctx, conn.SessionID)
	if err != nil {
		return err
	}
	defer sub.Close()
	fmt.Fprintf(stdout, "session %s connected\n", conn.SessionID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.hub.Run(gctx) })
	g.Go(func() error { return actor.Run(gctx) })
	g.Go(func() error { return conversation.Pump(gctx, conn.Link.Messages(), actor) })
	g.Go(func() error { return printTranscript(gctx, sub, stdout) })
	if opts.mic != nil {
		if err := startMic(gctx, opts, conn.Link, actor, logger, deps); err != nil {
			return err
		}
	}
	g.Go(func() error {
		select {
		case <-conn.Link.Done():
			return errLinkClosed
		case <-gctx.Done():
			return nil
		}
	})
	if opts.serve {
		lc := &lifecycle.Lifecycle{}
		gw := gatewayserver.New(cfg, gatewayserver.Dependencies{
			Hub:       rt.hub,
			Store:     rt.pinger(),
			Lifecycle: lc,
			Logger:    logger,
		})
		serveGateway(gctx, g, cfg, gw, lc, logger)
	}

	err = g.Wait()
	stats := actor.Stats()
	logger.Info("session ended",
		"session_id", conn.SessionID,
		"events", stats.Events,
		"emitted", stats.Emitted,
		"expirations", stats.Expirations,
	)
	if errors.Is(err, errLinkClosed) {
		fmt.Fprintf(stdout, "session %s closed\n", conn.SessionID)
		return nil
	}
	return err
}

// startMic feeds the microphone into the actor's adaptive VAD and, when an
// encoder is available, onto the link's audio track. The pump is not part of
// the session group: a blocked read on a terminal must not hold up shutdown.
func startMic(ctx context.Context, opts connectOptions, link orchestrator.Link, actor *conversation.Actor, logger *slog.Logger, deps cliDeps) error {
	enc, err := deps.newEncoder(opts.micRate)
	if err != nil {
		return err
	}
	sink, _ := link.(conversation.AudioSink)
	if enc == nil || sink == nil {
		logger.Info("microphone used for voice activity tuning only")
	}
	go func() {
		err := conversation.PumpMicrophone(ctx, opts.mic, conversation.MicConfig{SampleRate: opts.micRate}, actor, enc, sink)
		if err != nil {
			logger.Warn("microphone stream stopped", "error", err)
		}
	}()
	return nil
}

// printTranscript writes final turns and transcript errors as they are
// broadcast.
func printTranscript(ctx context.Context, sub *broadcast.Subscription, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch d.Type {
			case broadcast.DeliveryTranscript:
				if d.Entry == nil || !d.Entry.Event.IsFinal {
					continue
				}
				fmt.Fprintf(out, "[%d] %s: %s\n", d.Entry.Seq, d.Entry.Event.Role, d.Entry.Event.Text)
			case broadcast.DeliveryError:
				fmt.Fprintf(out, "! transcript error: %s\n", d.Error)
			}
		}
	}
}
