// aero-call-peer is a terminal endpoint for the call relay: it registers an
// identity, places or answers a call and exchanges chat lines over a
// WebRTC datachannel once the call is connected.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/peerclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/peerconfig"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/webrtcpeer"
)

var version = "dev"

func main() {
	cfg, err := peerconfig.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	if cfg.LogLevel <= slog.LevelDebug {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	}

	pterm.Info.Println(fmt.Sprintf("aero-call-peer %s, relay %s", version, cfg.RelayURL))
	pterm.Println()

	if strings.TrimSpace(cfg.Identity) == "" {
		identity, err := askIdentity(promptIdentity)
		if err != nil {
			pterm.DefaultLogger.Error(fmt.Sprintf("read identity: %v (pass --identity when stdin is not a terminal)", err))
			os.Exit(2)
		}
		cfg.Identity = identity
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		pterm.DefaultLogger.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg peerconfig.Config, logger *slog.Logger, in io.Reader) error {
	startCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	servers, err := peerclient.FetchICEServers(startCtx, http.DefaultClient, cfg.RelayURL)
	if err != nil {
		return err
	}
	logger.Debug("ice servers fetched", "count", len(servers))

	api, err := webrtcpeer.NewAPI(webrtcpeer.Settings{
		UDPPortMin: cfg.UDPPortMin,
		UDPPortMax: cfg.UDPPortMax,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	wsURL, err := peerclient.WebSocketURL(cfg.RelayURL)
	if err != nil {
		return err
	}
	client, err := peerclient.Dial(startCtx, peerclient.Config{
		RelayURL: wsURL,
		APIKey:   cfg.APIKey,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Register(startCtx, cfg.Identity); err != nil {
		return err
	}
	pterm.Success.Println(fmt.Sprintf("registered as %q", cfg.Identity))

	chat := &chatLine{log: logger}
	neg := negotiation.New(negotiation.Config{
		Signaler:             client,
		Logger:               logger,
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		NewPeer: func(role negotiation.Role, remote string) (negotiation.PeerConnection, error) {
			pc, err := webrtcpeer.NewPeerConnection(api, servers)
			if err != nil {
				return nil, err
			}
			if role == negotiation.RoleCaller {
				dc, err := webrtcpeer.CreateChatDataChannel(pc)
				if err != nil {
					_ = pc.Close()
					return nil, err
				}
				chat.attach(remote, dc)
				return pc, nil
			}
			pc.OnDataChannel(func(dc *webrtc.DataChannel) {
				if err := webrtcpeer.ValidateChatDataChannel(dc); err != nil {
					logger.Warn("rejecting datachannel", "remote", remote, "err", err)
					_ = dc.Close()
					return
				}
				chat.attach(remote, dc)
			})
			return pc, nil
		},
	})
	defer neg.Close()

	neg.OnStateChange(func(s negotiation.State) {
		pterm.DefaultLogger.Info("call state: " + s.String())
		if s == negotiation.Idle {
			chat.detach()
		}
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(ctx, neg.Dispatch)
	}()

	if cfg.Target != "" {
		if err := neg.StartCall(ctx, cfg.Target); err != nil {
			return err
		}
	} else {
		pterm.Info.Println("waiting for a call; /call <identity> to place one, /help for commands")
	}

	lines := make(chan string)
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
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				pterm.Warning.Println(err.Error())
				continue
			}
			if quit := execute(ctx, neg, chat, cmd); quit {
				return nil
			}
		}
	}
}

func execute(ctx context.Context, neg *negotiation.Negotiator, chat *chatLine, cmd command) (quit bool) {
	switch cmd.kind {
	case cmdNone:
	case cmdHelp:
		pterm.Println(helpText)
	case cmdQuit:
		return true
	case cmdCall:
		if err := neg.StartCall(ctx, cmd.arg); err != nil {
			pterm.Warning.Println(fmt.Sprintf("call %s: %v", cmd.arg, err))
		}
	case cmdHangup:
		if err := neg.Hangup(); err != nil {
			pterm.Warning.Println(fmt.Sprintf("hangup: %v", err))
		}
	case cmdSay:
		if err := chat.send(cmd.arg); err != nil {
			pterm.Warning.Println(err.Error())
		}
	}
	return false
}

func promptIdentity() (string, error) {
	return pterm.DefaultInteractiveTextInput.
		WithDefaultText("Identity to register").
		Show()
}

// askIdentity prompts until a non-blank identity is entered. A prompt that
// cannot read input (no TTY, closed stdin) ends the loop with its error.
func askIdentity(prompt func() (string, error)) (string, error) {
	for {
		raw, err := prompt()
		if err != nil {
			return "", err
		}

		if id := strings.TrimSpace(raw); id != "" {
			pterm.Println()
			return id, nil
		}

		pterm.Println()
		pterm.DefaultLogger.Warn("identity must not be blank")
	}
}
