package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
)

const helpText = `commands:
  /call <identity>  place a call
  /hangup           end the current call
  /quit             exit
  anything else is sent to the connected peer`

type commandKind int

const (
	cmdNone commandKind = iota
	cmdSay
	cmdCall
	cmdHangup
	cmdHelp
	cmdQuit
)

type command struct {
	kind commandKind
	arg  string
}

func parseCommand(line string) (command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return command{kind: cmdNone}, nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		return command{kind: cmdSay, arg: strings.TrimRight(line, "\r\n")}, nil
	}

	name, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/call":
		if arg == "" {
			return command{}, errors.New("usage: /call <identity>")
		}
		return command{kind: cmdCall, arg: arg}, nil
	case "/hangup":
		return command{kind: cmdHangup}, nil
	case "/help":
		return command{kind: cmdHelp}, nil
	case "/quit", "/exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s (try /help)", name)
	}
}

// chatLine tracks the datachannel of the current call.
type chatLine struct {
	log *slog.Logger

	mu     sync.Mutex
	remote string
	dc     *webrtc.DataChannel
}

func (c *chatLine) attach(remote string, dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.remote, c.dc = remote, dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		pterm.Success.Println(fmt.Sprintf("connected to %s", remote))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.log.Debug("ignoring binary chat message", "remote", remote, "bytes", len(msg.Data))
			return
		}
		pterm.Println(fmt.Sprintf("[%s] %s", remote, msg.Data))
	})
	dc.OnClose(func() {
		c.log.Debug("chat datachannel closed", "remote", remote)
	})
}

func (c *chatLine) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote, c.dc = "", nil
}

func (c *chatLine) send(text string) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("not connected; /call <identity> first")
	}
	return dc.SendText(text)
}
