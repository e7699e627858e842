// Package app wires the relay client, the session coordinator and a line
// based terminal front end together into the peer client. Everything here is
// presentation glue: session semantics live in internal/session.
package app

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/linkup/internal/config"
	"github.com/petervdpas/linkup/internal/relay"
	"github.com/petervdpas/linkup/internal/session"
	"github.com/petervdpas/linkup/internal/transfer"
	"github.com/petervdpas/linkup/internal/transport"
)

var log = logging.Logger("app")

// pendingCall holds the accept/reject decision of the most recent incoming
// offer until the user answers.
type pendingCall struct {
	caller string
	accept func()
	reject func()
}

type client struct {
	rc    *relay.Client
	coord *session.Coordinator

	mu      sync.Mutex
	pending *pendingCall
}

// RunClient connects to the relay and drives the terminal client until ctx
// is cancelled or stdin closes.
func RunClient(ctx context.Context, cfg config.Client) error {
	rc, err := relay.Dial(ctx, cfg.RelayURL)
	if err != nil {
		return err
	}
	defer rc.Close()

	id, err := rc.WaitID(ctx)
	if err != nil {
		return err
	}
	if err := rc.Register(cfg.Username, cfg.ProfilePic); err != nil {
		return err
	}
	fmt.Printf("connected to relay as %s (%s)\n", cfg.Username, id)

	c := &client{rc: rc}
	c.coord = session.NewCoordinator(id, rc, transport.NewPionFactory(), session.Callbacks{
		OnConnected: func(remoteID string) {
			fmt.Printf("*** connected to %s\n", c.displayName(remoteID))
			if err := rc.SetBusy(true); err != nil {
				log.Debugw("set busy failed", "err", err)
			}
		},
		OnDisconnected: func(reason string) {
			fmt.Printf("*** disconnected: %s\n", reason)
			if err := rc.SetBusy(false); err != nil {
				log.Debugw("clear busy failed", "err", err)
			}
		},
		OnIncomingCall: func(callerID string, accept, reject func()) {
			c.mu.Lock()
			c.pending = &pendingCall{caller: callerID, accept: accept, reject: reject}
			c.mu.Unlock()
			fmt.Printf("*** incoming call from %s (/accept or /reject)\n", c.displayName(callerID))
		},
		OnMessage: func(from, text string) {
			fmt.Printf("<%s> %s\n", c.displayName(from), text)
		},
		OnFile: func(from string, p transfer.Payload) {
			path, err := savePayload(p)
			if err != nil {
				fmt.Printf("*** file from %s could not be saved: %v\n", c.displayName(from), err)
				return
			}
			fmt.Printf("*** received %s (%s) from %s → %s\n", p.Name, p.MimeType, c.displayName(from), path)
		},
		OnTyping: func(from string, typing bool) {
			if typing {
				fmt.Printf("*** %s is typing...\n", c.displayName(from))
			}
		},
		OnSystem: func(msg string) {
			fmt.Printf("*** %s\n", msg)
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.coord.Run(runCtx)

	return c.inputLoop(runCtx)
}

func (c *client) displayName(id string) string {
	for _, u := range c.rc.Users() {
		if u.ID == id && u.Username != "" {
			return fmt.Sprintf("%s[%s]", u.Username, shortID(id))
		}
	}
	return shortID(id)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (c *client) inputLoop(ctx context.Context) error {
	fmt.Println("commands: /users /dial <id> /accept /reject /send <file> /hangup /quit")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		case <-c.rc.Done():
			return errors.New("relay connection lost")
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			c.coord.Hangup()
			return nil
		}
		c.handleLine(line)
	}
	return scanner.Err()
}

func (c *client) handleLine(line string) {
	if !strings.HasPrefix(line, "/") {
		if err := c.coord.SendText(line); err != nil {
			fmt.Printf("*** not sent: %v\n", err)
		}
		return
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/users":
		for _, u := range c.rc.Users() {
			marker := " "
			if u.Busy {
				marker = "*"
			}
			fmt.Printf("  %s %s  %s\n", marker, u.ID, u.Username)
		}

	case "/dial":
		c.dial(arg)

	case "/accept":
		c.decide(true)

	case "/reject":
		c.decide(false)

	case "/send":
		c.sendFile(arg)

	case "/hangup":
		c.coord.Hangup()

	default:
		fmt.Printf("*** unknown command %s\n", cmd)
	}
}

func (c *client) dial(id string) {
	if id == "" {
		fmt.Println("*** usage: /dial <id>")
		return
	}

	err := c.coord.Dial(id)
	switch {
	case err == nil:
		fmt.Printf("*** dialing %s\n", c.displayName(id))
	case errors.Is(err, session.ErrAlreadyConnected):
		// Redialing the current remote tears the session down first; that
		// is a user decision, so ask.
		fmt.Print("already connected to this peer, reconnect? [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		if strings.EqualFold(strings.TrimSpace(answer), "y") {
			c.coord.Redial(id)
		}
	default:
		fmt.Printf("*** dial failed: %v\n", err)
	}
}

func (c *client) decide(accept bool) {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	if p == nil {
		fmt.Println("*** no pending call")
		return
	}
	if accept {
		fmt.Printf("*** accepting call from %s\n", c.displayName(p.caller))
		p.accept()
	} else {
		fmt.Printf("*** rejecting call from %s\n", c.displayName(p.caller))
		p.reject()
	}
}

// sendFile encodes a local file the way browser peers do (a base64 data URL)
// and hands it to the coordinator, which chunks it if needed.
func (c *client) sendFile(path string) {
	if path == "" {
		fmt.Println("*** usage: /send <file>")
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("*** %v\n", err)
		return
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	data := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(raw)

	if err := c.coord.SendFile(name, mimeType, data); err != nil {
		fmt.Printf("*** send failed: %v\n", err)
		return
	}
	fmt.Printf("*** sent %s (%d bytes)\n", name, len(raw))
}

// savePayload writes a received payload to the working directory. Data URLs
// are decoded back to raw bytes; anything else is written as-is.
func savePayload(p transfer.Payload) (string, error) {
	data := []byte(p.Data)
	if _, b64, ok := strings.Cut(p.Data, ";base64,"); ok {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", fmt.Errorf("decode payload: %w", err)
		}
		data = decoded
	}

	name := filepath.Base(p.Name)
	if name == "" || name == "." {
		name = "received.bin"
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}
