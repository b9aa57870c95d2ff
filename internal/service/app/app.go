// Package app is a terminal console for one user on one pair of channels:
// it receives what the peer sends on the incoming channel and sends typed
// lines on the outgoing one.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"tdmx_relay/internal/credential"
	"tdmx_relay/internal/model"
	"tdmx_relay/internal/service/notifier"
	"tdmx_relay/internal/service/sender"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	// KV is where destination session keys are kept between runs.
	KV interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
	}

	Options struct {
		// LocalHost is the node of this user's domain, PeerHost the node
		// of the other domain.
		LocalHost string
		PeerHost  string

		Outgoing          model.ChannelName
		OutgoingChannelID string
		Incoming          model.ChannelName

		Scheme     string
		SessionTTL time.Duration
		Wait       time.Duration
		ChunkSize  int
	}

	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		redisService KV
		opts         Options
		http         *http.Client

		user    *credential.Issuer
		factory *credential.Factory

		local *sender.Client
		peer  *sender.Client
		snd   *sender.Sender

		// mu guards the relay session ids at the peer node.
		mu            sync.Mutex
		outSID, inSID string

		conn *websocket.Conn
	}
)

func NewApp(user *credential.Issuer, kv KV, opts Options) *App {
	if opts.Wait <= 0 {
		opts.Wait = 30 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	c := &App{
		app:          tview.NewApplication(),
		redisService: kv,
		opts:         opts,
		http:         &http.Client{Timeout: opts.Wait + 10*time.Second},
		user:         user,
		factory:      credential.NewFactory(),
		local:        sender.NewClient(opts.LocalHost, 10*time.Second),
		peer:         sender.NewClient(opts.PeerHost, 10*time.Second),
	}
	c.snd = sender.NewSender(c.peer, user, sender.Config{ChunkSize: opts.ChunkSize, RetryDelay: time.Second}, nil)
	return c
}

func (c *App) Run(ctx context.Context) {
	if _, err := c.ensureSession(ctx); err != nil {
		log.Fatal("cannot publish destination session", zap.Error(err))
	}

	var err error
	c.conn, err = c.initLive(c.opts.Incoming.Destination.String())
	if err != nil {
		log.Warn("live channel unavailable, polling only", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.buildUI()
	if c.conn != nil {
		go c.listenOnLive()
	}
	go c.receiveLoop(ctx)

	if err := c.app.Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

// Stop releases the relay sessions held at the peer node.
func (c *App) Stop() {
	if c.conn != nil {
		c.conn.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sid := range []string{c.outSID, c.inSID} {
		if sid == "" {
			continue
		}
		if err := c.peer.CloseSession(ctx, sid); err != nil && !errors.Is(err, sender.ErrNotFound) {
			log.Debug("close relay session", zap.String("sessionId", sid), zap.Error(err))
		}
	}
}

func (c *App) buildUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", c.opts.Outgoing.Destination))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			if err := c.SendMessage(context.Background(), msg); err != nil {
				c.report("send failed", err)
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	c.app.SetRoot(layout, true).SetFocus(c.input)
}

func (c *App) report(what string, err error) {
	log.Debug(what, zap.Error(err))
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "[red]%s:[-] %v\n", what, err)
		c.chatbox.ScrollToEnd()
	})
}

// listenOnLive shows arrivals pushed by the node. The message itself is
// still taken through the receive loop.
func (c *App) listenOnLive() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("live socket closed", zap.Error(err))
			c.conn.Close()
			break
		}

		var t notifier.Transfer
		if err := json.Unmarshal(data, &t); err != nil {
			log.Error("unmarshal transfer failed", zap.Error(err))
			continue
		}
		c.app.QueueUpdateDraw(func() {
			c.chatbox.SetTitle(fmt.Sprintf(" %s (incoming %s) ", c.opts.Outgoing.Destination, t.MsgID))
		})
	}
}

func (c *App) receiveLoop(ctx context.Context) {
	destination := c.opts.Incoming.Destination.String()
	for ctx.Err() == nil {
		d, err := c.receive(ctx, destination, c.opts.Wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.report("receive failed", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if d == nil {
			continue
		}
		if err := c.ReceiveMessage(ctx, d.TxID, d.Message); err != nil {
			c.report("receive message failed", err)
		}
	}
}

func (c *App) SendMessage(ctx context.Context, msg string) error {
	ds, err := c.local.DestinationSession(ctx, c.opts.OutgoingChannelID)
	if errors.Is(err, sender.ErrNotFound) {
		return fmt.Errorf("%s has not published a session yet", c.opts.Outgoing.Destination)
	}
	if err != nil {
		return err
	}
	if ds.Signature == nil {
		return sender.ErrNoSession
	}

	out, err := c.snd.Compose(c.opts.Outgoing, ds.Signature.Credential, ds, []byte(msg))
	if err != nil {
		return err
	}
	err = c.withSession(ctx, &c.outSID, c.opts.Outgoing, func(sid string) error {
		_, err := c.snd.Send(ctx, sid, out)
		return err
	})
	if err != nil {
		return err
	}

	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s\n", msg)
		c.chatbox.ScrollToEnd()
	})
	return nil
}

// ReceiveMessage opens a delivered message, commits its transaction and
// acknowledges it to the origin. A message that cannot be opened is rolled
// back so the node can dead-letter it after repeated attempts.
func (c *App) ReceiveMessage(ctx context.Context, txID string, msg *model.ChannelMessage) error {
	plaintext, from, err := c.openMessage(ctx, msg)
	if err != nil {
		if rerr := c.complete(ctx, txID, "rollback"); rerr != nil {
			log.Debug("rollback failed", zap.String("txId", txID), zap.Error(rerr))
		}
		return err
	}
	if err := c.complete(ctx, txID, "commit"); err != nil {
		return err
	}

	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "[green]%s@%s:[-] %s\n", from.Leaf.Name, from.Domain(), plaintext)
		c.chatbox.ScrollToEnd()
	})

	receipt, err := sender.NewReceipt(c.user, msg, time.Now())
	if err != nil {
		return err
	}
	return c.withSession(ctx, &c.inSID, c.opts.Incoming, func(sid string) error {
		return c.snd.SendReceipt(ctx, sid, receipt)
	})
}
