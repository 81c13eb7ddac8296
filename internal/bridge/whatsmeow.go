package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// WhatsmeowOptions configures the whatsmeow-backed client factory.
type WhatsmeowOptions struct {
	// SessionDir holds one SQLite credential container per tenant. Each
	// container is exclusively owned by one live handle; concurrent processes
	// must not share a tenant's container.
	SessionDir string
	// ClientName is the device name shown on the paired phone.
	ClientName string
	Logger     *slog.Logger
}

// NewWhatsmeowFactory returns a ClientFactory producing whatsmeow clients
// with per-tenant persistent credential stores, so a restart resumes the
// session without re-pairing as long as the platform still honors it.
func NewWhatsmeowFactory(opts WhatsmeowOptions) ClientFactory {
	logger := opts.Logger.With("component", "whatsmeow")
	if opts.ClientName != "" {
		// Shown as the linked-device name on the paired phone.
		wstore.DeviceProps.Os = proto.String(opts.ClientName)
	}
	return func(tenantID string) (AutomationClient, error) {
		// Tenant ids come from request bodies; keep them out of path games.
		safe := filepath.Base(tenantID)
		if safe == "." || safe == ".." || safe != tenantID {
			return nil, fmt.Errorf("invalid tenant id %q", tenantID)
		}
		if err := os.MkdirAll(opts.SessionDir, 0o755); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		dbPath := filepath.Join(opts.SessionDir, safe+".db")
		container, err := sqlstore.New("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", waLog.Noop)
		if err != nil {
			return nil, fmt.Errorf("open credential store: %w", err)
		}
		return &whatsmeowClient{
			tenantID:  tenantID,
			container: container,
			logger:    logger.With("tenant_id", tenantID),
		}, nil
	}
}

// whatsmeowClient adapts one whatsmeow.Client to the AutomationClient
// interface and translates its event stream into lifecycle hooks.
type whatsmeowClient struct {
	tenantID  string
	container *sqlstore.Container
	logger    *slog.Logger

	mu     sync.Mutex
	cli    *whatsmeow.Client
	cancel context.CancelFunc
}

func (w *whatsmeowClient) Start(ctx context.Context, hooks Hooks) error {
	device, err := w.container.GetFirstDevice()
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLog.Noop)
	// Losses are surfaced as a terminal disconnect and recovered by a fresh
	// init, not by a hidden reconnect loop.
	cli.EnableAutoReconnect = false

	cli.AddEventHandler(func(evt any) {
		switch v := evt.(type) {
		case *events.PairSuccess:
			hooks.OnAuthenticated()
		case *events.Connected:
			hooks.OnReady(w.phoneNumber(cli))
		case *events.Message:
			hooks.OnMessage(normalizeIncoming(v))
		case *events.LoggedOut:
			hooks.OnDisconnected("logged out from phone")
		case *events.StreamReplaced:
			hooks.OnDisconnected("session opened elsewhere")
		case *events.Disconnected:
			hooks.OnDisconnected("connection lost")
		}
	})

	// The QR loop outlives the Start call; it stops when Close cancels.
	runCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	w.cli = cli
	w.cancel = cancel
	w.mu.Unlock()

	if cli.Store.ID == nil {
		// Never paired (or logged out): drive the QR pairing flow.
		qrCh, err := cli.GetQRChannel(runCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("open qr channel: %w", err)
		}
		go func() {
			for item := range qrCh {
				switch item.Event {
				case whatsmeow.QRChannelEventCode:
					hooks.OnQR(item.Code)
				case whatsmeow.QRChannelSuccess.Event:
					// PairSuccess fires on the event handler.
				case whatsmeow.QRChannelTimeout.Event:
					hooks.OnAuthFailure("pairing timed out")
				default:
					hooks.OnAuthFailure("pairing failed: " + item.Event)
				}
			}
		}()
	}

	if err := cli.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (w *whatsmeowClient) phoneNumber(cli *whatsmeow.Client) string {
	if id := cli.Store.ID; id != nil {
		return "+" + id.User
	}
	return ""
}

func (w *whatsmeowClient) SendText(ctx context.Context, recipient, body string) (SendReceipt, error) {
	w.mu.Lock()
	cli := w.cli
	w.mu.Unlock()
	if cli == nil {
		return SendReceipt{}, fmt.Errorf("client not started")
	}

	jid, err := parseRecipientJID(recipient)
	if err != nil {
		return SendReceipt{}, err
	}

	resp, err := cli.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{MessageID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (w *whatsmeowClient) Close(ctx context.Context) error {
	w.mu.Lock()
	cli := w.cli
	cancel := w.cancel
	w.cli = nil
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cli != nil {
		// Disconnect keeps the credential store so re-init resumes without a
		// new pairing; a deliberate unlink happens on the phone.
		cli.Disconnect()
	}
	return w.container.Close()
}

// parseRecipientJID maps the bridge's normalized addressing format onto
// whatsmeow jids.
func parseRecipientJID(recipient string) (types.JID, error) {
	user, domain, ok := strings.Cut(recipient, "@")
	if !ok || user == "" {
		return types.JID{}, fmt.Errorf("malformed recipient %q", recipient)
	}
	switch domain {
	case "c.us":
		return types.NewJID(user, types.DefaultUserServer), nil
	case "g.us":
		return types.NewJID(user, types.GroupServer), nil
	default:
		return types.JID{}, fmt.Errorf("unsupported recipient domain %q", domain)
	}
}

// normalizeIncoming reduces a whatsmeow message event to the fields the
// bridge relays, using the web-style addressing the front-end expects.
func normalizeIncoming(v *events.Message) IncomingMessage {
	body := v.Message.GetConversation()
	if body == "" {
		body = v.Message.GetExtendedTextMessage().GetText()
	}
	hasMedia := v.Message.GetImageMessage() != nil ||
		v.Message.GetVideoMessage() != nil ||
		v.Message.GetAudioMessage() != nil ||
		v.Message.GetDocumentMessage() != nil ||
		v.Message.GetStickerMessage() != nil

	chatDomain := "@c.us"
	if v.Info.IsGroup {
		chatDomain = "@g.us"
	}
	chatName := ""
	if !v.Info.IsGroup {
		chatName = v.Info.PushName
	}

	return IncomingMessage{
		ID:        string(v.Info.ID),
		Body:      body,
		From:      v.Info.Sender.User + "@c.us",
		FromName:  v.Info.PushName,
		Timestamp: v.Info.Timestamp,
		HasMedia:  hasMedia,
		IsGroup:   v.Info.IsGroup,
		ChatID:    v.Info.Chat.User + chatDomain,
		ChatName:  chatName,
	}
}
