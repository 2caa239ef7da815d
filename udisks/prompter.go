package udisks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JingOS-team/storaged/interfaces"

	"github.com/godbus/dbus/v5"
)

// Prompt UI service contract (session bus).
const (
	uiService   = "org.kde.kded5"
	uiPath      = "/modules/soliduiserver"
	uiInterface = "org.kde.SolidUiServer"
	uiMethod    = uiInterface + ".showPassphraseDialog"

	replyPathPrefix = "/org/jingos/storaged/credentials/"
	replyInterface  = "org.jingos.storaged.CredentialReply"
)

// Prompter requests passphrase dialogs from the interactive UI service over
// the session bus. For each request it exports a transient reply object the
// dialog answers on, unexported again after the single reply.
type Prompter struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// NewPrompter creates a prompter on an established session bus connection.
func NewPrompter(conn *dbus.Conn, log *slog.Logger) *Prompter {
	if log == nil {
		log = slog.Default()
	}
	return &Prompter{conn: conn, log: log}
}

// PromptPassphrase implements interfaces.Prompter. deliver runs on the bus
// dispatch goroutine; the reply object is unexported before deliver is
// invoked.
func (p *Prompter) PromptPassphrase(ctx context.Context, req interfaces.PromptRequest, deliver func(passphrase string)) error {
	replyPath := dbus.ObjectPath(replyPathPrefix + sanitizeChannel(req.Channel))

	methods := map[string]interface{}{
		"passphraseReply": func(passphrase string) *dbus.Error {
			p.unexport(replyPath)
			deliver(passphrase)
			return nil
		},
	}
	if err := p.conn.ExportMethodTable(methods, replyPath, replyInterface); err != nil {
		return fmt.Errorf("exporting reply object: %w", err)
	}

	ui := p.conn.Object(uiService, uiPath)
	call := ui.CallWithContext(ctx, uiMethod, 0,
		req.Device.String(),
		p.conn.Names()[0],
		string(replyPath),
		uint32(req.WindowHint),
		req.CallerApp,
	)
	if call.Err != nil {
		p.unexport(replyPath)
		return fmt.Errorf("calling passphrase dialog service: %w", call.Err)
	}
	return nil
}

func (p *Prompter) unexport(path dbus.ObjectPath) {
	if err := p.conn.Export(nil, path, replyInterface); err != nil {
		p.log.Debug("unexporting reply object failed", "path", path, "err", err)
	}
}

// sanitizeChannel maps a channel id onto the D-Bus object path alphabet.
func sanitizeChannel(id interfaces.ChannelID) string {
	return strings.ReplaceAll(id.String(), "-", "_")
}
