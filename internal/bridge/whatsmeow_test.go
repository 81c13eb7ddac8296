package bridge

import (
	"io"
	"log/slog"
	"testing"

	wstore "go.mau.fi/whatsmeow/store"
)

func TestFactoryBrandsLinkedDevice(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	NewWhatsmeowFactory(WhatsmeowOptions{
		SessionDir: t.TempDir(),
		ClientName: "zapcrm",
		Logger:     logger,
	})
	if got := wstore.DeviceProps.GetOs(); got != "zapcrm" {
		t.Fatalf("device name = %q, want %q", got, "zapcrm")
	}

	// An empty name keeps whatever is already configured.
	NewWhatsmeowFactory(WhatsmeowOptions{
		SessionDir: t.TempDir(),
		Logger:     logger,
	})
	if got := wstore.DeviceProps.GetOs(); got != "zapcrm" {
		t.Fatalf("device name after empty option = %q, want %q", got, "zapcrm")
	}
}
