package notifications

import (
	"fmt"

	"github.com/xconstruct/go-pushbullet"

	"castor/internal/utils"
)

// PushbulletClient implements the Notifier interface for Pushbullet.
type PushbulletClient struct {
	apiKey string
	pb     *pushbullet.Client
	logger *utils.Logger
}

// NewPushbulletClient creates a new client for sending Pushbullet notifications.
func NewPushbulletClient(apiKey string, logger *utils.Logger) *PushbulletClient {
	pb := pushbullet.New(apiKey)
	return &PushbulletClient{
		apiKey: apiKey,
		pb:     pb,
		logger: logger,
	}
}

// sendPush sends a note to all of the user's devices.
func (c *PushbulletClient) sendPush(title, body string) error {
	// The first argument to PushNote is the device iden. Empty means all devices.
	return c.pb.PushNote("", title, body)
}

// NotifyTransferComplete sends a notification when a transfer finishes
// downloading.
func (c *PushbulletClient) NotifyTransferComplete(name, savePath string) {
	title := fmt.Sprintf("Download Complete: %s", name)
	body := fmt.Sprintf("Finished downloading to %s", savePath)
	if err := c.sendPush(title, body); err != nil {
		c.logger.Error("Error sending Pushbullet notification:", err)
	}
}

// NotifyTransferError sends a notification when a transfer hits an error.
func (c *PushbulletClient) NotifyTransferError(name, detail string) {
	title := fmt.Sprintf("Download Error: %s", name)
	if err := c.sendPush(title, detail); err != nil {
		c.logger.Error("Error sending Pushbullet notification:", err)
	}
}

// NotifyMoved sends a notification when completed content has been moved
// to its final location.
func (c *PushbulletClient) NotifyMoved(name, destination string) {
	title := fmt.Sprintf("Ready: %s", name)
	body := fmt.Sprintf("Moved completed content to %s", destination)
	if err := c.sendPush(title, body); err != nil {
		c.logger.Error("Error sending Pushbullet notification:", err)
	}
}

// Test verifies the API key is valid by fetching user info.
func (c *PushbulletClient) Test() error {
	if _, err := c.pb.Me(); err != nil {
		return fmt.Errorf("pushbullet authentication failed: %w", err)
	}
	return nil
}
