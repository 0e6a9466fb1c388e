package notify

import (
	"context"
	"sync"
)

// Capture records messages in memory. It implements Notifier, EmailSender
// and SMSSender, which makes it useful for tests and local development.
type Capture struct {
	mu     sync.Mutex
	emails []Message
	texts  []Message
}

func (c *Capture) Email(_ context.Context, msg Message) {
	c.mu.Lock()
	c.emails = append(c.emails, msg)
	c.mu.Unlock()
}

func (c *Capture) SMS(_ context.Context, msg Message) {
	c.mu.Lock()
	c.texts = append(c.texts, msg)
	c.mu.Unlock()
}

func (c *Capture) SendEmail(ctx context.Context, msg Message) error {
	c.Email(ctx, msg)
	return nil
}

func (c *Capture) SendSMS(ctx context.Context, msg Message) error {
	c.SMS(ctx, msg)
	return nil
}

// Emails returns a copy of the recorded email messages.
func (c *Capture) Emails() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.emails...)
}

// Texts returns a copy of the recorded SMS messages.
func (c *Capture) Texts() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.texts...)
}

// Last returns the most recent message sent to recipient on either channel.
func (c *Capture) Last(recipient string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, list := range [][]Message{c.texts, c.emails} {
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].To == recipient {
				return list[i], true
			}
		}
	}
	return Message{}, false
}
