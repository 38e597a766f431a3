package mqtt

import (
	"fmt"
)

// Subscribe registers a handler for messages matching filter.
//
// Filters may use + (single level) and # (trailing multi-level) wildcards.
// Subscriptions are tracked and restored after a reconnect. Handlers run
// on paho's goroutines and must not block for long.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[filter] = subscription{
		topic:   filter,
		qos:     qos,
		handler: handler,
	}
	c.subMu.Unlock()

	token := c.client.Subscribe(filter, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(filter)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(filter)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

func (c *Client) forget(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// BridgeClient adapts Client to bridges whose handlers return nothing.
type BridgeClient struct {
	*Client
}

// Subscribe registers handler for filter.
func (b BridgeClient) Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	return b.Client.Subscribe(filter, qos, func(topic string, payload []byte) error {
		handler(topic, payload)
		return nil
	})
}
