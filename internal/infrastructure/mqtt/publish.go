package mqtt

import (
	"fmt"
)

// maxPayloadSize bounds a single message (1MB), matching common broker limits.
const maxPayloadSize = 1 << 20

// Publish sends a message to topic.
//
// State, scene and device announcements are published retained so new
// subscribers see the current value; commands, acks and responses are not.
//
// Example:
//
//	err := client.Publish("graylogic/state/lumencache/kitchen/12", payload, 1, true)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}
