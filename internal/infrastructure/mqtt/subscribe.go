package mqtt

import (
	"fmt"
)

// Subscribe routes messages matching topic to handler. The bridge uses a
// single wildcard subscription, graylogic/command/mihome/+, for every
// device command.
//
// Subscriptions are remembered and replayed after each reconnect because
// the client uses clean sessions. A subscription the broker refuses is
// forgotten again.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	sub := subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Lock()
	c.subscriptions[topic] = sub
	c.subMu.Unlock()

	if err := await(c.client.Subscribe(topic, qos, c.wrapHandler(handler)), ErrSubscribeFailed); err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return err
	}
	return nil
}

// restoreSubscriptions replays every remembered subscription. It runs from
// the connect handler, so failures are only logged; paho retries on the
// next reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.subMu.RUnlock()

	for _, sub := range subs {
		token := c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
		go func(topic string) {
			if err := await(token, ErrSubscribeFailed); err != nil && c.logger != nil {
				c.logger.Warn("MQTT resubscribe failed", "topic", topic, "error", err)
			}
		}(sub.topic)
	}
}
