package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the bridge publishes or consumes.
//
// Bridge topics use the flat scheme graylogic/{category}/{protocol}/{...};
// the per-adapter builders live with the bridge that owns them.
const TopicPrefix = "graylogic"

// Topics provides builders for process-level topics.
type Topics struct{}

// SystemStatus returns the retained online/offline topic of a client.
// The broker publishes the last will here on an unexpected disconnect.
//
//	Topics{}.SystemStatus("lumencache-bridge")
//	// Returns: "graylogic/system/lumencache-bridge/status"
func (Topics) SystemStatus(clientID string) string {
	return fmt.Sprintf("%s/system/%s/status", TopicPrefix, clientID)
}

// ProtocolWildcard returns a filter matching every topic of one category
// and protocol, e.g. ("state", "lumencache") matches all module states.
func (Topics) ProtocolWildcard(category, protocol string) string {
	return fmt.Sprintf("%s/%s/%s/#", TopicPrefix, category, protocol)
}

// validatePublishTopic rejects topics a publish may not use.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %s", ErrWildcardTopic, topic)
	}
	return nil
}

// validateFilter checks wildcard placement in a subscription filter.
func validateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: '#' must be the last level in %s", ErrInvalidTopic, filter)
		case level != "+" && level != "#" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must fill a whole level in %s", ErrInvalidTopic, filter)
		}
	}
	return nil
}
