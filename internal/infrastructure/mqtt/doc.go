// Package mqtt provides the broker connection of the LumenCache bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retained flags
//   - Wildcard subscriptions, restored after every reconnect
//   - A retained online/offline status with a last will for crash detection
//
// # Architecture
//
// The bridge speaks to Gray Logic Core over MQTT only. Each bus adapter
// publishes module state under graylogic/{category}/lumencache/{adapter}/...
// and consumes commands and requests from the same scheme.
//
//	LumenCache bus ↔ Bridge ↔ MQTT Broker ↔ Gray Logic Core
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe("graylogic/command/lumencache/kitchen/+", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
