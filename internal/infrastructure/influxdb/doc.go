// Package influxdb records bus metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Every settled bus
// exchange becomes a lumencache_exchange point tagged with adapter,
// command and outcome; discovery rounds and link counters have their own
// measurements.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics off
//	}
//	defer client.Close()
//
//	client.WriteExchange(influxdb.ExchangeSample{
//	    Adapter: "kitchen", Command: "get_value", Address: 12,
//	    Latency: 38 * time.Millisecond,
//	})
//
// Writes are non-blocking and batched per batch_size and flush_interval.
// Asynchronous write failures are delivered to the SetOnError callback.
package influxdb
