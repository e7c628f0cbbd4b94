// Package mqtt connects the sync service to an MQTT broker.
//
// The broker is the outbound notification surface: every snapshot change is
// published retained under hubsync/state/{category}/{id}, named events
// (press, ring) under hubsync/event/{name}/{id}, and the degraded signal
// retained under hubsync/health. One inbound topic, hubsync/command/refresh,
// lets other services ask for an immediate full poll.
//
// # Connection Behaviour
//
//   - Auto-reconnect with exponential backoff (reconnect.initial_delay to
//     reconnect.max_delay)
//   - Subscriptions are tracked and restored after every reconnect
//   - A retained Last Will on hubsync/system/status reports crashes; a clean
//     Close publishes a graceful offline status instead
//   - Handlers run inside panic recovery so one bad message cannot take the
//     process down
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{}
//	err = client.PublishRetained(topics.DeviceState("light", "l1"), payload)
//
//	err = client.Subscribe(topics.RefreshCommand(), 1,
//	    func(topic string, payload []byte) error {
//	        reconciler.RequestRefresh()
//	        return nil
//	    })
package mqtt
