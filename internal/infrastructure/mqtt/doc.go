// Package mqtt connects the cast bridge to the Gray Logic message bus.
//
// The bridge is one of several protocol bridges hanging off a Mosquitto
// broker; the hub (Gray Logic Core) sees receivers only through the topics
// built by Topics:
//
//	graylogic/discovery/cast           retained device list
//	graylogic/state/cast/{device}      retained property snapshot
//	graylogic/command/cast/{device}    hub -> bridge property writes
//	graylogic/ack/cast/{device}        bridge -> hub command outcome
//	graylogic/request/cast/{id}        hub -> bridge queries
//	graylogic/response/cast/{id}       bridge -> hub answers
//	graylogic/health/cast              retained bridge health, LWT target
//
// The Client wraps paho with auto-reconnect, subscription restore after
// reconnect, a Last Will on the health topic and panic-safe handlers.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Bridge.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error { ... })
package mqtt
