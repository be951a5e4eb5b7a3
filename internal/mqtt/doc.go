// Package mqtt publishes the air sensor's readings and Home Assistant MQTT
// discovery messages over a single broker session.
//
// A [Session] is the synchronous, caller-driven view of one broker
// connection: the main loop asks whether it is connected, connects it,
// publishes through it and pumps inbound messages out of it with
// [Session.Loop]. Nothing in this package reconnects on its own; that
// decision belongs to the connectivity manager's tick.
//
// Two backends implement Session: [V311Session] speaks MQTT 3.1.1 through
// Eclipse Paho's paho.mqtt.golang client, [V5Session] speaks MQTT 5 through
// the low-level paho.golang client over a dialed net.Conn.
//
// [Publisher] is the single choke point for outbound traffic. Every state
// document, discovery config and availability message goes through it,
// and every publish outcome is returned to the caller.
package mqtt
