package events

import (
	"github.com/labstack/gommon/log"
)

// RoomBroadcaster 由 hub 实现
type RoomBroadcaster interface {
	Broadcast(room string, data map[string]interface{})
}

// EventSink 可选的事件旁路（Kafka 生产者实现），用于外部分析。
// 发送失败只打日志，绝不影响已提交的状态变更。
type EventSink interface {
	SendMessage(topic string, key string, value interface{}) error
}

// Dispatcher 把事件扇出到 websocket 房间，并可选镜像到 Kafka。
type Dispatcher struct {
	hub   RoomBroadcaster
	sink  EventSink
	topic string
}

func NewDispatcher(hub RoomBroadcaster, sink EventSink, topic string) *Dispatcher {
	return &Dispatcher{
		hub:   hub,
		sink:  sink,
		topic: topic,
	}
}

func (d *Dispatcher) Publish(room string, ev Event) {
	d.hub.Broadcast(room, map[string]interface{}{
		"type":    ev.Type,
		"payload": ev.Payload,
	})

	if d.sink == nil {
		return
	}
	// 镜像是尽力而为
	if err := d.sink.SendMessage(d.topic, room, ev); err != nil {
		log.Warnf("event mirror failed (room=%s type=%s): %v", room, ev.Type, err)
	}
}
