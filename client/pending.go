package client

import (
	"sync"

	"github.com/bikeiot/phased/proto"
)

// pendingAcks correlates published requests with inbound acks by
// transport message id. Publish happens under the table lock: the
// transport only hands out the mid on return, and the matching ack can
// race in over another goroutine as soon as the broker has the message.
type pendingAcks struct {
	mu    sync.Mutex
	chans map[uint16]chan *proto.Ack
}

func (p *pendingAcks) init() {
	p.chans = make(map[uint16]chan *proto.Ack)
}

type publisher interface {
	Publish(topic string, payload []byte, qos byte) (uint16, error)
}

func (p *pendingAcks) publish(bus publisher, topic string, payload []byte, qos byte) (uint16, chan *proto.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mid, err := bus.Publish(topic, payload, qos)
	if err != nil {
		return 0, nil, err
	}
	if mid == 0 {
		return 0, nil, nil
	}
	ch := make(chan *proto.Ack, 1)
	p.chans[mid] = ch
	return mid, ch, nil
}

func (p *pendingAcks) resolve(mid uint16, ack *proto.Ack) bool {
	p.mu.Lock()
	ch, ok := p.chans[mid]
	if ok {
		delete(p.chans, mid)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ack
	return true
}

func (p *pendingAcks) forget(mid uint16) {
	p.mu.Lock()
	delete(p.chans, mid)
	p.mu.Unlock()
}
