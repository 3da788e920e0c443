package protocol

import (
	"encoding/json"
	"io"
	"sync"
)

// Encoder writes one JSON document per frame. A mutex keeps frames
// whole when replies and broadcasts share the stream.
type Encoder struct {
	mtx sync.Mutex
	out *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{out: json.NewEncoder(w)}
}

func (e *Encoder) Encode(v interface{}) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.out.Encode(v)
}

// AsyncDecoder reads frames on its own goroutine and delivers them on
// a channel, so the session loop can select against cancellation.
type AsyncDecoder struct {
	messages chan Message
	cancel   chan struct{}
	once     sync.Once

	mtx sync.Mutex
	err error
}

func Async(r io.Reader) *AsyncDecoder {
	d := &AsyncDecoder{
		messages: make(chan Message),
		cancel:   make(chan struct{}),
	}
	go d.run(r)
	return d
}

func (d *AsyncDecoder) run(r io.Reader) {
	defer close(d.messages)
	decoder := json.NewDecoder(r)
	for {
		message := Message{}
		err := decoder.Decode(&message)
		if err != nil {
			d.mtx.Lock()
			d.err = err
			d.mtx.Unlock()
			return
		}
		select {
		case d.messages <- message:
		case <-d.cancel:
			return
		}
	}
}

// Messages is closed when the stream ends; Err reports why.
func (d *AsyncDecoder) Messages() <-chan Message {
	return d.messages
}

func (d *AsyncDecoder) Cancel() {
	d.once.Do(func() {
		close(d.cancel)
	})
}

func (d *AsyncDecoder) Err() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.err == io.EOF {
		return nil
	}
	return d.err
}
