package mqtt

import (
	"context"
	"errors"
)

// TopicWriter binds a topic name and write options to a connection, so
// publishers can hold one value per destination.
type TopicWriter struct {
	Name    string
	Options []WriteOption
	Conn    *Conn
}

// Publish publishes a message to the topic.
func (tp *TopicWriter) Publish(ctx context.Context, b []byte) error {
	if tp == nil {
		return errors.New("mqtt: publish to nil topic writer")
	}
	return tp.Conn.WriteToTopic(ctx, b, tp.Name, tp.Options...)
}
