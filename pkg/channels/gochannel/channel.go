// Package gochannel provides the in-process transport behind the watermill
// event bus, for tests and single-node development.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const DefaultOutputBuffer = 1000

// CreateChannel creates a GoChannel-based publisher and subscriber.
// Messages are not persisted: a subscriber only receives what is published
// after it subscribed, matching the Redis and Kafka buses.
func CreateChannel(logger watermill.LoggerAdapter) (*gochannel.GoChannel, *gochannel.GoChannel, error) {
	return CreateBufferedChannel(logger, DefaultOutputBuffer)
}

// CreateBufferedChannel is CreateChannel with an explicit per-subscriber buffer.
func CreateBufferedChannel(logger watermill.LoggerAdapter, buffer int64) (*gochannel.GoChannel, *gochannel.GoChannel, error) {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)

	// GoChannel implements both Publisher and Subscriber interfaces
	return pubSub, pubSub, nil
}
