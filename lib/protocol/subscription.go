// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// SubscriptionRequest declares the complete subscription state a
// client wants for one event. It replaces, never adds to, whatever the
// broker held before. AllChannels false with no Channels means
// unsubscribe.
//
// Wire form: [eventName, allChannels, channels, lastRequestTime].
type SubscriptionRequest struct {
	_ struct{} `cbor:",toarray"`

	EventName   string
	AllChannels bool
	Channels    []Channel

	// LastRequestTime is the epoch-ms timestamp of the last event the
	// client received, or -1 if it has received none. Replay handlers
	// use it to send only what changed since.
	LastRequestTime int64
}

// NewSubscriptionRequest builds a request with channels de-duplicated
// and never nil, so the channel list always encodes as an array.
func NewSubscriptionRequest(eventName string, allChannels bool, channels []Channel, lastRequestTime int64) SubscriptionRequest {
	return SubscriptionRequest{
		EventName:       eventName,
		AllChannels:     allChannels,
		Channels:        NormalizeChannels(channels),
		LastRequestTime: lastRequestTime,
	}
}

// IsUnsubscribe reports whether the request removes the subscription.
func (r SubscriptionRequest) IsUnsubscribe() bool {
	return !r.AllChannels && len(r.Channels) == 0
}

// SubscriptionResponse answers a SubscriptionRequest. EventReplay is
// nil or a value of a registered type carrying state the client
// missed.
//
// Wire form: CBOR null, or the [name, payload] envelope of the replay.
type SubscriptionResponse struct {
	EventReplay any
}

// EncodeResponse returns the wire form of response.
func EncodeResponse(registry *Registry, response SubscriptionResponse) ([]byte, error) {
	data, err := registry.EncodeOptional(response.EventReplay)
	if err != nil {
		return nil, fmt.Errorf("encoding event replay: %w", err)
	}
	return data, nil
}

// DecodeResponse parses the wire form of a SubscriptionResponse.
func DecodeResponse(registry *Registry, data []byte) (SubscriptionResponse, error) {
	replay, err := registry.DecodeOptional(data)
	if err != nil {
		return SubscriptionResponse{}, fmt.Errorf("decoding event replay: %w", err)
	}
	return SubscriptionResponse{EventReplay: replay}, nil
}

// Timestamped is implemented by events that know when the state they
// carry last changed (epoch ms). Subscription clients use it as the
// next request's LastRequestTime.
type Timestamped interface {
	Timestamp() int64
}
