// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt authorizes MQTT 3.1 and 3.1.1 sessions packet by packet.
// Packets are decoded and re-encoded with the paho packets package, so a
// handler may rewrite what the backend receives.
//
// Client packets:
//
//	CONNECT      ClientID, Username and Password go into the session, then
//	             AuthConnect. Rewritten credentials are encoded back into the
//	             packet. A refusal answers CONNACK 5 for ErrUnauthorized and
//	             CONNACK 4 otherwise, then closes.
//	PUBLISH      AuthPublish may rewrite topic and payload, then OnPublish.
//	SUBSCRIBE    AuthSubscribe may filter the topic list; QoS entries follow
//	             the filtered list. Then OnSubscribe.
//	UNSUBSCRIBE  OnUnsubscribe.
//
// Broker packets pass through, except PUBLISH deliveries: AuthSubscribe is
// asked about the topic and an ErrUnauthorized or an emptied list drops the
// delivery.
//
// Notification errors are logged and never fail a packet. With Metrics set
// every packet is counted by type and direction.
package mqtt
