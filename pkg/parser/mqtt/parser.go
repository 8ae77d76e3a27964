// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/absmach/protomux/pkg/errors"
	"github.com/absmach/protomux/pkg/handler"
	"github.com/absmach/protomux/pkg/metrics"
	"github.com/absmach/protomux/pkg/parser"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ErrUnauthorized is returned when authorization fails.
var ErrUnauthorized = errors.ErrUnauthorized

// Parser implements the parser.Parser interface for MQTT protocol.
// The zero value is ready to use.
type Parser struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

var _ parser.Parser = (*Parser)(nil)

func (p *Parser) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Parse reads one MQTT packet from r, processes it, and writes to w.
// It implements bidirectional packet inspection and modification:
// - Upstream (client→backend): Extracts auth, authorizes, may modify
// - Downstream (backend→client): Filters broker deliveries through AuthSubscribe
func (p *Parser) Parse(ctx context.Context, r io.Reader, w io.Writer, dir parser.Direction, h handler.Handler, hctx *handler.Context) error {
	// Read MQTT packet
	pkt, err := packets.ReadPacket(r)
	if err != nil {
		return err
	}
	p.Metrics.MQTTPacket(packetType(pkt), dir.String())

	// Process based on direction
	forward := true
	if dir == parser.Upstream {
		// Client → Backend
		if err := p.handleUpstream(ctx, pkt, h, hctx); err != nil {
			return err
		}
	} else {
		// Backend → Client
		forward, err = p.handleDownstream(ctx, pkt, h, hctx)
		if err != nil {
			return err
		}
	}
	if !forward {
		return nil
	}

	// Write packet to destination
	if err := pkt.Write(w); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	return nil
}

// packetType names pkt for metrics, e.g. "publish".
func packetType(pkt packets.ControlPacket) string {
	name := strings.TrimPrefix(fmt.Sprintf("%T", pkt), "*packets.")
	return strings.ToLower(strings.TrimSuffix(name, "Packet"))
}

// handleUpstream processes upstream (client→backend) packets.
func (p *Parser) handleUpstream(ctx context.Context, pkt packets.ControlPacket, h handler.Handler, hctx *handler.Context) error {
	switch packet := pkt.(type) {
	case *packets.ConnectPacket:
		return p.handleConnect(ctx, packet, h, hctx)

	case *packets.PublishPacket:
		return p.handlePublish(ctx, packet, h, hctx)

	case *packets.SubscribePacket:
		return p.handleSubscribe(ctx, packet, h, hctx)

	case *packets.UnsubscribePacket:
		p.notify("unsubscribe", hctx, h.OnUnsubscribe(ctx, hctx, append([]string(nil), packet.Topics...)))
		return nil

	default:
		// Other packets (PINGREQ, PUBACK, PUBREC, PUBREL, PUBCOMP, DISCONNECT)
		// are forwarded as-is. DISCONNECT ends the stream, which notifies
		// the handler.
		return nil
	}
}

// handleDownstream processes downstream (backend→client) packets. A
// broker delivery whose topic the handler filters out is dropped.
func (p *Parser) handleDownstream(ctx context.Context, pkt packets.ControlPacket, h handler.Handler, hctx *handler.Context) (bool, error) {
	packet, ok := pkt.(*packets.PublishPacket)
	if !ok {
		return true, nil
	}

	topics := []string{packet.TopicName}
	if err := h.AuthSubscribe(ctx, hctx, &topics); err != nil {
		if stderrors.Is(err, errors.ErrUnauthorized) {
			p.logger().Debug("dropped broker delivery",
				slog.String("session", hctx.SessionID),
				slog.String("topic", packet.TopicName),
			)
			return false, nil
		}
		return false, err
	}
	if len(topics) == 0 {
		return false, nil
	}
	packet.TopicName = topics[0]
	return true, nil
}

// handleConnect processes MQTT CONNECT packets. A refused CONNECT is
// answered with a CONNACK carrying the refusal code.
func (p *Parser) handleConnect(ctx context.Context, packet *packets.ConnectPacket, h handler.Handler, hctx *handler.Context) error {
	// Extract credentials from CONNECT packet
	hctx.ClientID = packet.ClientIdentifier
	hctx.Username = packet.Username
	hctx.Password = packet.Password
	hctx.Protocol = "mqtt"

	// Authorize connection
	if err := h.AuthConnect(ctx, hctx); err != nil {
		return &parser.Rejection{
			Reply: connack(refusalCode(err)),
			Err:   fmt.Errorf("connection authorization failed: %w", err),
		}
	}

	// Update packet with potentially modified credentials
	packet.ClientIdentifier = hctx.ClientID
	packet.Username = hctx.Username
	packet.UsernameFlag = hctx.Username != ""
	packet.Password = hctx.Password
	packet.PasswordFlag = len(hctx.Password) > 0

	p.notify("connect", hctx, h.OnConnect(ctx, hctx))
	return nil
}

func refusalCode(err error) byte {
	if stderrors.Is(err, errors.ErrUnauthorized) {
		return packets.ErrRefusedNotAuthorised
	}
	return packets.ErrRefusedBadUsernameOrPassword
}

func connack(code byte) []byte {
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = code
	var buf bytes.Buffer
	if err := ack.Write(&buf); err != nil {
		return nil
	}
	return buf.Bytes()
}

// handlePublish processes MQTT PUBLISH packets.
func (p *Parser) handlePublish(ctx context.Context, packet *packets.PublishPacket, h handler.Handler, hctx *handler.Context) error {
	topic := packet.TopicName
	payload := packet.Payload

	// Authorize publish (allows modification)
	if err := h.AuthPublish(ctx, hctx, &topic, &payload); err != nil {
		return fmt.Errorf("publish authorization failed: %w", err)
	}

	// Update packet with potentially modified topic/payload
	packet.TopicName = topic
	packet.Payload = payload

	p.notify("publish", hctx, h.OnPublish(ctx, hctx, topic, payload))
	return nil
}

// handleSubscribe processes MQTT SUBSCRIBE packets.
func (p *Parser) handleSubscribe(ctx context.Context, packet *packets.SubscribePacket, h handler.Handler, hctx *handler.Context) error {
	topics := append([]string(nil), packet.Topics...)

	// Authorize subscription (allows modification)
	if err := h.AuthSubscribe(ctx, hctx, &topics); err != nil {
		return fmt.Errorf("subscribe authorization failed: %w", err)
	}

	// Keep one QoS per topic.
	switch {
	case len(packet.Qoss) < len(topics):
		for len(packet.Qoss) < len(topics) {
			packet.Qoss = append(packet.Qoss, 0)
		}
	case len(packet.Qoss) > len(topics):
		packet.Qoss = packet.Qoss[:len(topics)]
	}
	packet.Topics = topics

	p.notify("subscribe", hctx, h.OnSubscribe(ctx, hctx, topics))
	return nil
}

// notify logs a failed notification hook. Notifications never fail the
// packet.
func (p *Parser) notify(event string, hctx *handler.Context, err error) {
	if err == nil {
		return
	}
	p.logger().Warn("notification handler error",
		slog.String("event", event),
		slog.String("session", hctx.SessionID),
		slog.String("error", err.Error()),
	)
}
