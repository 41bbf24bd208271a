// Package p2p gossips signed orders between nodes so every node's list sees the same offers.
package p2p

import (
	"context"
	"fmt"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/transaction"
)

const TopicOrders = "stakeliquidator/orders/1"

// OrderHandler receives orders published by other peers.
type OrderHandler func(ctx context.Context, o *transaction.SignedOrder, from peer.ID)

type RelayConfig struct {
	ListenAddr string // multiaddr, empty for a random local port
	Bootstrap  []string
	Topic      string // defaults to TopicOrders
	Logger     *zap.SugaredLogger
}

type Relay struct {
	h       host.Host
	ps      *pubsub.PubSub
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler OrderHandler
	log     *zap.SugaredLogger
	cancel  context.CancelFunc
}

func NewRelay(ctx context.Context, cfg RelayConfig, handler OrderHandler) (*Relay, error) {
	if cfg.Topic == "" {
		cfg.Topic = TopicOrders
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Relay{h: h, handler: handler, log: log, cancel: cancel}
	if err := r.join(ctx, cfg.Topic); err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	for _, bs := range cfg.Bootstrap {
		if err := r.Connect(ctx, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	go r.handleOrders(ctx)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return r, nil
}

func (r *Relay) join(ctx context.Context, topic string) error {
	ps, err := pubsub.NewGossipSub(ctx, r.h)
	if err != nil {
		return fmt.Errorf("failed to start gossipsub: %w", err)
	}
	// Malformed envelopes are dropped before they are forwarded.
	err = ps.RegisterTopicValidator(topic, func(_ context.Context, _ peer.ID, msg *pubsub.Message) bool {
		_, err := decodeOrder(msg.Data)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("failed to register validator: %w", err)
	}
	if r.topic, err = ps.Join(topic); err != nil {
		return fmt.Errorf("failed to join %s: %w", topic, err)
	}
	if r.sub, err = r.topic.Subscribe(); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}
	r.ps = ps
	return nil
}

// Connect dials a peer given as a full /p2p/ multiaddr.
func (r *Relay) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return r.h.Connect(ctx, *info)
}

func (r *Relay) Host() host.Host { return r.h }

// Addrs returns dialable /p2p/ multiaddrs for this relay.
func (r *Relay) Addrs() []string {
	suffix := "/p2p/" + r.h.ID().String()
	out := make([]string, 0, len(r.h.Addrs()))
	for _, a := range r.h.Addrs() {
		out = append(out, a.String()+suffix)
	}
	return out
}

// Peers returns how many peers share the order topic.
func (r *Relay) Peers() int { return len(r.topic.ListPeers()) }

func (r *Relay) PublishOrder(ctx context.Context, o *transaction.SignedOrder) error {
	data, err := encodeOrder(o, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	return r.topic.Publish(ctx, data)
}

func (r *Relay) Close() error {
	r.cancel()
	r.sub.Cancel()
	if err := r.topic.Close(); err != nil {
		r.log.Debugw("topic_close_failed", "err", err)
	}
	return r.h.Close()
}

// inbound

func (r *Relay) handleOrders(ctx context.Context) {
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == r.h.ID() {
			continue
		}
		o, err := decodeOrder(msg.Data)
		if err != nil {
			continue
		}
		if r.handler != nil {
			r.handler(ctx, o, msg.ReceivedFrom)
		}
	}
}
