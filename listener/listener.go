package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/vx-labs/crdt-sync/commands"
	"github.com/vx-labs/crdt-sync/crdt"
	"github.com/vx-labs/crdt-sync/policy"
	"github.com/vx-labs/crdt-sync/protocol"
	"github.com/vx-labs/crdt-sync/registry"
	"github.com/vx-labs/crdt-sync/transport"
)

var (
	ErrSessionNotFound = errors.New("session not found on this endpoint")
)

// Broker is the service surface a session drives. The endpoint only
// routes and frames; all shared state lives behind this interface.
type Broker interface {
	Connect(ctx context.Context, metadata transport.Metadata, connect protocol.ConnectPayload) (string, policy.Registration, error)
	Join(ctx context.Context, key string, sub *registry.Subscriber) (crdt.State, error)
	Leave(ctx context.Context, key string, sub *registry.Subscriber) error
	Command(ctx context.Context, cache *commands.IdempotencyCache, cmd commands.Command, origin *registry.Subscriber) (crdt.State, bool, error)
	Sync(ctx context.Context, key string, clientState crdt.State, profile policy.Profile) (crdt.State, error)
	CloseSession(ctx context.Context, sessionID string, sub *registry.Subscriber) error
}

type Endpoint interface {
	CloseSession(ctx context.Context, id string) error
	Close() error
}

type endpoint struct {
	id         string
	mutex      sync.Mutex
	sessions   *btree.BTree
	transports []net.Listener
	broker     Broker
	logger     *zap.Logger
}

type Config struct {
	TCPPort   int
	WSPort    int
	TLSPort   int
	WSSPort   int
	TLSConfig *tls.Config
}

func New(id string, logger *zap.Logger, broker Broker, config Config) (*endpoint, error) {
	local := &endpoint{
		id:       id,
		sessions: btree.New(2),
		broker:   broker,
		logger:   logger,
	}
	if config.TCPPort > 0 {
		ln, err := transport.NewTCPTransport(config.TCPPort, logger, local.newSession)
		if err != nil {
			return nil, err
		}
		local.transports = append(local.transports, ln)
	}
	if config.WSPort > 0 {
		ln, err := transport.NewWSTransport(config.WSPort, logger, local.newSession)
		if err != nil {
			return nil, err
		}
		local.transports = append(local.transports, ln)
	}
	if config.TLSPort > 0 && config.TLSConfig != nil {
		ln, err := transport.NewTLSTransport(config.TLSConfig, config.TLSPort, logger, local.newSession)
		if err != nil {
			return nil, err
		}
		local.transports = append(local.transports, ln)
	}
	if config.WSSPort > 0 && config.TLSConfig != nil {
		ln, err := transport.NewWSSTransport(config.TLSConfig, config.WSSPort, logger, local.newSession)
		if err != nil {
			return nil, err
		}
		local.transports = append(local.transports, ln)
	}
	return local, nil
}

func (local *endpoint) newSession(metadata transport.Metadata) error {
	metadata.Endpoint = local.id
	go local.runLocalSession(metadata)
	return nil
}

func (local *endpoint) Close() error {
	for idx := range local.transports {
		local.transports[idx].Close()
	}
	return nil
}

func (local *endpoint) CloseSession(ctx context.Context, id string) error {
	local.mutex.Lock()
	defer local.mutex.Unlock()
	session := local.sessions.Delete(&localSession{id: id})
	if session != nil {
		return session.(*localSession).transport.Close()
	}
	return ErrSessionNotFound
}

type localSession struct {
	id           string
	nodeID       string
	key          string
	encoder      *protocol.Encoder
	transport    transport.TimeoutReadWriteCloser
	subscriber   *registry.Subscriber
	cache        *commands.IdempotencyCache
	registration policy.Registration
	logger       *zap.Logger
}

func (local *localSession) Less(remote btree.Item) bool {
	return strings.Compare(local.id, remote.(*localSession).id) > 0
}
