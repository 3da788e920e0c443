package listener

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vx-labs/crdt-sync/commands"
	"github.com/vx-labs/crdt-sync/crdt"
	"github.com/vx-labs/crdt-sync/policy"
	"github.com/vx-labs/crdt-sync/protocol"
	"github.com/vx-labs/crdt-sync/registry"
	"github.com/vx-labs/crdt-sync/transport"
)

var CONNECT_DEADLINE int32 = 15
var KEEPALIVE_DEADLINE int32 = 45

var (
	ErrSessionDisconnected = errors.New("session disconnected")
	ErrConnectNotDone      = errors.New("connect not done")
)

// eventCommands maps wire verbs onto processor command types.
var eventCommands = map[string]string{
	protocol.EventIncrement:   commands.TypeIncrement,
	protocol.EventIncrementBy: commands.TypeIncrementBy,
	protocol.EventDecrement:   commands.TypeDecrement,
	protocol.EventSet:         commands.TypeSet,
	protocol.EventAdd:         commands.TypeAdd,
	protocol.EventRemove:      commands.TypeRemove,
	protocol.EventMerge:       commands.TypeMerge,
}

type DeadlineSetter interface {
	SetDeadline(time.Time) error
}

func renewDeadline(timer int32, conn DeadlineSetter) error {
	deadline := time.Now().Add(time.Duration(timer) * time.Second)
	return conn.SetDeadline(deadline)
}

func (local *endpoint) runLocalSession(t transport.Metadata) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fields := []zapcore.Field{
		zap.String("remote_address", t.RemoteAddress),
		zap.String("transport", t.Name),
	}
	logger := local.logger.WithOptions(zap.Fields(fields...))
	session := &localSession{
		encoder:   protocol.NewEncoder(t.Channel),
		transport: t.Channel,
		logger:    logger,
	}
	sessionsOpen.Inc()
	defer sessionsOpen.Dec()
	defer func() {
		if session.subscriber != nil {
			session.subscriber.Close()
		}
		t.Channel.Close()
		local.mutex.Lock()
		local.sessions.Delete(session)
		local.mutex.Unlock()
		cancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			session.logger.Error("session panicked", zap.Any("panic", r))
			if session.id != "" {
				local.broker.CloseSession(ctx, session.id, session.subscriber)
			}
		}
	}()
	err := local.handleSessionFrames(ctx, session, t)
	if err != nil {
		if session.id != "" {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				session.logger.Info("session lost", zap.String("reason", "io timeout"))
			} else {
				session.logger.Info("session lost", zap.String("reason", err.Error()))
			}
			local.broker.CloseSession(ctx, session.id, session.subscriber)
		}
	} else {
		session.logger.Info("session disconnected")
		if session.id != "" {
			local.broker.CloseSession(ctx, session.id, session.subscriber)
		}
	}
}

func (local *endpoint) handleSessionFrames(ctx context.Context, session *localSession, t transport.Metadata) error {
	session.logger.Info("accepted new connection")
	dec := protocol.Async(t.Channel)
	defer dec.Cancel()
	renewDeadline(CONNECT_DEADLINE, t.Channel)
	for message := range dec.Messages() {
		renewDeadline(KEEPALIVE_DEADLINE, t.Channel)
		switch message.Event {
		case protocol.EventConnect:
			if session.id != "" {
				session.reply(protocol.Failed(protocol.NewError(protocol.ErrInvalidCommand, "already connected")))
				continue
			}
			connect := protocol.ConnectPayload{}
			if len(message.Payload) > 0 {
				if err := json.Unmarshal(message.Payload, &connect); err != nil {
					session.sendClose("decode_error")
					return err
				}
			}
			id, registration, err := local.broker.Connect(ctx, t, connect)
			if err != nil {
				session.reply(protocol.Failed(protocol.NewError(protocol.ErrUnauthorized, err.Error())))
				session.sendClose("unauthorized")
				return ErrConnectNotDone
			}
			session.id = id
			session.nodeID = connect.NodeID
			session.cache = commands.NewIdempotencyCache(commands.DefaultIdempotencyWindow)
			session.registration = registration
			session.logger = session.logger.WithOptions(zap.Fields(
				zap.String("session_id", id),
				zap.String("node_id", connect.NodeID)))
			local.mutex.Lock()
			old := local.sessions.ReplaceOrInsert(session)
			local.mutex.Unlock()
			if old != nil {
				old.(*localSession).transport.Close()
			}
			session.reply(protocol.OK(map[string]interface{}{
				"session_id": id,
				"profile":    string(registration.Profile),
				"config":     policy.Config(registration.Profile),
			}))
			session.logger.Info("started session", zap.String("profile", string(registration.Profile)))
		case protocol.EventHeartbeat:
			if session.id == "" {
				return ErrConnectNotDone
			}
			session.reply(protocol.OK(nil))
		case protocol.EventJoin:
			if session.id == "" {
				return ErrConnectNotDone
			}
			session.handleJoin(ctx, local.broker, message)
		case protocol.EventLeave:
			if session.id == "" {
				return ErrConnectNotDone
			}
			session.handleLeave(ctx, local.broker)
		case protocol.EventSync:
			if session.id == "" {
				return ErrConnectNotDone
			}
			session.handleSync(ctx, local.broker, message)
		default:
			if session.id == "" {
				return ErrConnectNotDone
			}
			commandType, ok := eventCommands[message.Event]
			if !ok {
				session.reply(protocol.Failed(protocol.NewError(protocol.ErrUnknownCommand, "unknown event "+message.Event)))
				continue
			}
			// commands run on the session loop: the reply stream
			// stays FIFO with the broadcasts queued after commit.
			session.handleCommand(ctx, local.broker, commandType, message)
		}
	}
	if err := dec.Err(); err != nil {
		session.sendClose("decode_error")
		return err
	}
	return nil
}

func (session *localSession) handleJoin(ctx context.Context, broker Broker, message protocol.Message) {
	join := protocol.JoinPayload{}
	if len(message.Payload) > 0 {
		if err := json.Unmarshal(message.Payload, &join); err != nil {
			session.reply(protocol.Failed(protocol.NewError(protocol.ErrInvalidCommand, "malformed join payload")))
			return
		}
	}
	if !strings.HasPrefix(join.Topic, protocol.TopicPrefix) {
		session.reply(protocol.Failed(protocol.NewError(protocol.ErrUnauthorized, "topic must be prefixed with "+protocol.TopicPrefix)))
		return
	}
	key := strings.TrimPrefix(join.Topic, protocol.TopicPrefix)
	if key == "" || strings.ContainsRune(key, 0) {
		session.reply(protocol.Failed(protocol.NewError(protocol.ErrInvalidCommand, "invalid key")))
		return
	}
	if session.subscriber != nil {
		// one logical join at a time: joining a new topic leaves the
		// previous one first.
		broker.Leave(ctx, session.key, session.subscriber)
		session.subscriber.Close()
		session.subscriber = nil
		session.key = ""
	}
	config := policy.Config(session.registration.Profile)
	sub := registry.NewSubscriber(session.id, config.MaxBatchSize*4)
	state, err := broker.Join(ctx, key, sub)
	if err != nil {
		sub.Close()
		session.replyError(err)
		return
	}
	buf, err := crdt.Encode(state)
	if err != nil {
		sub.Close()
		session.replyError(err)
		return
	}
	session.key = key
	session.subscriber = sub
	go session.forwardBroadcasts(sub, config)
	session.reply(protocol.OK(protocol.JoinData{
		State:   buf,
		Profile: string(session.registration.Profile),
		Config:  config,
	}))
	session.logger.Info("session joined topic", zap.String("key", key))
}

func (session *localSession) handleLeave(ctx context.Context, broker Broker) {
	if session.subscriber == nil {
		session.reply(protocol.Failed(protocol.NewError(protocol.ErrNotFound, "no joined topic")))
		return
	}
	broker.Leave(ctx, session.key, session.subscriber)
	session.subscriber.Close()
	session.subscriber = nil
	session.key = ""
	session.reply(protocol.OK(nil))
}

func (session *localSession) handleSync(ctx context.Context, broker Broker, message protocol.Message) {
	if session.subscriber == nil {
		session.reply(protocol.Failed(protocol.NewError(protocol.ErrNotFound, "no joined topic")))
		return
	}
	payload := protocol.StatePayload{}
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		session.reply(protocol.Failed(protocol.NewError(protocol.ErrInvalidCommand, "malformed sync payload")))
		return
	}
	clientState, err := crdt.Decode(payload.State)
	if err != nil {
		session.reply(protocol.Failed(protocol.NewError(protocol.ErrInvalidCommand, err.Error())))
		return
	}
	state, err := broker.Sync(ctx, session.key, clientState, session.registration.Profile)
	if err != nil {
		session.replyError(err)
		return
	}
	buf, err := crdt.Encode(state)
	if err != nil {
		session.replyError(err)
		return
	}
	session.reply(protocol.OK(protocol.StatePayload{State: buf}))
}

func (session *localSession) handleCommand(ctx context.Context, broker Broker, commandType string, message protocol.Message) {
	payload := map[string]interface{}{}
	if len(message.Payload) > 0 {
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			session.reply(protocol.Failed(protocol.NewError(protocol.ErrInvalidCommand, "malformed command payload")))
			return
		}
	}
	if _, ok := payload["key"]; !ok && session.key != "" {
		payload["key"] = session.key
	}
	if commandType != commands.TypeMerge && commandType != commands.TypeRemove {
		// mutations are always authored by the connected node; a peer
		// cannot grow another node's entry on its behalf.
		payload["node_id"] = session.nodeID
	}
	state, _, err := broker.Command(ctx, session.cache, commands.Command{
		Type:      commandType,
		Payload:   payload,
		RequestID: message.RequestID,
		Timestamp: time.Now().UnixNano(),
	}, session.subscriber)
	if err != nil {
		session.replyError(err)
		return
	}
	buf, err := crdt.Encode(state)
	if err != nil {
		session.replyError(err)
		return
	}
	session.reply(protocol.OK(protocol.StatePayload{State: buf}))
}

// forwardBroadcasts turns registry broadcasts into state_updated
// frames. Batching profiles coalesce: only the latest state per key
// survives until the tick.
func (session *localSession) forwardBroadcasts(sub *registry.Subscriber, config policy.ProfileConfig) {
	if !config.BatchEvents {
		for {
			select {
			case <-sub.Done():
				return
			case frame := <-sub.Frames():
				if err := session.sendStateUpdated(frame); err != nil {
					sub.Close()
					return
				}
			}
		}
	}
	interval := time.Duration(config.UpdateFrequencyMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	pending := map[string]registry.Broadcast{}
	for {
		select {
		case <-sub.Done():
			return
		case frame := <-sub.Frames():
			pending[frame.Key] = frame
		case <-ticker.C:
			sent := 0
			for key, frame := range pending {
				if sent >= config.MaxBatchSize {
					break
				}
				if err := session.sendStateUpdated(frame); err != nil {
					sub.Close()
					return
				}
				delete(pending, key)
				sent++
			}
		}
	}
}

func (session *localSession) sendStateUpdated(frame registry.Broadcast) error {
	buf, err := crdt.Encode(frame.State)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(protocol.StatePayload{State: buf})
	if err != nil {
		return err
	}
	return session.encoder.Encode(protocol.Message{
		Event:   protocol.EventStateUpdated,
		Payload: payload,
	})
}

func (session *localSession) reply(reply protocol.Reply) {
	if err := session.encoder.Encode(reply); err != nil {
		session.logger.Debug("failed to write reply", zap.Error(err))
	}
}

func (session *localSession) replyError(err error) {
	if perr, ok := err.(*protocol.Error); ok {
		session.reply(protocol.Failed(perr))
		return
	}
	session.reply(protocol.Failed(protocol.NewError(protocol.ErrInternal, err.Error())))
}

func (session *localSession) sendClose(reason string) {
	payload, err := json.Marshal(protocol.ClosePayload{Reason: reason})
	if err != nil {
		return
	}
	session.encoder.Encode(protocol.Message{
		Event:   protocol.EventClose,
		Payload: payload,
	})
}
