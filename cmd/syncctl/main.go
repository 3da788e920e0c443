package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vx-labs/crdt-sync/format"
	"github.com/vx-labs/crdt-sync/protocol"
	"github.com/vx-labs/crdt-sync/transport"
)

const stateTemplate = `  • {{ .Key | bold | green }}
    {{ "State" | faint }}: {{ .State | bufferToString }}
`

type stateView struct {
	Key   string
	State []byte
}

type client struct {
	conn    transport.TimeoutReadWriteCloser
	encoder *protocol.Encoder
	frames  chan protocol.Frame
	pending []protocol.Frame
}

func dial(ctx context.Context, host, nodeID string) (*client, error) {
	conn, err := transport.DialWS(ctx, fmt.Sprintf("ws://%s/sync", host))
	if err != nil {
		return nil, err
	}
	c := &client{
		conn:    conn,
		encoder: protocol.NewEncoder(conn),
		frames:  make(chan protocol.Frame, 64),
	}
	go func() {
		defer close(c.frames)
		dec := json.NewDecoder(conn)
		for {
			frame := protocol.Frame{}
			if err := dec.Decode(&frame); err != nil {
				return
			}
			c.frames <- frame
		}
	}()
	reply, err := c.request(protocol.EventConnect, map[string]interface{}{"node_id": nodeID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Status != protocol.StatusOK {
		conn.Close()
		return nil, reply.Error
	}
	return c, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *client) request(event string, payload interface{}) (protocol.Frame, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return protocol.Frame{}, err
	}
	err = c.encoder.Encode(protocol.Message{
		Event:     event,
		Payload:   buf,
		RequestID: uuid.New().String(),
	})
	if err != nil {
		return protocol.Frame{}, err
	}
	for frame := range c.frames {
		if frame.IsReply() {
			return frame, nil
		}
		c.pending = append(c.pending, frame)
	}
	return protocol.Frame{}, errors.New("connection closed")
}

// broadcasts drains buffered frames first, then the live stream.
func (c *client) broadcasts(f func(protocol.Frame) error) error {
	for _, frame := range c.pending {
		if frame.Event == protocol.EventStateUpdated {
			if err := f(frame); err != nil {
				return err
			}
		}
	}
	c.pending = nil
	for frame := range c.frames {
		if frame.Event == protocol.EventStateUpdated {
			if err := f(frame); err != nil {
				return err
			}
		}
	}
	return errors.New("connection closed")
}

// keepalive feeds the server's 45s inactivity window while a watch
// sits idle.
func (c *client) keepalive(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.encoder.Encode(protocol.Message{Event: protocol.EventHeartbeat}); err != nil {
					return
				}
			}
		}
	}()
}

func (c *client) join(key string) (protocol.JoinData, error) {
	join := protocol.JoinData{}
	reply, err := c.request(protocol.EventJoin, protocol.JoinPayload{Topic: protocol.TopicPrefix + key})
	if err != nil {
		return join, err
	}
	if reply.Status != protocol.StatusOK {
		return join, reply.Error
	}
	return join, json.Unmarshal(reply.Data, &join)
}

func (c *client) command(event, key string, payload map[string]interface{}) (protocol.StatePayload, error) {
	state := protocol.StatePayload{}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["key"] = key
	reply, err := c.request(event, payload)
	if err != nil {
		return state, err
	}
	if reply.Status != protocol.StatusOK {
		return state, reply.Error
	}
	return state, json.Unmarshal(reply.Data, &state)
}

func renderState(key string, state json.RawMessage) {
	tpl := format.ParseTemplate(stateTemplate)
	err := tpl.Execute(os.Stdout, stateView{Key: key, State: state})
	if err != nil {
		log.Printf("ERR: failed to display state of %q: %v", key, err)
	}
}

func withClient(f func(c *client, key string, argv []string) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, argv []string) {
		if len(argv) < 1 {
			log.Printf("ERR: missing key argument")
			os.Exit(1)
		}
		ctx := context.Background()
		c, err := dial(ctx, viper.GetString("host"), viper.GetString("node-id"))
		if err != nil {
			log.Printf("ERR: failed to connect: %v", err)
			os.Exit(1)
		}
		defer c.Close()
		if err := f(c, argv[0], argv[1:]); err != nil {
			log.Printf("ERR: %v", err)
			os.Exit(1)
		}
	}
}

func main() {
	root := &cobra.Command{
		Use:   "syncctl",
		Short: "inspect and mutate replicas on a crdt-sync server",
	}
	root.PersistentFlags().StringP("host", "H", "localhost:7655", "Server websocket address")
	root.PersistentFlags().StringP("node-id", "n", fmt.Sprintf("syncctl-%s", uuid.New().String()[0:8]), "Node id to author mutations with")
	viper.BindPFlag("host", root.PersistentFlags().Lookup("host"))
	viper.BindPFlag("node-id", root.PersistentFlags().Lookup("node-id"))

	root.AddCommand(&cobra.Command{
		Use:     "get key",
		Aliases: []string{"read"},
		Run: withClient(func(c *client, key string, _ []string) error {
			join, err := c.join(key)
			if err != nil {
				return err
			}
			renderState(key, join.State)
			return nil
		}),
	})
	root.AddCommand(&cobra.Command{
		Use: "watch key",
		Run: func(cmd *cobra.Command, argv []string) {
			if len(argv) < 1 {
				log.Printf("ERR: missing key argument")
				os.Exit(1)
			}
			key := argv[0]
			// each attempt dials a fresh session, so the watch
			// survives server restarts.
			err := backoff.Retry(func() error {
				c, err := dial(context.Background(), viper.GetString("host"), viper.GetString("node-id"))
				if err != nil {
					log.Printf("WARN: failed to connect, retrying: %v", err)
					return err
				}
				defer c.Close()
				join, err := c.join(key)
				if err != nil {
					return backoff.Permanent(err)
				}
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				c.keepalive(ctx)
				renderState(key, join.State)
				return c.broadcasts(func(frame protocol.Frame) error {
					payload := protocol.StatePayload{}
					if err := json.Unmarshal(frame.Payload, &payload); err != nil {
						return err
					}
					renderState(key, payload.State)
					return nil
				})
			}, backoff.NewExponentialBackOff())
			if err != nil {
				log.Printf("ERR: %v", err)
				os.Exit(1)
			}
		},
	})
	root.AddCommand(&cobra.Command{
		Use: "increment key",
		Run: withClient(func(c *client, key string, _ []string) error {
			state, err := c.command(protocol.EventIncrement, key, nil)
			if err != nil {
				return err
			}
			renderState(key, state.State)
			return nil
		}),
	})
	root.AddCommand(&cobra.Command{
		Use: "decrement key",
		Run: withClient(func(c *client, key string, _ []string) error {
			state, err := c.command(protocol.EventDecrement, key, nil)
			if err != nil {
				return err
			}
			renderState(key, state.State)
			return nil
		}),
	})
	root.AddCommand(&cobra.Command{
		Use: "set key value",
		Run: withClient(func(c *client, key string, argv []string) error {
			if len(argv) < 1 {
				return errors.New("missing value argument")
			}
			var value interface{}
			if err := json.Unmarshal([]byte(argv[0]), &value); err != nil {
				value = argv[0]
			}
			state, err := c.command(protocol.EventSet, key, map[string]interface{}{"value": value})
			if err != nil {
				return err
			}
			renderState(key, state.State)
			return nil
		}),
	})
	root.AddCommand(&cobra.Command{
		Use: "add key element",
		Run: withClient(func(c *client, key string, argv []string) error {
			if len(argv) < 1 {
				return errors.New("missing element argument")
			}
			state, err := c.command(protocol.EventAdd, key, map[string]interface{}{"element": argv[0]})
			if err != nil {
				return err
			}
			renderState(key, state.State)
			return nil
		}),
	})
	root.AddCommand(&cobra.Command{
		Use: "remove key element",
		Run: withClient(func(c *client, key string, argv []string) error {
			if len(argv) < 1 {
				return errors.New("missing element argument")
			}
			state, err := c.command(protocol.EventRemove, key, map[string]interface{}{"element": argv[0]})
			if err != nil {
				return err
			}
			renderState(key, state.State)
			return nil
		}),
	})
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
