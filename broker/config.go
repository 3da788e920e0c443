package broker

import "github.com/vx-labs/crdt-sync/crdt"

type Config struct {
	DefaultKind crdt.Kind
}

func DefaultConfig() Config {
	return Config{
		DefaultKind: crdt.KindGCounter,
	}
}
