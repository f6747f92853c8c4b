package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBDelaySample is one delay measurement reported by a client on close.
type DBDelaySample struct {
	Seq         uint64 `msgpack:"seq"`
	Username    string `msgpack:"username"`
	DelayMillis int64  `msgpack:"delayMillis"`
	RecordedAt  int64  `msgpack:"recordedAt"`
}

func (s *DBDelaySample) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, s.Seq)
	return key
}

func (s *DBDelaySample) MarshalBinary() (data []byte, err error) {
	type alias DBDelaySample
	return msgpack.Marshal((*alias)(s))
}

func (s *DBDelaySample) UnmarshalBinary(data []byte) error {
	type alias DBDelaySample
	return msgpack.Unmarshal(data, (*alias)(s))
}

var _ Storeable = (*DBDelaySample)(nil)
