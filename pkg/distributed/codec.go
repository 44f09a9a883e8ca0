package distributed

import (
	"bytes"
	"sort"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sandboxws/windist/pkg/cache"
)

// Wire field numbers of the message header.
const (
	fieldKind       protowire.Number = 1
	fieldMessageID  protowire.Number = 2
	fieldCacheID    protowire.Number = 3
	fieldSource     protowire.Number = 4
	fieldTarget     protowire.Number = 5
	fieldTotalRows  protowire.Number = 6
	fieldTracker    protowire.Number = 7
	fieldMetadata   protowire.Number = 8
	fieldPayload    protowire.Number = 9
	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

// Encode serializes msg as a protobuf-framed header followed by the record
// as an Arrow IPC stream. A nil record is encoded without a payload field.
func Encode(msg Message) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind))
	b = appendString(b, fieldMessageID, msg.MessageID)
	b = appendString(b, fieldCacheID, msg.CacheID)
	b = protowire.AppendTag(b, fieldSource, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(msg.SourceNode)))
	b = protowire.AppendTag(b, fieldTarget, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(msg.TargetNode)))
	b = protowire.AppendTag(b, fieldTotalRows, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(msg.TotalRows))
	b = protowire.AppendTag(b, fieldTracker, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(msg.Tracker)))

	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, fieldEntryKey, k)
		entry = appendString(entry, fieldEntryValue, msg.Metadata[k])
		b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	if msg.Record != nil {
		var buf bytes.Buffer
		w := ipc.NewWriter(&buf, ipc.WithSchema(msg.Record.Schema()))
		if err := w.Write(msg.Record); err != nil {
			w.Close()
			return nil, errors.Wrapf(err, "encode payload of %s", msg.MessageID)
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrapf(err, "encode payload of %s", msg.MessageID)
		}
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, buf.Bytes())
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode parses a message produced by Encode. The record, if any, is
// allocated from alloc and owned by the caller.
func Decode(alloc memory.Allocator, b []byte) (Message, error) {
	var msg Message
	var payload []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, errors.Wrap(protowire.ParseError(n), "decode message tag")
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, errors.Wrapf(protowire.ParseError(n), "decode field %d", num)
			}
			b = b[n:]
			switch num {
			case fieldKind:
				msg.Kind = Kind(v)
			case fieldSource:
				msg.SourceNode = int(protowire.DecodeZigZag(v))
			case fieldTarget:
				msg.TargetNode = int(protowire.DecodeZigZag(v))
			case fieldTotalRows:
				msg.TotalRows = protowire.DecodeZigZag(v)
			case fieldTracker:
				msg.Tracker = int(protowire.DecodeZigZag(v))
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, errors.Wrapf(protowire.ParseError(n), "decode field %d", num)
			}
			b = b[n:]
			switch num {
			case fieldMessageID:
				msg.MessageID = string(v)
			case fieldCacheID:
				msg.CacheID = string(v)
			case fieldMetadata:
				k, val, err := decodeEntry(v)
				if err != nil {
					return Message{}, err
				}
				if msg.Metadata == nil {
					msg.Metadata = cache.Metadata{}
				}
				msg.Metadata[k] = val
			case fieldPayload:
				payload = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, errors.Wrapf(protowire.ParseError(n), "skip field %d", num)
			}
			b = b[n:]
		}
	}

	if payload != nil {
		rdr, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(alloc))
		if err != nil {
			return Message{}, errors.Wrapf(err, "decode payload of %s", msg.MessageID)
		}
		defer rdr.Release()
		if !rdr.Next() {
			if err := rdr.Err(); err != nil {
				return Message{}, errors.Wrapf(err, "decode payload of %s", msg.MessageID)
			}
			return Message{}, errors.Newf("decode payload of %s: empty stream", msg.MessageID)
		}
		rec := rdr.Record()
		rec.Retain()
		msg.Record = rec
	}
	return msg, nil
}

func decodeEntry(b []byte) (string, string, error) {
	var key, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", errors.Wrap(protowire.ParseError(n), "decode metadata entry")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", errors.Wrap(protowire.ParseError(n), "decode metadata entry")
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", errors.Wrap(protowire.ParseError(n), "decode metadata entry")
		}
		b = b[n:]
		switch num {
		case fieldEntryKey:
			key = v
		case fieldEntryValue:
			value = v
		}
	}
	return key, value, nil
}
