package canfeed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/dbc"
	"go.einride.tech/can/pkg/descriptor"
)

// FrameSize is the length of one encoded frame on the byte stream:
// one control byte, a big-endian identifier and eight data bytes.
const FrameSize = 13

// control byte layout
const (
	ctrlExtended = 0x80
	ctrlRemote   = 0x40
	ctrlLength   = 0x0F
)

type frameKey struct {
	id       uint32
	extended bool
}

func keyOf(frm can.Frame) frameKey {
	return frameKey{id: frm.ID, extended: frm.IsExtended}
}

// EncodeFrame renders a data frame in the stream layout understood by the feed.
func EncodeFrame(id uint32, extended bool, data []byte) []byte {
	frm := can.Frame{ID: id, IsExtended: extended}
	frm.Length = uint8(copy(frm.Data[:], data))
	return appendFrame(make([]byte, 0, FrameSize), frm)
}

func appendFrame(buf []byte, frm can.Frame) []byte {
	ctrl := frm.Length & ctrlLength
	if frm.IsExtended {
		ctrl |= ctrlExtended
	}
	if frm.IsRemote {
		ctrl |= ctrlRemote
	}
	buf = append(buf, ctrl)
	buf = binary.BigEndian.AppendUint32(buf, frm.ID)
	return append(buf, frm.Data[:]...)
}

// decodeFrame reads one frame from the head of buf. It returns zero bytes
// consumed when buf holds less than a full frame.
func decodeFrame(buf []byte) (can.Frame, int, error) {
	if len(buf) < FrameSize {
		return can.Frame{}, 0, nil
	}
	ctrl := buf[0]
	frm := can.Frame{
		ID:         binary.BigEndian.Uint32(buf[1:5]),
		Length:     ctrl & ctrlLength,
		IsExtended: ctrl&ctrlExtended != 0,
		IsRemote:   ctrl&ctrlRemote != 0,
	}
	if frm.IsExtended {
		frm.ID &= can.MaxExtendedID
	} else {
		frm.ID &= can.MaxID
	}
	copy(frm.Data[:], buf[5:FrameSize])
	if err := frm.Validate(); err != nil {
		return can.Frame{}, FrameSize, err
	}
	return frm, FrameSize, nil
}

// database is the subset of a DBC file the feed can decode. Messages larger
// than a classic CAN payload are listed in oversized so bindings to them fail
// with a clear error.
type database struct {
	*descriptor.Database
	oversized map[string]struct{}
}

func compileDatabase(name string, data []byte) (*database, error) {
	parser := dbc.NewParser(name, data)
	if err := parser.Parse(); err != nil {
		return nil, fmt.Errorf("parse dbc: %w", err)
	}
	db := &database{
		Database:  &descriptor.Database{SourceFile: name},
		oversized: make(map[string]struct{}),
	}
	for _, def := range parser.Defs() {
		switch def := def.(type) {
		case *dbc.VersionDef:
			db.Version = def.Version
		case *dbc.MessageDef:
			if def.Size > can.MaxDataLength {
				db.oversized[strings.ToLower(string(def.Name))] = struct{}{}
				continue
			}
			msg, err := compileMessage(def)
			if err != nil {
				return nil, err
			}
			db.Messages = append(db.Messages, msg)
		}
	}
	if len(db.Messages) == 0 {
		return nil, errors.New("dbc contains no CAN messages")
	}
	return db, nil
}

func compileMessage(def *dbc.MessageDef) (*descriptor.Message, error) {
	msg := &descriptor.Message{
		Name:       string(def.Name),
		ID:         def.MessageID.ToCAN(),
		IsExtended: def.MessageID.IsExtended(),
		Length:     uint8(def.Size),
		SenderNode: string(def.Transmitter),
	}
	for i := range def.Signals {
		sig := &def.Signals[i]
		if sig.Size == 0 || sig.Size > 64 || sig.StartBit >= 8*can.MaxDataLength {
			return nil, fmt.Errorf("message %s: signal %s has invalid layout %d|%d", def.Name, sig.Name, sig.StartBit, sig.Size)
		}
		msg.Signals = append(msg.Signals, &descriptor.Signal{
			Name:          string(sig.Name),
			Start:         uint8(sig.StartBit),
			Length:        uint8(sig.Size),
			IsBigEndian:   sig.IsBigEndian,
			IsSigned:      sig.IsSigned,
			IsMultiplexer: sig.IsMultiplexerSwitch,
			IsMultiplexed: sig.IsMultiplexed,
			Offset:        sig.Offset,
			Scale:         sig.Factor,
			Min:           sig.Minimum,
			Max:           sig.Maximum,
			Unit:          sig.Unit,
		})
	}
	return msg, nil
}

// message looks up the message a binding refers to. Names match
// case-insensitively; frame ids accept decimal or 0x-prefixed hex.
func (db *database) message(ref MessageRef) (*descriptor.Message, error) {
	switch {
	case ref.Message != "":
		for _, msg := range db.Messages {
			if strings.EqualFold(msg.Name, ref.Message) {
				return msg, nil
			}
		}
		if _, ok := db.oversized[strings.ToLower(ref.Message)]; ok {
			return nil, fmt.Errorf("CAN message %s exceeds %d bytes", ref.Message, can.MaxDataLength)
		}
		return nil, fmt.Errorf("unknown CAN message %s", ref.Message)
	case ref.FrameID != "":
		id, err := parseFrameID(ref.FrameID)
		if err != nil {
			return nil, err
		}
		msg, ok := db.Message(id)
		if !ok {
			return nil, fmt.Errorf("no CAN message with id 0x%X", id)
		}
		return msg, nil
	}
	return nil, errors.New("binding requires either message or frame_id")
}

// signal returns the named signal of msg after checking that it fits the
// message payload.
func signal(msg *descriptor.Message, name string) (*descriptor.Signal, error) {
	for _, sig := range msg.Signals {
		if !strings.EqualFold(sig.Name, name) {
			continue
		}
		if sig.IsMultiplexed {
			return nil, fmt.Errorf("signal %s of %s is multiplexed", sig.Name, msg.Name)
		}
		if err := fitsPayload(sig, msg.Length); err != nil {
			return nil, fmt.Errorf("signal %s of %s: %w", sig.Name, msg.Name, err)
		}
		return sig, nil
	}
	return nil, fmt.Errorf("message %s has no signal %s", msg.Name, name)
}

func fitsPayload(sig *descriptor.Signal, length uint8) error {
	if sig.IsBigEndian {
		return can.CheckBitRangeBigEndian(length, sig.Start, sig.Length)
	}
	return can.CheckBitRangeLittleEndian(length, sig.Start, sig.Length)
}

func parseFrameID(value string) (uint32, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("empty frame id")
	}
	id, err := strconv.ParseUint(trimmed, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid frame id %q: %w", value, err)
	}
	if id > can.MaxExtendedID {
		return 0, fmt.Errorf("frame id %q exceeds 29 bits", value)
	}
	return uint32(id), nil
}
