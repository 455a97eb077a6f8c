package records

import (
	"go.gazette.dev/txnengine/store"
)

// AreaType identifies a payload area of a Message record.
type AreaType uint32

const (
	AreaProperties AreaType = iota + 1
	AreaBody
	AreaDeliveryState
)

// Area is a typed payload area of a Message.
type Area struct {
	Type AreaType
	Data []byte
}

// Message is the message record (MDR). Frags[0] holds the header area, and
// each following fragment holds one typed payload Area.
type Message struct {
	Persistence uint8
	Priority    uint8
	Expiry      uint32
	Flags       uint32
	Areas       []Area
}

// Record encodes the Message.
func (r Message) Record() store.Record {
	var e = newEncoder(EyeMessage, 1)
	e.u8(r.Persistence)
	e.u8(r.Priority)
	e.u32(r.Expiry)
	e.u32(r.Flags)
	e.u32(uint32(len(r.Areas)))

	var frags = [][]byte{nil}
	for _, a := range r.Areas {
		e.u32(uint32(a.Type))
		e.u32(uint32(len(a.Data)))
		frags = append(frags, append([]byte(nil), a.Data...))
	}
	frags[0] = e.b
	return store.Record{Type: store.TypeMessage, Frags: frags}
}

// DecodeMessage decodes a Message record.
func DecodeMessage(rec store.Record) (*Message, error) {
	if err := checkType(rec, store.TypeMessage); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeMessage, 1)
	var out = &Message{
		Persistence: d.u8(),
		Priority:    d.u8(),
		Expiry:      d.u32(),
		Flags:       d.u32(),
	}
	var n = int(d.u32())
	if d.err != nil {
		return nil, d.err
	} else if n != len(rec.Frags)-1 {
		return nil, wrapCorrupt("message header declares %d areas, record has %d", n, len(rec.Frags)-1)
	}
	for i := 0; i != n; i++ {
		var typ, size = AreaType(d.u32()), int(d.u32())
		if d.err != nil {
			return nil, d.err
		} else if size != len(rec.Frags[i+1]) {
			return nil, wrapCorrupt("message area %d declares %d bytes, has %d", i, size, len(rec.Frags[i+1]))
		}
		out.Areas = append(out.Areas, Area{Type: typ, Data: append([]byte(nil), rec.Frags[i+1]...)})
	}
	return out, nil
}

// Body returns the Data of the first AreaBody, or nil.
func (r Message) Body() []byte {
	for _, a := range r.Areas {
		if a.Type == AreaBody {
			return a.Data
		}
	}
	return nil
}
