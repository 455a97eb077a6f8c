package records

import (
	"github.com/pkg/errors"
	"go.gazette.dev/txnengine/store"
)

// SubscriptionPropertiesVersion is the current version of the
// subscription-properties record.
const SubscriptionPropertiesVersion = 7

// Subscription option flags.
const (
	SubDurable uint32 = 1 << iota
	SubShared
	SubNoLocal
)

// SubscriptionProperties is the subscription-properties record (SPR). The
// format has grown through seven versions:
//
//	v1: options, name, topic string
//	v2: owning client id
//	v3: internal attributes
//	v4: shared-subscription sharer count and anonymous-sharer flag
//	v5: subscription identifier
//	v6: maximum messages
//	v7: policy name
type SubscriptionProperties struct {
	Options       uint32
	Name          string
	Topic         string
	ClientID      string
	InternalAttrs uint32
	SharerCount   uint32
	Anonymous     bool
	SubID         uint32
	MaxMessages   uint64
	PolicyName    string

	// Version is the version the record was decoded from. It's informational
	// and ignored by Record, which always encodes the current version.
	Version uint16
}

// Record encodes the SubscriptionProperties at the current version.
func (r SubscriptionProperties) Record() store.Record {
	return r.RecordAt(SubscriptionPropertiesVersion)
}

// RecordAt encodes the SubscriptionProperties at a prior |version|.
// It's used to produce fixtures of legacy records.
func (r SubscriptionProperties) RecordAt(version uint16) store.Record {
	var e = newEncoder(EyeSubscriptionProperties, version)
	e.u32(r.Options)
	e.str(r.Name)
	e.str(r.Topic)
	if version >= 2 {
		e.str(r.ClientID)
	}
	if version >= 3 {
		e.u32(r.InternalAttrs)
	}
	if version >= 4 {
		e.u32(r.SharerCount)
		e.bool(r.Anonymous)
	}
	if version >= 5 {
		e.u32(r.SubID)
	}
	if version >= 6 {
		e.u64(r.MaxMessages)
	}
	if version >= 7 {
		e.str(r.PolicyName)
	}
	return store.Record{Type: store.TypeSubscriptionProperties, Frags: [][]byte{e.b}}
}

// DecodeSubscriptionProperties decodes any version of the SPR, migrating it
// to the current version.
func DecodeSubscriptionProperties(rec store.Record) (*SubscriptionProperties, error) {
	if err := checkType(rec, store.TypeSubscriptionProperties); err != nil {
		return nil, err
	}
	var d = newDecoder(rec.Frags[0], EyeSubscriptionProperties, SubscriptionPropertiesVersion)
	var out = &SubscriptionProperties{
		Options: d.u32(),
		Name:    d.str(),
		Topic:   d.str(),
		Version: d.version,
	}
	if d.version >= 2 {
		out.ClientID = d.str()
	}
	if d.version >= 3 {
		out.InternalAttrs = d.u32()
	}
	if d.version >= 4 {
		out.SharerCount = d.u32()
		out.Anonymous = d.bool()
	} else if out.Options&SubShared != 0 {
		// Shared subscriptions prior to v4 had exactly one, anonymous sharer.
		out.SharerCount, out.Anonymous = 1, true
	}
	if d.version >= 5 {
		out.SubID = d.u32()
	}
	if d.version >= 6 {
		out.MaxMessages = d.u64()
	}
	if d.version >= 7 {
		out.PolicyName = d.str()
	}
	return out, d.err
}

// NeedsMigration is true if the SPR was decoded from a prior version,
// and should be re-written at the current one.
func (r SubscriptionProperties) NeedsMigration() bool {
	return r.Version != 0 && r.Version < SubscriptionPropertiesVersion
}

func wrapCorrupt(format string, args ...interface{}) error {
	return errors.WithMessagef(ErrCorruptRecord, format, args...)
}
