package store

import "encoding/json"

// Known snapshot document keys. Anything else round-trips through
// Snapshot.Extra untouched so newer writers' fields survive older readers.
const (
	docKeyWatermark    = "last_processed_event_id"
	docKeyPaused       = "paused"
	docKeyPausedReason = "paused_reason"
	docKeyAddress      = "address"
	docKeyPayments     = "payments"
)

// MarshalDoc encodes the snapshot's document portion (everything except the
// conversation id and memory summary, which are their own columns).
func (s *Snapshot) MarshalDoc() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(s.Extra)+5)
	for k, v := range s.Extra {
		doc[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		doc[key] = raw
		return nil
	}
	if err := put(docKeyWatermark, s.LastProcessedEventID); err != nil {
		return nil, err
	}
	if err := put(docKeyPaused, s.Paused); err != nil {
		return nil, err
	}
	if s.PausedReason != "" {
		if err := put(docKeyPausedReason, s.PausedReason); err != nil {
			return nil, err
		}
	}
	if s.Address != nil {
		if err := put(docKeyAddress, s.Address); err != nil {
			return nil, err
		}
	}
	if len(s.Payments) > 0 {
		if err := put(docKeyPayments, s.Payments); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}

// UnmarshalDoc decodes a snapshot document previously written by MarshalDoc
// (or by any other writer; unknown keys are preserved in Extra).
func (s *Snapshot) UnmarshalDoc(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		raw, ok := doc[key]
		if !ok {
			return nil
		}
		delete(doc, key)
		return json.Unmarshal(raw, dst)
	}
	if err := take(docKeyWatermark, &s.LastProcessedEventID); err != nil {
		return err
	}
	if err := take(docKeyPaused, &s.Paused); err != nil {
		return err
	}
	if err := take(docKeyPausedReason, &s.PausedReason); err != nil {
		return err
	}
	if err := take(docKeyAddress, &s.Address); err != nil {
		return err
	}
	if err := take(docKeyPayments, &s.Payments); err != nil {
		return err
	}
	if len(doc) > 0 {
		s.Extra = doc
	}
	return nil
}
